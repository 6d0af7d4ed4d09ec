package models

import (
	"math"
	"time"
)

// RequestContext carries the per-request facts every guard needs.
// Now is taken from the context rather than the wall clock so that
// time-window logic can be driven deterministically.
type RequestContext struct {
	IP        string
	UserAgent string
	SessionID string
	Now       time.Time
}

// Time returns the request time, falling back to the wall clock
func (rc RequestContext) Time() time.Time {
	if rc.Now.IsZero() {
		return time.Now()
	}
	return rc.Now
}

// Seconds returns the request time as fractional Unix seconds
func (rc RequestContext) Seconds() float64 {
	return UnixSeconds(rc.Time())
}

// UnixSeconds converts t to fractional Unix seconds (microsecond precision)
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromUnixSeconds converts fractional Unix seconds back to a time.Time
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}
