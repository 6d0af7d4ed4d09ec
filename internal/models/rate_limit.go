package models

import "time"

// WindowRecord holds the request timestamps of a fixed (trailing) window.
// After a purge every timestamp is strictly newer than now - window.
type WindowRecord struct {
	Timestamps []float64 `json:"timestamps"`
}

// Purge drops timestamps outside (cutoff, ∞)
func (w *WindowRecord) Purge(cutoff float64) {
	kept := w.Timestamps[:0]
	for _, ts := range w.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	w.Timestamps = kept
}

// CountSince returns the number of timestamps newer than cutoff
func (w *WindowRecord) CountSince(cutoff float64) int {
	count := 0
	for _, ts := range w.Timestamps {
		if ts > cutoff {
			count++
		}
	}
	return count
}

// BucketRecord is the state of a token bucket. 0 <= Tokens <= capacity.
type BucketRecord struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
}

// SlidingRecord keeps the counts of the current and previous fixed windows
// used by the weighted sliding-window approximation.
type SlidingRecord struct {
	WindowStart float64 `json:"window_start"`
	Current     int     `json:"current"`
	Previous    int     `json:"previous"`
}

// BackoffRecord counts attempts for progressive delays
type BackoffRecord struct {
	Attempts int `json:"attempts"`
}

// BlockRecord is an explicit deny-list entry. It is meaningful only while
// now < BlockedUntil.
type BlockRecord struct {
	Identifier   string  `json:"identifier"`
	BlockedUntil float64 `json:"blocked_until"`
	Reason       string  `json:"reason"`
}

// Active reports whether the block still applies at now
func (b *BlockRecord) Active(now float64) bool {
	return b != nil && now < b.BlockedUntil
}

// Until returns BlockedUntil as a time.Time
func (b *BlockRecord) Until() time.Time {
	return FromUnixSeconds(b.BlockedUntil)
}

// LockoutRecord counts failed attempts for a (purpose, identifier) pair.
// LockedUntil is non-zero only once AttemptCount reached the threshold.
type LockoutRecord struct {
	Identifier   string  `json:"identifier"`
	AttemptCount int     `json:"attempt_count"`
	LockedUntil  float64 `json:"locked_until,omitempty"`
}

// RateDecision is the outcome of a single rate-limit evaluation
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
}

// Err returns nil for an allowed decision, otherwise a GuardError wrapping
// ErrRateLimitExceeded that carries the wait until ResetAt.
func (d RateDecision) Err(now time.Time) error {
	if d.Allowed {
		return nil
	}
	return &GuardError{Err: ErrRateLimitExceeded, RetryAfter: max(0, d.ResetAt.Sub(now))}
}

// RateLimitStatus is a read-only snapshot used for response headers
type RateLimitStatus struct {
	Remaining int
	ResetAt   time.Time
	Total     int
}
