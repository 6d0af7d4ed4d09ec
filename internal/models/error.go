package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Abuse-prevention errors
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrIdentifierBlocked = errors.New("identifier is temporarily blocked")
	ErrAccountLocked     = errors.New("account is temporarily locked")

	// Session and CSRF errors
	ErrInvalidCSRFToken = errors.New("invalid or expired csrf token")
	ErrSessionInvalid   = errors.New("session is no longer valid")

	// Infrastructure errors
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// SessionInvalidReason explains why a session was discarded
type SessionInvalidReason string

const (
	ReasonTimeout             SessionInvalidReason = "timeout"
	ReasonFingerprintMismatch SessionInvalidReason = "fingerprint_mismatch"
	// ReasonUnavailable means the session could not be read; sessions fail closed.
	ReasonUnavailable SessionInvalidReason = "unavailable"
)

// SessionInvalidError is returned when a session must be re-established.
// It matches ErrSessionInvalid with errors.Is.
type SessionInvalidError struct {
	Reason SessionInvalidReason
	Err    error
}

func (e *SessionInvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session invalid (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session invalid (%s)", e.Reason)
}

func (e *SessionInvalidError) Is(target error) bool {
	return target == ErrSessionInvalid
}

func (e *SessionInvalidError) Unwrap() error {
	return e.Err
}

// GuardError is returned when an abuse guard denies a request. It unwraps to
// one of ErrRateLimitExceeded, ErrIdentifierBlocked or ErrAccountLocked.
type GuardError struct {
	Err        error
	RetryAfter time.Duration
	// Reason is the block-list reason, when the denial came from a block
	Reason     string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *GuardError) Unwrap() error {
	return e.Err
}
