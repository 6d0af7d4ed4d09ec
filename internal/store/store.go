// Package store provides the TTL key-value abstraction that all guard state
// lives in. Every backend offers an atomic CompareAndSwap; shared counters are
// only ever mutated through it (see Mutate), never with a separate read and write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/ladderguard/internal/models"
)

var (
	// ErrNotFound is returned by Get for absent or expired keys
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps backend failures (network, driver, decoding).
	// It matches models.ErrStoreUnavailable with errors.Is.
	ErrUnavailable = fmt.Errorf("store: backend unavailable: %w", models.ErrStoreUnavailable)
	// ErrContention is returned when Mutate loses every CAS round
	ErrContention = errors.New("store: too much contention")
)

// MaxMutateAttempts bounds the CAS retry loop in Mutate
const MaxMutateAttempts = 8

// mutateBackoff is the wait after the first lost CAS round; it grows linearly
const mutateBackoff = time.Millisecond

// Entry is the persisted envelope of a value
type Entry struct {
	Data    []byte    `json:"data"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitempty"`
}

// Expired reports whether the entry has passed its expiry at now.
// A zero Expires never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Store is a TTL key-value store with atomic compare-and-swap.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or ErrNotFound if it is absent or expired.
	// Expired entries are removed eagerly.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put unconditionally writes key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndSwap writes next only if the current data equals old.
	// A nil old means the key must be absent (or expired).
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int64, error)
}

// MutateFunc computes the next value from the current one (nil when absent).
// Returning a nil slice leaves the key untouched.
type MutateFunc func(current []byte) ([]byte, error)

// Mutate is the read-compute-CAS loop. fn may run several times when other
// writers race on the same key, so it must not have side effects beyond its
// return value. A lost round waits briefly before retrying; after
// MaxMutateAttempts lost rounds Mutate returns ErrContention, which callers
// must not treat as an unavailable store.
func Mutate(ctx context.Context, s Store, key string, ttl time.Duration, fn MutateFunc) error {
	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		var current []byte
		entry, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			current = entry.Data
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		swapped, err := s.CompareAndSwap(ctx, key, current, next, ttl)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}

		if attempt < MaxMutateAttempts-1 {
			if err := waitBackoff(ctx, attempt); err != nil {
				return fmt.Errorf("%w: key %q: %v", ErrContention, key, err)
			}
		}
	}
	return fmt.Errorf("%w: key %q", ErrContention, key)
}

func waitBackoff(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(attempt+1) * mutateBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MutateJSON is Mutate for JSON-encoded records. fn receives the decoded
// current value (zero value and false when absent) and reports whether to write.
func MutateJSON[T any](ctx context.Context, s Store, key string, ttl time.Duration, fn func(rec *T, exists bool) (bool, error)) error {
	return Mutate(ctx, s, key, ttl, func(current []byte) ([]byte, error) {
		var rec T
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, fmt.Errorf("%w: decode %q: %v", ErrUnavailable, key, err)
			}
		}
		write, err := fn(&rec, exists)
		if err != nil || !write {
			return nil, err
		}
		return json.Marshal(&rec)
	})
}

// GetJSON decodes the value at key into a T
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec T
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrUnavailable, key, err)
	}
	return &rec, nil
}

// PutJSON encodes rec and writes it unconditionally
func PutJSON[T any](ctx context.Context, s Store, key string, rec *T, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Put(ctx, key, data, ttl)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
