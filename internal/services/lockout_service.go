package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/store"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// LockoutService counts failed attempts per (purpose, identifier) and blocks
// the pair once MaxAttempts is reached. The block itself lives in the block
// list, so an administrator lifting it also lifts the lockout.
type LockoutService struct {
	store       store.Store
	limiter     *RateLimitService
	events      logger.EventSink
	logger      *slog.Logger
	maxAttempts int
	duration    time.Duration
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(s store.Store, limiter *RateLimitService, events logger.EventSink, log *slog.Logger, maxAttempts int, duration time.Duration) *LockoutService {
	if events == nil {
		events = logger.DiscardSink{}
	}
	return &LockoutService{
		store:       s,
		limiter:     limiter,
		events:      events,
		logger:      log,
		maxAttempts: maxAttempts,
		duration:    duration,
	}
}

// RecordFailure counts a failed attempt and reports whether the pair is now
// locked. Failures while a lockout is in force are not counted; a lockout
// that has run out starts a fresh count. An unreachable store reports
// unlocked, a contended counter reports locked.
func (s *LockoutService) RecordFailure(ctx context.Context, rc models.RequestContext, purpose, identifier string) bool {
	now := rc.Seconds()
	var locked, engaged bool
	var attempts int

	err := store.MutateJSON(ctx, s.store, recordKey(kindLockout, purpose, identifier), s.duration, func(rec *models.LockoutRecord, _ bool) (bool, error) {
		locked, engaged = false, false

		if rec.LockedUntil > 0 {
			if now < rec.LockedUntil {
				locked = true
				attempts = rec.AttemptCount
				return false, nil
			}
			rec.AttemptCount = 0
			rec.LockedUntil = 0
		}

		rec.Identifier = identifier
		rec.AttemptCount++
		if rec.AttemptCount >= s.maxAttempts {
			rec.LockedUntil = now + s.duration.Seconds()
			locked, engaged = true, true
		}
		attempts = rec.AttemptCount
		return true, nil
	})
	if err != nil {
		return !s.limiter.storeFailure(ctx, rc, "record_failure", purpose, identifier, err)
	}

	if engaged {
		metrics.LockoutEngaged(purpose)
		s.logger.Warn("lockout engaged",
			slog.String("purpose", purpose),
			slog.Int("attempts", attempts),
			slog.Duration("duration", s.duration))

		event := s.limiter.event(rc, logger.EventLockoutEngaged, logger.SeverityCritical, purpose, identifier)
		event.Reason = "too many failed attempts"
		s.events.Emit(ctx, event)

		_ = s.limiter.BlockIdentifier(ctx, rc, purpose, identifier, s.duration, "too many failed attempts")
	}

	return locked
}

// IsLocked reports whether the pair is currently blocked. When it is not but
// a lockout had been engaged, the stale counter is cleared.
func (s *LockoutService) IsLocked(ctx context.Context, rc models.RequestContext, purpose, identifier string) bool {
	if s.limiter.IsBlocked(ctx, rc, purpose, identifier) != nil {
		return true
	}
	s.clearExpired(ctx, rc, purpose, identifier)
	return false
}

// Check returns a GuardError wrapping models.ErrAccountLocked while the pair
// is locked out, and nil otherwise
func (s *LockoutService) Check(ctx context.Context, rc models.RequestContext, purpose, identifier string) error {
	if !s.IsLocked(ctx, rc, purpose, identifier) {
		return nil
	}
	return &models.GuardError{Err: models.ErrAccountLocked, RetryAfter: s.Remaining(ctx, rc, purpose, identifier)}
}

// Remaining returns how long the lockout still lasts (zero when not locked)
func (s *LockoutService) Remaining(ctx context.Context, rc models.RequestContext, purpose, identifier string) time.Duration {
	block := s.limiter.IsBlocked(ctx, rc, purpose, identifier)
	if block == nil {
		return 0
	}
	return block.Until().Sub(rc.Time())
}

// Attempts returns the failure count of the current lockout period
func (s *LockoutService) Attempts(ctx context.Context, rc models.RequestContext, purpose, identifier string) int {
	rec, err := store.GetJSON[models.LockoutRecord](ctx, s.store, recordKey(kindLockout, purpose, identifier))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.limiter.failOpen(ctx, rc, "lockout_attempts", purpose, identifier, err)
		}
		return 0
	}
	if rec.LockedUntil > 0 && rc.Seconds() >= rec.LockedUntil {
		return 0
	}
	return rec.AttemptCount
}

// Reset clears the counter and any block, typically after a successful attempt
func (s *LockoutService) Reset(ctx context.Context, rc models.RequestContext, purpose, identifier string) {
	for _, key := range []string{recordKey(kindLockout, purpose, identifier), recordKey(kindBlock, purpose, identifier)} {
		if err := s.store.Delete(ctx, key); err != nil {
			s.limiter.failOpen(ctx, rc, "lockout_reset", purpose, identifier, err)
			return
		}
	}
}

func (s *LockoutService) clearExpired(ctx context.Context, rc models.RequestContext, purpose, identifier string) {
	err := store.MutateJSON(ctx, s.store, recordKey(kindLockout, purpose, identifier), s.duration, func(rec *models.LockoutRecord, exists bool) (bool, error) {
		if !exists || rec.LockedUntil == 0 {
			return false, nil
		}
		rec.AttemptCount = 0
		rec.LockedUntil = 0
		return true, nil
	})
	if err != nil {
		s.limiter.storeFailure(ctx, rc, "lockout_clear", purpose, identifier, err)
	}
}
