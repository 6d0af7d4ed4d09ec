package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/store"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// Algorithm names, used as metric labels and in rate limit policies
const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmBlockList     = "block_list"
	AlgorithmBackoff       = "progressive_delay"
)

// Record kinds, the first segment of every guard key
const (
	kindWindow  = "window"
	kindBucket  = "bucket"
	kindSliding = "sliding"
	kindBackoff = "backoff"
	kindBlock   = "block"
	kindLockout = "lockout"
)

// backoffTTL bounds how long an idle progressive-delay counter survives
const backoffTTL = 24 * time.Hour

// contentionRetry is the Retry-After given when a contended record denies a request
const contentionRetry = time.Second

// maxJitterFraction is the upper bound of the random delay added by GetProgressiveDelay
const maxJitterFraction = 0.10

// recordKey derives <kind>:<sha256(purpose \x00 identifier)>. Hashing keeps
// arbitrary identifiers (emails, IPv6, user input) key-safe, and the separator
// keeps ("a:b","c") and ("a","b:c") apart.
func recordKey(kind, purpose, identifier string) string {
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(identifier))
	return kind + ":" + hex.EncodeToString(h.Sum(nil))
}

// RateLimitService implements the rate limiting algorithms and the block list
// on top of a shared TTL store. Checks fail open when the store cannot be
// reached: the request is allowed and a store_unavailable event is emitted.
// A record that stays contended past the CAS retry budget is not an outage,
// so counting decisions deny instead.
type RateLimitService struct {
	store  store.Store
	events logger.EventSink
	logger *slog.Logger
	jitter func() float64
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(s store.Store, events logger.EventSink, log *slog.Logger) *RateLimitService {
	if events == nil {
		events = logger.DiscardSink{}
	}
	return &RateLimitService{
		store:  s,
		events: events,
		logger: log,
		jitter: cryptoFloat64,
	}
}

// WithJitter replaces the jitter source; fn must return values in [0, 1)
func (s *RateLimitService) WithJitter(fn func() float64) *RateLimitService {
	s.jitter = fn
	return s
}

// CheckLimit reports whether fewer than limit attempts were recorded in the
// trailing window. It does not record anything.
func (s *RateLimitService) CheckLimit(ctx context.Context, rc models.RequestContext, purpose, identifier string, limit int, window time.Duration) bool {
	rec, err := store.GetJSON[models.WindowRecord](ctx, s.store, recordKey(kindWindow, purpose, identifier))
	if errors.Is(err, store.ErrNotFound) {
		return limit > 0
	}
	if err != nil {
		s.failOpen(ctx, rc, "check_limit", purpose, identifier, err)
		return true
	}
	return rec.CountSince(rc.Seconds()-window.Seconds()) < limit
}

// RecordAttempt appends the request time to the window and purges stale entries
func (s *RateLimitService) RecordAttempt(ctx context.Context, rc models.RequestContext, purpose, identifier string, window time.Duration) {
	now := rc.Seconds()
	key := recordKey(kindWindow, purpose, identifier)

	err := store.MutateJSON(ctx, s.store, key, window, func(rec *models.WindowRecord, _ bool) (bool, error) {
		rec.Purge(now - window.Seconds())
		rec.Timestamps = append(rec.Timestamps, now)
		return true, nil
	})
	if err != nil {
		s.storeFailure(ctx, rc, "record_attempt", purpose, identifier, err)
	}
}

// CheckAndRecord is CheckAndRecordDecision reduced to its verdict
func (s *RateLimitService) CheckAndRecord(ctx context.Context, rc models.RequestContext, purpose, identifier string, limit int, window time.Duration) bool {
	return s.CheckAndRecordDecision(ctx, rc, purpose, identifier, limit, window).Allowed
}

// CheckAndRecordDecision atomically counts the trailing window and, when the
// count is below limit, records the attempt. A rejected call leaves the
// record untouched.
func (s *RateLimitService) CheckAndRecordDecision(ctx context.Context, rc models.RequestContext, purpose, identifier string, limit int, window time.Duration) models.RateDecision {
	started := time.Now()
	defer metrics.ObserveDecision(AlgorithmFixedWindow, started)

	now := rc.Seconds()
	cutoff := now - window.Seconds()
	decision := models.RateDecision{Limit: limit, Window: window}

	err := store.MutateJSON(ctx, s.store, recordKey(kindWindow, purpose, identifier), window, func(rec *models.WindowRecord, _ bool) (bool, error) {
		rec.Purge(cutoff)
		count := len(rec.Timestamps)

		resetAt := now + window.Seconds()
		if count > 0 {
			resetAt = rec.Timestamps[0] + window.Seconds()
		}
		decision.ResetAt = models.FromUnixSeconds(resetAt)

		if count >= limit {
			decision.Allowed = false
			decision.Remaining = 0
			return false, nil
		}

		rec.Timestamps = append(rec.Timestamps, now)
		decision.Allowed = true
		decision.Remaining = limit - count - 1
		return true, nil
	})
	if err != nil {
		return s.failedDecision(ctx, rc, "check_and_record", purpose, identifier, err, limit, window)
	}

	s.recordOutcome(ctx, rc, AlgorithmFixedWindow, purpose, identifier, decision)
	return decision
}

// CheckTokenBucket is TakeTokenDecision reduced to its verdict
func (s *RateLimitService) CheckTokenBucket(ctx context.Context, rc models.RequestContext, purpose, identifier string, capacity int, refillRate, cost float64) bool {
	return s.TakeTokenDecision(ctx, rc, purpose, identifier, capacity, refillRate, cost).Allowed
}

// TakeTokenDecision refills the bucket for the time elapsed since the last
// refill (refillRate tokens per second, capped at capacity) and then charges
// cost tokens if enough are available. A new bucket starts full.
func (s *RateLimitService) TakeTokenDecision(ctx context.Context, rc models.RequestContext, purpose, identifier string, capacity int, refillRate, cost float64) models.RateDecision {
	started := time.Now()
	defer metrics.ObserveDecision(AlgorithmTokenBucket, started)

	now := rc.Seconds()
	capF := float64(capacity)
	var fillTime time.Duration
	if refillRate > 0 {
		fillTime = time.Duration(capF / refillRate * float64(time.Second))
	}
	decision := models.RateDecision{Limit: capacity, Window: fillTime}

	if capacity <= 0 || refillRate <= 0 || cost > capF {
		decision.ResetAt = rc.Time()
		s.recordOutcome(ctx, rc, AlgorithmTokenBucket, purpose, identifier, decision)
		return decision
	}

	// An absent bucket is a full bucket, so the record only has to outlive
	// the time a drained bucket needs to refill.
	ttl := fillTime + time.Second

	err := store.MutateJSON(ctx, s.store, recordKey(kindBucket, purpose, identifier), ttl, func(rec *models.BucketRecord, exists bool) (bool, error) {
		if !exists {
			rec.Tokens = capF
			rec.LastRefill = now
		}
		if elapsed := now - rec.LastRefill; elapsed > 0 {
			rec.Tokens = math.Min(capF, rec.Tokens+elapsed*refillRate)
			rec.LastRefill = now
		}
		rec.Tokens = math.Max(0, math.Min(capF, rec.Tokens))

		decision.Allowed = rec.Tokens >= cost
		if decision.Allowed {
			rec.Tokens -= cost
			decision.ResetAt = models.FromUnixSeconds(now + (capF-rec.Tokens)/refillRate)
		} else {
			decision.ResetAt = models.FromUnixSeconds(now + (cost-rec.Tokens)/refillRate)
		}
		decision.Remaining = int(math.Floor(rec.Tokens))
		return true, nil
	})
	if err != nil {
		return s.failedDecision(ctx, rc, "token_bucket", purpose, identifier, err, capacity, fillTime)
	}

	s.recordOutcome(ctx, rc, AlgorithmTokenBucket, purpose, identifier, decision)
	return decision
}

// CheckSlidingWindow is SlidingWindowDecision reduced to its verdict
func (s *RateLimitService) CheckSlidingWindow(ctx context.Context, rc models.RequestContext, purpose, identifier string, limit int, window time.Duration) bool {
	return s.SlidingWindowDecision(ctx, rc, purpose, identifier, limit, window).Allowed
}

// SlidingWindowDecision approximates a trailing window with two aligned
// fixed windows: the request is allowed when
// current + previous*(1 - elapsed fraction of the current window) < limit.
func (s *RateLimitService) SlidingWindowDecision(ctx context.Context, rc models.RequestContext, purpose, identifier string, limit int, window time.Duration) models.RateDecision {
	started := time.Now()
	defer metrics.ObserveDecision(AlgorithmSlidingWindow, started)

	now := rc.Seconds()
	w := window.Seconds()
	decision := models.RateDecision{Limit: limit, Window: window}
	if w <= 0 {
		decision.ResetAt = rc.Time()
		return decision
	}

	index := math.Floor(now / w)

	err := store.MutateJSON(ctx, s.store, recordKey(kindSliding, purpose, identifier), 2*window, func(rec *models.SlidingRecord, exists bool) (bool, error) {
		recIndex := math.Round(rec.WindowStart / w)
		switch {
		case !exists || recIndex < index-1:
			*rec = models.SlidingRecord{WindowStart: index * w}
		case recIndex == index-1:
			*rec = models.SlidingRecord{WindowStart: index * w, Previous: rec.Current}
		}
		// recIndex > index only happens when another worker's clock runs
		// ahead; its window is kept as is.

		fraction := math.Max(0, math.Min(1, (now-rec.WindowStart)/w))
		weighted := float64(rec.Previous) * (1 - fraction)
		estimate := float64(rec.Current) + weighted

		decision.ResetAt = models.FromUnixSeconds(rec.WindowStart + w)
		decision.Allowed = estimate < float64(limit)
		if !decision.Allowed {
			decision.Remaining = 0
			return false, nil
		}

		rec.Current++
		decision.Remaining = max(0, int(math.Floor(float64(limit)-float64(rec.Current)-weighted)))
		return true, nil
	})
	if err != nil {
		return s.failedDecision(ctx, rc, "sliding_window", purpose, identifier, err, limit, window)
	}

	s.recordOutcome(ctx, rc, AlgorithmSlidingWindow, purpose, identifier, decision)
	return decision
}

// BlockIdentifier denies (purpose, identifier) until now + duration
func (s *RateLimitService) BlockIdentifier(ctx context.Context, rc models.RequestContext, purpose, identifier string, duration time.Duration, reason string) error {
	now := rc.Seconds()
	rec := &models.BlockRecord{
		Identifier:   identifier,
		BlockedUntil: now + duration.Seconds(),
		Reason:       reason,
	}

	if err := store.PutJSON(ctx, s.store, recordKey(kindBlock, purpose, identifier), rec, duration); err != nil {
		s.failOpen(ctx, rc, "block_identifier", purpose, identifier, err)
		return err
	}

	event := s.event(rc, logger.EventIdentifierBlocked, logger.SeverityWarning, purpose, identifier)
	event.Reason = reason
	event.Metadata = map[string]string{"blocked_until": rec.Until().UTC().Format(time.RFC3339)}
	s.events.Emit(ctx, event)
	return nil
}

// IsBlocked returns the active block for (purpose, identifier), or nil.
// Expired records are deleted on sight.
func (s *RateLimitService) IsBlocked(ctx context.Context, rc models.RequestContext, purpose, identifier string) *models.BlockRecord {
	key := recordKey(kindBlock, purpose, identifier)
	rec, err := store.GetJSON[models.BlockRecord](ctx, s.store, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.failOpen(ctx, rc, "is_blocked", purpose, identifier, err)
		return nil
	}

	if !rec.Active(rc.Seconds()) {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete expired block", slog.String("purpose", purpose), slog.Any("error", err))
		}
		return nil
	}
	return rec
}

// CheckBlock returns a GuardError wrapping models.ErrIdentifierBlocked while
// (purpose, identifier) is blocked, and nil otherwise
func (s *RateLimitService) CheckBlock(ctx context.Context, rc models.RequestContext, purpose, identifier string) error {
	block := s.IsBlocked(ctx, rc, purpose, identifier)
	if block == nil {
		return nil
	}
	return &models.GuardError{
		Err:        models.ErrIdentifierBlocked,
		RetryAfter: block.Until().Sub(rc.Time()),
		Reason:     block.Reason,
	}
}

// Unblock lifts a block early
func (s *RateLimitService) Unblock(ctx context.Context, rc models.RequestContext, purpose, identifier string) error {
	if err := s.store.Delete(ctx, recordKey(kindBlock, purpose, identifier)); err != nil {
		s.failOpen(ctx, rc, "unblock", purpose, identifier, err)
		return err
	}
	s.events.Emit(ctx, s.event(rc, logger.EventIdentifierUnblocked, logger.SeverityInfo, purpose, identifier))
	return nil
}

// GetProgressiveDelay returns min(maxDelay, baseDelay*2^attempts) plus up to
// 10% jitter and increments the attempt counter. A contended counter yields
// maxDelay.
func (s *RateLimitService) GetProgressiveDelay(ctx context.Context, rc models.RequestContext, purpose, identifier string, baseDelay, maxDelay time.Duration) time.Duration {
	attempts := 0
	err := store.MutateJSON(ctx, s.store, recordKey(kindBackoff, purpose, identifier), backoffTTL, func(rec *models.BackoffRecord, _ bool) (bool, error) {
		attempts = rec.Attempts
		rec.Attempts++
		return true, nil
	})
	delay := backoffDelay(baseDelay, maxDelay, attempts)
	if err != nil && !s.storeFailure(ctx, rc, "progressive_delay", purpose, identifier, err) {
		delay = maxDelay
	}
	jitter := time.Duration(float64(delay) * maxJitterFraction * s.jitter())
	return delay + jitter
}

// ResetAttempts clears the progressive-delay counter after a successful action
func (s *RateLimitService) ResetAttempts(ctx context.Context, rc models.RequestContext, purpose, identifier string) {
	if err := s.store.Delete(ctx, recordKey(kindBackoff, purpose, identifier)); err != nil {
		s.failOpen(ctx, rc, "reset_attempts", purpose, identifier, err)
	}
}

// GetRemainingRequests reports the fixed-window budget without recording anything
func (s *RateLimitService) GetRemainingRequests(ctx context.Context, rc models.RequestContext, purpose, identifier string, limit int, window time.Duration) models.RateLimitStatus {
	now := rc.Seconds()
	status := models.RateLimitStatus{
		Remaining: limit,
		ResetAt:   models.FromUnixSeconds(now + window.Seconds()),
		Total:     limit,
	}

	rec, err := store.GetJSON[models.WindowRecord](ctx, s.store, recordKey(kindWindow, purpose, identifier))
	if errors.Is(err, store.ErrNotFound) {
		return status
	}
	if err != nil {
		s.failOpen(ctx, rc, "remaining_requests", purpose, identifier, err)
		return status
	}

	rec.Purge(now - window.Seconds())
	status.Remaining = max(0, limit-len(rec.Timestamps))
	if len(rec.Timestamps) > 0 {
		status.ResetAt = models.FromUnixSeconds(rec.Timestamps[0] + window.Seconds())
	}
	return status
}

func backoffDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	scaled := float64(base) * math.Pow(2, float64(attempts))
	if scaled >= float64(maxDelay) || math.IsInf(scaled, 1) {
		return maxDelay
	}
	return time.Duration(scaled)
}

// failedDecision turns a store error into a decision: open when the store is
// unreachable, closed for one second when the record is contended
func (s *RateLimitService) failedDecision(ctx context.Context, rc models.RequestContext, op, purpose, identifier string, err error, limit int, window time.Duration) models.RateDecision {
	if s.storeFailure(ctx, rc, op, purpose, identifier, err) {
		return models.RateDecision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   rc.Time().Add(window),
			Window:    window,
		}
	}
	return models.RateDecision{
		Limit:   limit,
		ResetAt: rc.Time().Add(contentionRetry),
		Window:  window,
	}
}

func (s *RateLimitService) recordOutcome(ctx context.Context, rc models.RequestContext, algorithm, purpose, identifier string, d models.RateDecision) {
	if d.Allowed {
		metrics.RateDecision(algorithm, purpose, metrics.OutcomeAllowed)
		return
	}
	metrics.RateDecision(algorithm, purpose, metrics.OutcomeRejected)

	event := s.event(rc, logger.EventRateLimitExceeded, logger.SeverityWarning, purpose, identifier)
	event.Metadata = map[string]string{"algorithm": algorithm}
	s.events.Emit(ctx, event)
}

// storeFailure reports whether the caller may fail open after err.
// store.ErrContention returns false: the key is hot, not the store down.
func (s *RateLimitService) storeFailure(ctx context.Context, rc models.RequestContext, op, purpose, identifier string, err error) bool {
	if !errors.Is(err, store.ErrContention) {
		s.failOpen(ctx, rc, op, purpose, identifier, err)
		return true
	}

	s.logger.Warn("rate limit record contended, denying",
		slog.String("op", op),
		slog.String("purpose", purpose),
		slog.Any("error", err))
	metrics.RateDecision(op, purpose, metrics.OutcomeContention)

	event := s.event(rc, logger.EventStoreContention, logger.SeverityWarning, purpose, identifier)
	event.Reason = op
	s.events.Emit(ctx, event)
	return false
}

// failOpen logs a store failure; the caller then allows the request
func (s *RateLimitService) failOpen(ctx context.Context, rc models.RequestContext, op, purpose, identifier string, err error) {
	s.logger.Warn("rate limit store unavailable, failing open",
		slog.String("op", op),
		slog.String("purpose", purpose),
		slog.Any("error", err))
	metrics.StoreError("ratelimit")
	metrics.RateDecision(op, purpose, metrics.OutcomeFailOpen)

	event := s.event(rc, logger.EventStoreUnavailable, logger.SeverityWarning, purpose, identifier)
	event.Reason = op
	s.events.Emit(ctx, event)
}

func (s *RateLimitService) event(rc models.RequestContext, eventType, severity, purpose, identifier string) logger.SecurityEvent {
	event := logger.NewEvent(eventType, severity, rc.Time())
	event.Purpose = purpose
	event.Identifier = identifier
	event.IPAddress = rc.IP
	event.UserAgent = rc.UserAgent
	event.SessionID = rc.SessionID
	return event
}

// cryptoFloat64 returns a uniform float in [0, 1) from crypto/rand
func cryptoFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
