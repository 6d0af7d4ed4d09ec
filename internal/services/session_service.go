package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/store"
	"github.com/BradenHooton/ladderguard/pkg/auth"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// PurposeLogin is the lockout purpose for interactive sign-in
const PurposeLogin = "login"

func sessionKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "session:" + hex.EncodeToString(sum[:])
}

// SessionService manages server-side sessions: creation, fingerprint binding,
// idle timeout, periodic ID rotation and the login lifecycle. Unlike rate
// limiting it fails closed: a session that cannot be read is invalid.
type SessionService struct {
	store   store.Store
	lockout *LockoutService
	events  logger.EventSink
	logger  *slog.Logger
	cfg     config.SecurityConfig
}

// NewSessionService creates a new SessionService
func NewSessionService(s store.Store, lockout *LockoutService, events logger.EventSink, log *slog.Logger, cfg config.SecurityConfig) *SessionService {
	if events == nil {
		events = logger.DiscardSink{}
	}
	return &SessionService{
		store:   s,
		lockout: lockout,
		events:  events,
		logger:  log,
		cfg:     cfg,
	}
}

// Start loads the session named by rc.SessionID. An unknown or empty ID gets
// a brand new uninitialized session with a server-generated ID; a
// client-chosen ID is never adopted.
func (s *SessionService) Start(ctx context.Context, rc models.RequestContext) (*models.SessionRecord, error) {
	if rc.SessionID != "" {
		rec, err := store.GetJSON[models.SessionRecord](ctx, s.store, sessionKey(rc.SessionID))
		switch {
		case err == nil:
			return rec, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, s.unavailable(rc, err)
		}
	}

	id, err := auth.NewToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := rc.Seconds()
	return &models.SessionRecord{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		State:        models.SessionUninitialized,
	}, nil
}

// Validate enforces the idle timeout and fingerprint binding on rec, records
// the activity and rotates the ID once the rotation interval has passed.
// The returned record is the authoritative one; its ID may differ from rec.ID.
func (s *SessionService) Validate(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord, fingerprint string) (*models.SessionRecord, error) {
	now := rc.Seconds()
	timeout := s.cfg.SessionTimeout.Seconds()

	var current models.SessionRecord
	var reason models.SessionInvalidReason

	err := store.MutateJSON(ctx, s.store, sessionKey(rec.ID), s.cfg.SessionTimeout, func(cur *models.SessionRecord, exists bool) (bool, error) {
		reason = ""
		if !exists {
			if rec.State != models.SessionUninitialized {
				reason = models.ReasonTimeout
				return false, nil
			}
			*cur = *rec
		}

		if now-cur.LastActivity > timeout {
			reason = models.ReasonTimeout
			return false, nil
		}

		if cur.Fingerprint == "" {
			cur.Fingerprint = fingerprint
		} else if subtle.ConstantTimeCompare([]byte(cur.Fingerprint), []byte(fingerprint)) != 1 {
			reason = models.ReasonFingerprintMismatch
			return false, nil
		}

		if now > cur.LastActivity {
			cur.LastActivity = now
		}
		cur.State = models.SessionActive
		current = *cur
		return true, nil
	})
	if err != nil {
		return nil, s.unavailable(rc, err)
	}

	if reason != "" {
		s.invalidate(ctx, rc, rec, reason)
		return nil, &models.SessionInvalidError{Reason: reason}
	}

	if now-current.CreatedAt > s.cfg.RotationInterval.Seconds() {
		rotated, err := s.rotate(ctx, rc, current.ID, nil)
		if err != nil {
			s.logger.Warn("session rotation failed", slog.Any("error", err))
			return &current, nil
		}
		return rotated, nil
	}

	return &current, nil
}

// Login binds identity to the session under a fresh ID and clears the login
// lockout of the user. CSRF tokens issued before sign-in do not survive it.
func (s *SessionService) Login(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord, identity *models.Identity) (*models.SessionRecord, error) {
	rotated, err := s.rotate(ctx, rc, rec.ID, func(next *models.SessionRecord) {
		next.UserID = identity.UserID
		next.Claims = map[string]string{
			"username": identity.Username,
			"role":     identity.Role,
		}
		for k, v := range identity.Claims {
			next.Claims[k] = v
		}
		next.State = models.SessionActive
		next.CSRFTokens = nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, &models.SessionInvalidError{Reason: models.ReasonTimeout}
	case err != nil:
		return nil, s.unavailable(rc, err)
	}

	s.lockout.Reset(ctx, rc, PurposeLogin, NormalizeUsername(identity.Username))

	event := logger.NewEvent(logger.EventLoginSuccess, logger.SeverityInfo, rc.Time())
	event.Purpose = PurposeLogin
	event.IPAddress = rc.IP
	event.UserAgent = rc.UserAgent
	event.SessionID = rotated.ID
	event.UserID = identity.UserID
	s.events.Emit(ctx, event)

	return rotated, nil
}

// Logout destroys the session
func (s *SessionService) Logout(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord) error {
	if err := s.store.Delete(ctx, sessionKey(rec.ID)); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	rec.State = models.SessionLoggedOut

	event := s.sessionEvent(rc, logger.EventLogout, logger.SeverityInfo, rec)
	s.events.Emit(ctx, event)
	return nil
}

// RecordFailedLogin counts a failed sign-in for username and reports whether
// the account is now locked
func (s *SessionService) RecordFailedLogin(ctx context.Context, rc models.RequestContext, username string) bool {
	username = NormalizeUsername(username)

	event := logger.NewEvent(logger.EventLoginFailure, logger.SeverityWarning, rc.Time())
	event.Purpose = PurposeLogin
	event.Identifier = username
	event.IPAddress = rc.IP
	event.UserAgent = rc.UserAgent
	event.SessionID = rc.SessionID
	s.events.Emit(ctx, event)

	return s.lockout.RecordFailure(ctx, rc, PurposeLogin, username)
}

// CheckLogin returns a GuardError wrapping models.ErrAccountLocked while
// sign-in for username is locked out
func (s *SessionService) CheckLogin(ctx context.Context, rc models.RequestContext, username string) error {
	return s.lockout.Check(ctx, rc, PurposeLogin, NormalizeUsername(username))
}

// IsLocked reports whether sign-in for username is locked out
func (s *SessionService) IsLocked(ctx context.Context, rc models.RequestContext, username string) bool {
	return s.lockout.IsLocked(ctx, rc, PurposeLogin, NormalizeUsername(username))
}

// LockoutRemaining returns how long sign-in for username stays locked
func (s *SessionService) LockoutRemaining(ctx context.Context, rc models.RequestContext, username string) time.Duration {
	return s.lockout.Remaining(ctx, rc, PurposeLogin, NormalizeUsername(username))
}

// rotate moves the stored session oldID to a new ID. The record is read
// fresh so tokens consumed since the caller loaded it stay consumed; update,
// when set, is applied to it. The new key is created only if absent, then
// the old key is removed.
func (s *SessionService) rotate(ctx context.Context, rc models.RequestContext, oldID string, update func(*models.SessionRecord)) (*models.SessionRecord, error) {
	current, err := store.GetJSON[models.SessionRecord](ctx, s.store, sessionKey(oldID))
	if err != nil {
		return nil, err
	}

	id, err := auth.NewToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	next := *current
	if update != nil {
		update(&next)
	}
	next.ID = id
	next.CreatedAt = rc.Seconds()

	data, err := json.Marshal(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}

	ok, err := s.store.CompareAndSwap(ctx, sessionKey(id), nil, data, s.cfg.SessionTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session id collision")
	}

	if err := s.store.Delete(ctx, sessionKey(oldID)); err != nil {
		s.logger.Warn("failed to remove rotated session", slog.Any("error", err))
	}

	event := s.sessionEvent(rc, logger.EventSessionRotated, logger.SeverityInfo, &next)
	event.Metadata = map[string]string{"previous_session_hash": logger.ShortHash(oldID)}
	s.events.Emit(ctx, event)

	return &next, nil
}

func (s *SessionService) invalidate(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord, reason models.SessionInvalidReason) {
	if err := s.store.Delete(ctx, sessionKey(rec.ID)); err != nil {
		s.logger.Warn("failed to destroy invalid session", slog.Any("error", err))
	}

	eventType, severity := logger.EventSessionTimeout, logger.SeverityInfo
	rec.State = models.SessionTimedOut
	if reason == models.ReasonFingerprintMismatch {
		eventType, severity = logger.EventFingerprintMismatch, logger.SeverityCritical
		rec.State = models.SessionFingerprintMismatch
	}

	metrics.SessionInvalidated(string(reason))
	event := s.sessionEvent(rc, eventType, severity, rec)
	event.Reason = string(reason)
	s.events.Emit(ctx, event)
}

func (s *SessionService) unavailable(rc models.RequestContext, err error) error {
	metrics.StoreError("session")
	metrics.SessionInvalidated(string(models.ReasonUnavailable))
	s.logger.Error("session store unavailable, failing closed", slog.String("ip_address", rc.IP), slog.Any("error", err))
	return &models.SessionInvalidError{Reason: models.ReasonUnavailable, Err: err}
}

func (s *SessionService) sessionEvent(rc models.RequestContext, eventType, severity string, rec *models.SessionRecord) logger.SecurityEvent {
	event := logger.NewEvent(eventType, severity, rc.Time())
	event.IPAddress = rc.IP
	event.UserAgent = rc.UserAgent
	event.SessionID = rec.ID
	event.UserID = rec.UserID
	return event
}

// NormalizeUsername is the canonical form of a username used for lockout and
// backoff identifiers
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
