package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/store"
	"github.com/BradenHooton/ladderguard/pkg/auth"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// DefaultCSRFAction is used when a form does not name its action
const DefaultCSRFAction = "default"

// CSRF rejection reasons, reported in csrf_rejected events
const (
	csrfReasonMissing   = "token_missing"
	csrfReasonUnknown   = "token_unknown"
	csrfReasonExpired   = "token_expired"
	csrfReasonMismatch  = "token_mismatch"
	csrfReasonIP        = "ip_mismatch"
	csrfReasonUserAgent = "user_agent_mismatch"
	csrfReasonStore     = "store_unavailable"
)

// CSRFService issues one-time CSRF tokens stored in the session record, one
// per action. Every validation attempt consumes the stored token.
type CSRFService struct {
	store  store.Store
	events logger.EventSink
	logger *slog.Logger
	cfg    config.SecurityConfig
}

// NewCSRFService creates a new CSRFService
func NewCSRFService(s store.Store, events logger.EventSink, log *slog.Logger, cfg config.SecurityConfig) *CSRFService {
	if events == nil {
		events = logger.DiscardSink{}
	}
	return &CSRFService{
		store:  s,
		events: events,
		logger: log,
		cfg:    cfg,
	}
}

// IssueToken generates a token for action, replacing any previous one, and
// drops tokens older than the configured lifetime
func (s *CSRFService) IssueToken(ctx context.Context, rc models.RequestContext, sessionID, action string) (string, error) {
	if action == "" {
		action = DefaultCSRFAction
	}
	token, err := auth.NewToken()
	if err != nil {
		return "", err
	}

	now := rc.Seconds()
	cutoff := now - s.cfg.CSRFTokenLifetime.Seconds()

	err = store.MutateJSON(ctx, s.store, sessionKey(sessionID), s.cfg.SessionTimeout, func(rec *models.SessionRecord, exists bool) (bool, error) {
		if !exists {
			return false, models.ErrSessionInvalid
		}
		if rec.CSRFTokens == nil {
			rec.CSRFTokens = make(map[string]models.TokenRecord)
		}
		for name, tr := range rec.CSRFTokens {
			if tr.CreatedAt <= cutoff {
				delete(rec.CSRFTokens, name)
			}
		}
		rec.CSRFTokens[action] = models.TokenRecord{
			Value:          token,
			CreatedAt:      now,
			Action:         action,
			BoundIP:        rc.IP,
			BoundUserAgent: rc.UserAgent,
		}
		return true, nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrSessionInvalid) {
			metrics.StoreError("csrf")
			s.logger.Error("failed to store csrf token", slog.Any("error", err))
		}
		return "", err
	}

	return token, nil
}

// ValidateToken is VerifyToken reduced to its verdict
func (s *CSRFService) ValidateToken(ctx context.Context, rc models.RequestContext, sessionID, token, action string) bool {
	return s.VerifyToken(ctx, rc, sessionID, token, action) == nil
}

// VerifyToken checks token against the one stored for action. The stored
// token is removed whatever the outcome, so a token can be tried only once.
// A rejected token yields an error wrapping models.ErrInvalidCSRFToken; an
// unreachable store yields one wrapping models.ErrStoreUnavailable.
func (s *CSRFService) VerifyToken(ctx context.Context, rc models.RequestContext, sessionID, token, action string) error {
	if action == "" {
		action = DefaultCSRFAction
	}
	if sessionID == "" || token == "" {
		return s.reject(ctx, rc, sessionID, action, csrfReasonMissing)
	}

	var stored *models.TokenRecord
	err := store.MutateJSON(ctx, s.store, sessionKey(sessionID), s.cfg.SessionTimeout, func(rec *models.SessionRecord, exists bool) (bool, error) {
		stored = nil
		if !exists {
			return false, nil
		}
		tr, ok := rec.CSRFTokens[action]
		if !ok {
			return false, nil
		}
		stored = &tr
		delete(rec.CSRFTokens, action)
		return true, nil
	})
	if err != nil {
		metrics.StoreError("csrf")
		s.logger.Error("csrf token store unavailable, failing closed", slog.Any("error", err))
		rejected := s.reject(ctx, rc, sessionID, action, csrfReasonStore)
		if errors.Is(err, store.ErrContention) {
			return rejected
		}
		return fmt.Errorf("csrf: %w", err)
	}

	reason := ""
	switch {
	case stored == nil:
		reason = csrfReasonUnknown
	case rc.Seconds()-stored.CreatedAt > s.cfg.CSRFTokenLifetime.Seconds():
		reason = csrfReasonExpired
	case subtle.ConstantTimeCompare([]byte(stored.Value), []byte(token)) != 1:
		reason = csrfReasonMismatch
	case s.cfg.CSRFCheckIP && stored.BoundIP != rc.IP:
		reason = csrfReasonIP
	case s.cfg.CSRFCheckUserAgent && stored.BoundUserAgent != rc.UserAgent:
		reason = csrfReasonUserAgent
	}

	if reason != "" {
		return s.reject(ctx, rc, sessionID, action, reason)
	}
	return nil
}

func (s *CSRFService) reject(ctx context.Context, rc models.RequestContext, sessionID, action, reason string) error {
	metrics.CSRFRejected("session")

	event := logger.NewEvent(logger.EventCSRFRejected, logger.SeverityWarning, rc.Time())
	event.Purpose = action
	event.IPAddress = rc.IP
	event.UserAgent = rc.UserAgent
	event.SessionID = sessionID
	event.Reason = reason
	s.events.Emit(ctx, event)
	return fmt.Errorf("%w: %s", models.ErrInvalidCSRFToken, reason)
}
