package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Security event types
const (
	EventLoginSuccess        = "login_success"
	EventLoginFailure        = "login_failure"
	EventLogout              = "logout"
	EventLockoutEngaged      = "lockout_engaged"
	EventRateLimitExceeded   = "rate_limit_exceeded"
	EventIdentifierBlocked   = "identifier_blocked"
	EventIdentifierUnblocked = "identifier_unblocked"
	EventBlockedRequest      = "blocked_request"
	EventCSRFRejected        = "csrf_rejected"
	EventSessionTimeout      = "session_timeout"
	EventFingerprintMismatch = "fingerprint_mismatch"
	EventSessionRotated      = "session_rotated"
	EventStoreUnavailable    = "store_unavailable"
	EventStoreContention     = "store_contention"
)

// Severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SecurityEvent is a structured record handed to an EventSink
type SecurityEvent struct {
	ID         string
	Type       string
	Severity   string
	Purpose    string
	Identifier string
	IPAddress  string
	UserAgent  string
	SessionID  string
	UserID     string
	Reason     string
	Metadata   map[string]string
	Time       time.Time
}

// EventSink receives security events. Emit must not block the request path for long.
type EventSink interface {
	Emit(ctx context.Context, event SecurityEvent)
}

// NewEvent fills in the ID and timestamp of an event
func NewEvent(eventType, severity string, now time.Time) SecurityEvent {
	if now.IsZero() {
		now = time.Now()
	}
	return SecurityEvent{
		ID:       uuid.NewString(),
		Type:     eventType,
		Severity: severity,
		Time:     now.UTC(),
	}
}

// SecurityEventLogger writes security events through slog
type SecurityEventLogger struct {
	logger *slog.Logger
}

// NewSecurityEventLogger creates a new security event logger
func NewSecurityEventLogger(logger *slog.Logger) *SecurityEventLogger {
	return &SecurityEventLogger{
		logger: logger,
	}
}

// Emit logs the event. Session IDs are hashed, never logged raw.
func (l *SecurityEventLogger) Emit(ctx context.Context, event SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("severity", event.Severity),
		slog.String("timestamp", event.Time.Format(time.RFC3339)),
	}

	if event.Purpose != "" {
		attrs = append(attrs, slog.String("purpose", event.Purpose))
	}
	if event.Identifier != "" {
		attrs = append(attrs, slog.String("identifier", event.Identifier))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.SessionID != "" {
		attrs = append(attrs, HashedAttr("session", event.SessionID))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	l.logger.LogAttrs(ctx, level, "security_event", attrs...)
}

// MultiSink fans an event out to several sinks
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, event SecurityEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}

// DiscardSink drops every event
type DiscardSink struct{}

func (DiscardSink) Emit(context.Context, SecurityEvent) {}
