package auth

import (
	"context"

	"github.com/BradenHooton/ladderguard/internal/models"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// SessionContextKey is the key for the validated session record
	SessionContextKey contextKey = "session"
	// RequestContextKey is the key for the guard request context
	RequestContextKey contextKey = "request_context"
)

// WithSession stores the validated session in ctx
func WithSession(ctx context.Context, rec *models.SessionRecord) context.Context {
	return context.WithValue(ctx, SessionContextKey, rec)
}

// GetSessionFromContext returns the session set by the session guard, or nil
func GetSessionFromContext(ctx context.Context) *models.SessionRecord {
	rec, _ := ctx.Value(SessionContextKey).(*models.SessionRecord)
	return rec
}

// WithRequestContext stores rc in ctx
func WithRequestContext(ctx context.Context, rc models.RequestContext) context.Context {
	return context.WithValue(ctx, RequestContextKey, rc)
}

// GetRequestContext returns the request context, or the zero value (which
// reads the wall clock)
func GetRequestContext(ctx context.Context) models.RequestContext {
	rc, _ := ctx.Value(RequestContextKey).(models.RequestContext)
	return rc
}
