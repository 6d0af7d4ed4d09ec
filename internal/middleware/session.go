package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/services"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// SessionGuard loads or creates the session, checks idle timeout and
// fingerprint, and puts the validated record into the request context.
// Invalid sessions get 401 and a cleared cookie; an unreadable session store
// gets 503 (sessions fail closed).
func SessionGuard(sessions *services.SessionService, cookies auth.CookieConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rc := requestContext(r)

			rec, err := sessions.Start(ctx, rc)
			if err == nil {
				rec, err = sessions.Validate(ctx, rc, rec, auth.Fingerprint(r))
			}
			if err != nil {
				var invalid *models.SessionInvalidError
				if errors.As(err, &invalid) && invalid.Reason == models.ReasonUnavailable {
					pkghttp.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "Please try again shortly.")
					return
				}
				if !errors.Is(err, models.ErrSessionInvalid) {
					logger.Error("session guard failed", slog.Any("error", err))
					pkghttp.WriteInternalError(w, "Internal server error")
					return
				}
				auth.ClearSessionCookie(w, cookies)
				pkghttp.WriteSessionInvalid(w)
				return
			}

			if rec.ID != rc.SessionID {
				auth.SetSessionCookie(w, rec.ID, cookies)
			}
			rc.SessionID = rec.ID

			ctx = auth.WithRequestContext(ctx, rc)
			ctx = auth.WithSession(ctx, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests whose session has no signed-in user
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.GetSessionFromContext(r.Context()).Authenticated() {
			pkghttp.WriteUnauthorized(w, "Sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects signed-in users without role
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.GetSessionFromContext(r.Context()).Claims["role"] != role {
				pkghttp.WriteForbidden(w, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
