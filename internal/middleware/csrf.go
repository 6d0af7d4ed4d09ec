package middleware

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/metrics"
	"github.com/BradenHooton/ladderguard/internal/services"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// CSRFHeader carries the token for script-initiated requests
const CSRFHeader = "X-CSRF-Token"

// CSRFProtection validates the one-time session token for action on
// state-changing requests. It must run after SessionGuard.
func CSRFProtection(csrf *services.CSRFService, fieldName, action string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			rc := requestContext(r)
			sessionID := ""
			if rec := auth.GetSessionFromContext(r.Context()); rec != nil {
				sessionID = rec.ID
			}

			if err := csrf.VerifyToken(r.Context(), rc, sessionID, submittedToken(r, fieldName), action); err != nil {
				logger.Warn("CSRF token validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("action", action),
					slog.Any("error", err))
				writeGuardError(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DoubleSubmitProtection validates the stateless cookie token for action on
// state-changing requests
func DoubleSubmitProtection(ds *auth.DoubleSubmit, fieldName, action string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if !ds.Validate(r, action, submittedToken(r, fieldName)) {
				metrics.CSRFRejected("double_submit")
				logger.Warn("CSRF double-submit validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("action", action))
				pkghttp.WriteCSRFRejected(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// submittedToken reads the header first, then the form field
func submittedToken(r *http.Request, fieldName string) string {
	if token := r.Header.Get(CSRFHeader); token != "" {
		return token
	}
	return r.PostFormValue(fieldName)
}

// isStateChangingMethod checks if the HTTP method modifies state
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}
