package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/BradenHooton/ladderguard/internal/models"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// writeGuardError maps a guard denial to its response. Unknown errors deny
// with 403.
func writeGuardError(w http.ResponseWriter, r *http.Request, err error) {
	var retryAfter time.Duration
	var guard *models.GuardError
	if errors.As(err, &guard) {
		retryAfter = guard.RetryAfter
	}

	switch {
	case errors.Is(err, models.ErrIdentifierBlocked):
		pkghttp.WriteTooManyRequestsWithCode(w, "identifier_blocked", "Too many requests. Please try again later.", retryAfter)
	case errors.Is(err, models.ErrAccountLocked):
		pkghttp.WriteTooManyRequestsWithCode(w, "account_locked", "Too many failed attempts. Please try again later.", retryAfter)
	case errors.Is(err, models.ErrRateLimitExceeded):
		pkghttp.WriteTooManyRequests(w, "Too many requests. Please try again later.", retryAfter)
	case errors.Is(err, models.ErrInvalidCSRFToken):
		pkghttp.WriteCSRFRejected(w, r)
	case errors.Is(err, models.ErrStoreUnavailable):
		pkghttp.WriteServiceUnavailable(w, "Please try again shortly.")
	default:
		pkghttp.WriteForbidden(w, "Request denied")
	}
}
