package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/models"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// Clock returns the current time; tests substitute a fixed one
type Clock func() time.Time

// RequestContext resolves the client IP (honouring trusted proxies only),
// the user agent, the session cookie and the request time once, and stores
// them for the guards further down the chain
func RequestContext(ipConfig *pkghttp.IPConfig, clock Clock) func(http.Handler) http.Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := models.RequestContext{
				IP:        pkghttp.ExtractClientIP(r, ipConfig),
				UserAgent: r.UserAgent(),
				SessionID: auth.GetSessionCookie(r),
				Now:       clock(),
			}
			next.ServeHTTP(w, r.WithContext(auth.WithRequestContext(r.Context(), rc)))
		})
	}
}

// requestContext returns the stored context, falling back to the raw request
// when the RequestContext middleware did not run
func requestContext(r *http.Request) models.RequestContext {
	rc := auth.GetRequestContext(r.Context())
	if rc.IP == "" {
		rc.IP = pkghttp.ExtractClientIP(r, nil)
		rc.UserAgent = r.UserAgent()
		rc.SessionID = auth.GetSessionCookie(r)
	}
	return rc
}
