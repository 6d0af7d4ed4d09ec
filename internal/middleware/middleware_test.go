package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/services"
	"github.com/BradenHooton/ladderguard/internal/store"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000040, 0)

type guardFixture struct {
	limiter  *services.RateLimitService
	sessions *services.SessionService
	csrf     *services.CSRFService
	logger   *slog.Logger
	now      time.Time
}

func newGuardFixture() *guardFixture {
	s := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.SecurityConfig{
		MaxLoginAttempts:   5,
		LockoutDuration:    15 * time.Minute,
		SessionTimeout:     30 * time.Minute,
		RotationInterval:   time.Hour,
		CSRFTokenLifetime:  time.Hour,
		CSRFCheckUserAgent: true,
	}
	limiter := services.NewRateLimitService(s, nil, log)
	lockout := services.NewLockoutService(s, limiter, nil, log, cfg.MaxLoginAttempts, cfg.LockoutDuration)
	return &guardFixture{
		limiter:  limiter,
		sessions: services.NewSessionService(s, lockout, nil, log, cfg),
		csrf:     services.NewCSRFService(s, nil, log, cfg),
		logger:   log,
		now:      testNow,
	}
}

func (f *guardFixture) clock() time.Time {
	return f.now
}

// chain wraps h in RequestContext and SessionGuard
func (f *guardFixture) chain(h http.Handler) http.Handler {
	return RequestContext(pkghttp.NewIPConfig(nil), f.clock)(
		SessionGuard(f.sessions, auth.CookieConfig{}, f.logger)(h),
	)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestSessionGuard_IssuesCookieAndRejectsStolenCookie(t *testing.T) {
	f := newGuardFixture()
	handler := f.chain(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "Firefox")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(t, rec)

	// Same cookie from the same client: no new cookie
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "Firefox")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	// Same cookie from a different client
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_invalid")
}

func TestRequireRole(t *testing.T) {
	f := newGuardFixture()
	handler := f.chain(RequireRole(services.RoleAdmin)(okHandler()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit_FixedWindowHeadersAnd429(t *testing.T) {
	f := newGuardFixture()
	policy := Policy{Purpose: "report", Algorithm: services.AlgorithmFixedWindow, Limit: 2, Window: time.Minute}
	handler := RequestContext(nil, f.clock)(RateLimit(f.limiter, policy, nil, f.logger)(okHandler()))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Window"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "1700000100", rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_TokenBucket(t *testing.T) {
	f := newGuardFixture()
	policy := Policy{Purpose: "upload", Algorithm: services.AlgorithmTokenBucket, Capacity: 1, RefillRate: 0.5}
	handler := RequestContext(nil, f.clock)(RateLimit(f.limiter, policy, nil, f.logger)(okHandler()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestRateLimit_BlockedIdentifier(t *testing.T) {
	f := newGuardFixture()
	policy := Policy{Purpose: "api", Limit: 100, Window: time.Minute}
	handler := RequestContext(nil, f.clock)(RateLimit(f.limiter, policy, nil, f.logger)(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rc := requestContext(req)
	rc.Now = testNow
	require.NoError(t, f.limiter.BlockIdentifier(req.Context(), rc, "api", rc.IP, 5*time.Minute, "manual"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))

	var body pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "identifier_blocked", body.Error)
}

// unavailableStore fails reads the way an unreachable backend does
type unavailableStore struct {
	*store.MemoryStore
}

func (unavailableStore) Get(context.Context, string) (*store.Entry, error) {
	return nil, store.ErrUnavailable
}

func TestCSRFProtection_StoreUnavailable(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	csrf := services.NewCSRFService(unavailableStore{store.NewMemoryStore()}, nil, log, config.SecurityConfig{SessionTimeout: time.Minute})
	handler := CSRFProtection(csrf, "csrf_token", "save", log)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/save", nil)
	req.Header.Set(CSRFHeader, "token")
	ctx := auth.WithRequestContext(req.Context(), models.RequestContext{IP: "192.0.2.1", Now: testNow})
	req = req.WithContext(auth.WithSession(ctx, &models.SessionRecord{ID: "sid", State: models.SessionActive}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "service_unavailable")
}

func TestWriteGuardError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"blocked", &models.GuardError{Err: models.ErrIdentifierBlocked, RetryAfter: time.Minute}, http.StatusTooManyRequests, "identifier_blocked"},
		{"locked", &models.GuardError{Err: models.ErrAccountLocked, RetryAfter: time.Minute}, http.StatusTooManyRequests, "account_locked"},
		{"rate", &models.GuardError{Err: models.ErrRateLimitExceeded, RetryAfter: time.Minute}, http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"store", store.ErrUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{"unknown", context.Canceled, http.StatusForbidden, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeGuardError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body pkghttp.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error)
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, "60", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCSRFProtection(t *testing.T) {
	f := newGuardFixture()

	var token string
	issue := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := auth.GetSessionFromContext(r.Context())
		var err error
		token, err = f.csrf.IssueToken(r.Context(), auth.GetRequestContext(r.Context()), rec.ID, "save")
		require.NoError(t, err)
	})
	protected := f.chain(CSRFProtection(f.csrf, "csrf_token", "save", f.logger)(okHandler()))

	rec := httptest.NewRecorder()
	f.chain(issue).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/form", nil))
	cookie := sessionCookie(t, rec)

	// GET passes through without a token
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/save", nil)
	req.AddCookie(cookie)
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Form POST with the hidden field
	form := url.Values{"csrf_token": {token}}
	req = httptest.NewRequest(http.MethodPost, "/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Replay over AJAX
	req = httptest.NewRequest(http.MethodPost, "/save", nil)
	req.Header.Set(CSRFHeader, token)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body pkghttp.CSRFErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CSRF_TOKEN_INVALID", body.Code)
}

func TestDoubleSubmitProtection(t *testing.T) {
	f := newGuardFixture()
	ds := auth.NewDoubleSubmit(auth.CookieConfig{}, time.Hour)
	handler := DoubleSubmitProtection(ds, "csrf_token", "contact", f.logger)(okHandler())

	issued := httptest.NewRecorder()
	token, err := ds.Issue(issued, "contact")
	require.NoError(t, err)
	cookie := issued.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodPost, "/contact", nil)
	req.Header.Set(CSRFHeader, token)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cookie alone is what a cross-site form would carry
	req = httptest.NewRequest(http.MethodPost, "/contact", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(true)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	}

	for _, tt := range tests {
		if got := rec.Header().Get(tt.header); got != tt.expected {
			t.Errorf("Header %s: got %q, want %q", tt.header, got, tt.expected)
		}
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "form-action 'self'") {
		t.Errorf("CSP should restrict form targets: %s", csp)
	}
}
