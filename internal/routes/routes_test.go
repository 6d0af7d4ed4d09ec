package routes

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/handlers"
	"github.com/BradenHooton/ladderguard/internal/middleware"
	"github.com/BradenHooton/ladderguard/internal/services"
	"github.com/BradenHooton/ladderguard/internal/store"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

const testUserAgent = "Mozilla/5.0 (routes test)"

var tokenPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

// newTestDependencies wires the services over one memory store, so routers
// built from the same value share sessions and limits
func newTestDependencies(t *testing.T) Dependencies {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("ladder-safe"), bcrypt.MinCost)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sec := config.SecurityConfig{
		MaxLoginAttempts:     5,
		LockoutDuration:      15 * time.Minute,
		SessionTimeout:       30 * time.Minute,
		RotationInterval:     time.Hour,
		CSRFTokenLifetime:    time.Hour,
		CSRFCheckUserAgent:   true,
		CSRFFieldName:        "csrf_token",
		LoginRateLimit:       10,
		LoginRateWindow:      time.Minute,
		ProgressiveBaseDelay: time.Second,
		ProgressiveMaxDelay:  time.Minute,
	}
	cookies := auth.CookieConfig{SameSite: "strict"}
	events := logger.DiscardSink{}

	doubleSubmit := auth.NewDoubleSubmit(cookies, sec.CSRFTokenLifetime)

	s := store.NewMemoryStore()
	limiter := services.NewRateLimitService(s, events, log)
	lockout := services.NewLockoutService(s, limiter, events, log, sec.MaxLoginAttempts, sec.LockoutDuration)
	sessions := services.NewSessionService(s, lockout, events, log, sec)
	csrf := services.NewCSRFService(s, events, log, sec)
	directory := services.NewStaticDirectory(map[string]string{"chief": string(hash)}, []string{"chief"})

	return Dependencies{
		Sessions:      sessions,
		CSRF:          csrf,
		DoubleSubmit:  doubleSubmit,
		Limiter:       limiter,
		Events:        events,
		Cookies:       cookies,
		Security:      sec,
		Logger:        log,
		AuthHandler:   handlers.NewAuthHandler(sessions, directory, limiter, csrf, doubleSubmit, cookies, sec, log),
		AdminHandler:  handlers.NewAdminHandler(limiter, lockout, log),
		HealthHandler: handlers.NewHealthHandler(nil, log),
	}
}

func newRouter(deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestContext(pkghttp.NewIPConfig(nil), nil))
	RegisterRoutes(router, deps)
	return router
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	return newRouter(newTestDependencies(t))
}

type client struct {
	t       *testing.T
	handler http.Handler
	session *http.Cookie
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("User-Agent", testUserAgent)
	if c.session != nil {
		req.AddCookie(c.session)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == auth.SessionCookieName && ck.MaxAge >= 0 {
			c.session = ck
		}
	}
	return w
}

// loginPageToken loads the sign-in form and returns its CSRF token
func (c *client) loginPageToken() string {
	w := c.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(c.t, http.StatusOK, w.Code)
	m := tokenPattern.FindStringSubmatch(w.Body.String())
	require.Len(c.t, m, 2, "login form must embed a csrf token")
	return m[1]
}

func (c *client) login(token, password string) *httptest.ResponseRecorder {
	form := url.Values{"username": {"chief"}, "password": {password}, "csrf_token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *client) csrfToken(action string) string {
	w := c.do(httptest.NewRequest(http.MethodGet, "/auth/csrf-token?action="+action, nil))
	require.Equal(c.t, http.StatusOK, w.Code)
	var resp handlers.CSRFTokenResponse
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func TestLoginFlow(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}

	token := c.loginPageToken()
	anonymous := c.session.Value

	w := c.login(token, "ladder-safe")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, anonymous, c.session.Value, "login must rotate the session id")

	w = c.do(httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	var session handlers.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.True(t, session.Authenticated)
	assert.Equal(t, "admin", session.Role)

	// The pre-login ID is gone: presenting it yields a fresh anonymous session
	stale := &client{t: t, handler: c.handler, session: &http.Cookie{Name: auth.SessionCookieName, Value: anonymous}}
	w = stale.do(httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	require.Equal(t, http.StatusOK, w.Code)
	session = handlers.SessionResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.False(t, session.Authenticated)
	assert.NotEqual(t, anonymous, stale.session.Value)
}

func TestLogin_RejectsReplayedToken(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}

	token := c.loginPageToken()
	w := c.login(token, "wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = c.login(token, "ladder-safe")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogin_TokenDoesNotOutliveSignIn(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}

	token := c.loginPageToken()
	require.Equal(t, http.StatusOK, c.login(token, "ladder-safe").Code)

	w := c.login(token, "ladder-safe")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogin_WithoutTokenIsRejected(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}
	c.loginPageToken()

	w := c.login("", "ladder-safe")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}
	require.Equal(t, http.StatusOK, c.login(c.loginPageToken(), "ladder-safe").Code)

	body := `{"purpose":"login","identifier":"203.0.113.50","duration_seconds":300,"reason":"abuse report"}`

	// Missing token
	req := httptest.NewRequest(http.MethodPost, "/admin/blocks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := c.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/blocks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.CSRFHeader, c.csrfToken(ActionAdmin))
	w = c.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = c.do(httptest.NewRequest(http.MethodGet, "/admin/blocks/login/203.0.113.50", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var block handlers.BlockResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &block))
	assert.True(t, block.Blocked)
	assert.Equal(t, "abuse report", block.Reason)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestAdminRoutes_RequireSignIn(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}

	w := c.do(httptest.NewRequest(http.MethodGet, "/admin/blocks/login/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogout(t *testing.T) {
	c := &client{t: t, handler: newTestRouter(t)}
	require.Equal(t, http.StatusOK, c.login(c.loginPageToken(), "ladder-safe").Code)

	// Session tokens are not accepted here
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set(middleware.CSRFHeader, c.csrfToken(ActionLogout))
	w := c.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = c.do(httptest.NewRequest(http.MethodGet, "/auth/csrf-cookie?action="+ActionLogout, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var issued handlers.CSRFTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set(middleware.CSRFHeader, issued.Token)
	req.AddCookie(&http.Cookie{Name: issued.CookieName, Value: issued.Token})
	w = c.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = c.do(httptest.NewRequest(http.MethodGet, "/admin/lockouts/login/chief", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestFloodGuard_CountsOnlyValidatedSessions(t *testing.T) {
	deps := newTestDependencies(t)
	setup := newRouter(deps)
	deps.GlobalRequestsPerMinute = 3
	guarded := newRouter(deps)

	// Hijacked cookies are turned away by the session guard before the
	// flood guard counts them
	for i := 0; i < 5; i++ {
		victim := &client{t: t, handler: setup}
		victim.loginPageToken()

		req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
		req.Header.Set("User-Agent", "curl/8.0")
		req.AddCookie(victim.session)
		w := httptest.NewRecorder()
		guarded.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	c := &client{t: t, handler: guarded}
	for i := 0; i < 3; i++ {
		w := c.do(httptest.NewRequest(http.MethodGet, "/auth/session", nil))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := c.do(httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	guarded.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
