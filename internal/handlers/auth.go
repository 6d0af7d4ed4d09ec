package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/services"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// LoginAction is the CSRF action protecting the sign-in form
const LoginAction = "login"

// SessionServiceInterface defines the session operations the auth handler needs
type SessionServiceInterface interface {
	Login(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord, identity *models.Identity) (*models.SessionRecord, error)
	Logout(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord) error
	RecordFailedLogin(ctx context.Context, rc models.RequestContext, username string) bool
	CheckLogin(ctx context.Context, rc models.RequestContext, username string) error
}

// DelayServiceInterface defines the progressive-delay operations used on failed sign-ins
type DelayServiceInterface interface {
	GetProgressiveDelay(ctx context.Context, rc models.RequestContext, purpose, identifier string, baseDelay, maxDelay time.Duration) time.Duration
	ResetAttempts(ctx context.Context, rc models.RequestContext, purpose, identifier string)
}

// CSRFServiceInterface defines token issuance
type CSRFServiceInterface interface {
	IssueToken(ctx context.Context, rc models.RequestContext, sessionID, action string) (string, error)
}

// AuthHandler handles sign-in, sign-out, session and CSRF token requests
type AuthHandler struct {
	sessions     SessionServiceInterface
	identity     services.IdentityProvider
	delays       DelayServiceInterface
	csrf         CSRFServiceInterface
	doubleSubmit *auth.DoubleSubmit
	cookies      auth.CookieConfig
	security     config.SecurityConfig
	logger       *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(
	sessions SessionServiceInterface,
	identity services.IdentityProvider,
	delays DelayServiceInterface,
	csrf CSRFServiceInterface,
	doubleSubmit *auth.DoubleSubmit,
	cookies auth.CookieConfig,
	security config.SecurityConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		sessions:     sessions,
		identity:     identity,
		delays:       delays,
		csrf:         csrf,
		doubleSubmit: doubleSubmit,
		cookies:      cookies,
		security:     security,
		logger:       logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

// Response DTOs

// SessionResponse describes the caller's session
type SessionResponse struct {
	Authenticated bool      `json:"authenticated"`
	UserID        string    `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	Role          string    `json:"role,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// CSRFTokenResponse tells the client how to submit a token
type CSRFTokenResponse struct {
	Token      string `json:"token"`
	Action     string `json:"action"`
	FieldName  string `json:"field_name"`
	HeaderName string `json:"header_name"`
	CookieName string `json:"cookie_name,omitempty"`
}

// Login handles POST /auth/login (JSON or form encoded)
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
	} else {
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	rc := auth.GetRequestContext(ctx)
	rec := auth.GetSessionFromContext(ctx)
	if rec == nil {
		pkghttp.WriteSessionInvalid(w)
		return
	}

	if err := h.sessions.CheckLogin(ctx, rc, req.Username); err != nil {
		writeLoginDenied(w, err)
		return
	}

	identity, err := h.identity.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, models.ErrUnauthorized) {
			h.logger.Error("identity lookup failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}

		locked := h.sessions.RecordFailedLogin(ctx, rc, req.Username)
		delay := h.delays.GetProgressiveDelay(ctx, rc, services.PurposeLogin, services.NormalizeUsername(req.Username),
			h.security.ProgressiveBaseDelay, h.security.ProgressiveMaxDelay)

		if locked {
			err := h.sessions.CheckLogin(ctx, rc, req.Username)
			if err == nil {
				err = &models.GuardError{Err: models.ErrAccountLocked, RetryAfter: delay}
			}
			writeLoginDenied(w, err)
			return
		}
		pkghttp.SetRetryAfter(w, delay)
		pkghttp.WriteUnauthorized(w, "Authentication failed")
		return
	}

	next, err := h.sessions.Login(ctx, rc, rec, identity)
	if err != nil {
		h.logger.Error("failed to establish session", slog.Any("error", err))
		var invalid *models.SessionInvalidError
		if errors.As(err, &invalid) && invalid.Reason != models.ReasonUnavailable {
			pkghttp.WriteSessionInvalid(w)
			return
		}
		pkghttp.WriteServiceUnavailable(w, "Please try again shortly.")
		return
	}
	h.delays.ResetAttempts(ctx, rc, services.PurposeLogin, services.NormalizeUsername(identity.Username))

	auth.SetSessionCookie(w, next.ID, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, h.sessionResponse(next))
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec := auth.GetSessionFromContext(ctx)
	if rec == nil {
		pkghttp.WriteSessionInvalid(w)
		return
	}

	if err := h.sessions.Logout(ctx, auth.GetRequestContext(ctx), rec); err != nil {
		h.logger.Error("failed to destroy session", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.ClearSessionCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Session handles GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	rec := auth.GetSessionFromContext(r.Context())
	if rec == nil {
		pkghttp.WriteSessionInvalid(w)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, h.sessionResponse(rec))
}

// CSRFToken handles GET /auth/csrf-token?action=...
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	action, ok := h.actionParam(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	rec := auth.GetSessionFromContext(ctx)
	if rec == nil {
		pkghttp.WriteSessionInvalid(w)
		return
	}

	token, err := h.csrf.IssueToken(ctx, auth.GetRequestContext(ctx), rec.ID, action)
	if err != nil {
		h.logger.Error("failed to issue csrf token", slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Please try again shortly.")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, CSRFTokenResponse{
		Token:      token,
		Action:     action,
		FieldName:  h.security.CSRFFieldName,
		HeaderName: "X-CSRF-Token",
	})
}

// CSRFCookie handles GET /auth/csrf-cookie?action=... (stateless double-submit mode)
func (h *AuthHandler) CSRFCookie(w http.ResponseWriter, r *http.Request) {
	action, ok := h.actionParam(w, r)
	if !ok {
		return
	}

	token, err := h.doubleSubmit.Issue(w, action)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, CSRFTokenResponse{
		Token:      token,
		Action:     action,
		FieldName:  h.security.CSRFFieldName,
		HeaderName: "X-CSRF-Token",
		CookieName: auth.CSRFCookieName(action),
	})
}

var loginPage = template.Must(template.New("login").Funcs(auth.TemplateFuncs()).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
{{csrfMeta .Token}}
<title>Sign in</title>
</head>
<body>
<form method="post" action="/auth/login">
{{csrfField .FieldName .Token}}
<label>Username <input name="username" autocomplete="username" required></label>
<label>Password <input name="password" type="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// LoginForm handles GET /auth/login
func (h *AuthHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec := auth.GetSessionFromContext(ctx)
	if rec == nil {
		pkghttp.WriteSessionInvalid(w)
		return
	}

	token, err := h.csrf.IssueToken(ctx, auth.GetRequestContext(ctx), rec.ID, LoginAction)
	if err != nil {
		h.logger.Error("failed to issue csrf token", slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Please try again shortly.")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginPage.Execute(w, struct {
		Token     string
		FieldName string
	}{token, h.security.CSRFFieldName})
}

// csrfActionRequest validates the action query parameter
type csrfActionRequest struct {
	Action string `validate:"omitempty,max=64,printascii"`
}

func (h *AuthHandler) actionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	req := csrfActionRequest{Action: r.URL.Query().Get("action")}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return "", false
	}
	if req.Action == "" {
		req.Action = services.DefaultCSRFAction
	}
	return req.Action, true
}

func (h *AuthHandler) sessionResponse(rec *models.SessionRecord) SessionResponse {
	lastActivity := models.FromUnixSeconds(rec.LastActivity).UTC()
	return SessionResponse{
		Authenticated: rec.Authenticated(),
		UserID:        rec.UserID,
		Username:      rec.Claims["username"],
		Role:          rec.Claims["role"],
		CreatedAt:     models.FromUnixSeconds(rec.CreatedAt).UTC(),
		LastActivity:  lastActivity,
		ExpiresAt:     lastActivity.Add(h.security.SessionTimeout),
	}
}

// writeLoginDenied answers a sign-in the lockout refused
func writeLoginDenied(w http.ResponseWriter, err error) {
	var retryAfter time.Duration
	var guard *models.GuardError
	if errors.As(err, &guard) {
		retryAfter = guard.RetryAfter
	}

	switch {
	case errors.Is(err, models.ErrAccountLocked):
		pkghttp.WriteTooManyRequestsWithCode(w, "account_locked", "Too many failed login attempts. Please try again later.", retryAfter)
	case errors.Is(err, models.ErrStoreUnavailable):
		pkghttp.WriteServiceUnavailable(w, "Please try again shortly.")
	default:
		pkghttp.WriteTooManyRequests(w, "Too many requests. Please try again later.", retryAfter)
	}
}
