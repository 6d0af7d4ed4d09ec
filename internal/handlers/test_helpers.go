package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/models"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithSessionContext attaches a session record and request context the way SessionGuard does
func WithSessionContext(req *http.Request, rec *models.SessionRecord, now time.Time) *http.Request {
	rc := models.RequestContext{
		IP:        "198.51.100.20",
		UserAgent: req.UserAgent(),
		Now:       now,
	}
	if rec != nil {
		rc.SessionID = rec.ID
	}
	ctx := auth.WithRequestContext(req.Context(), rc)
	if rec != nil {
		ctx = auth.WithSession(ctx, rec)
	}
	return req.WithContext(ctx)
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// discardLogger returns a logger that drops everything
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockSessionService implements SessionServiceInterface for testing
type MockSessionService struct {
	LoginFunc             func(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord, identity *models.Identity) (*models.SessionRecord, error)
	LogoutFunc            func(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord) error
	RecordFailedLoginFunc func(ctx context.Context, rc models.RequestContext, username string) bool
	CheckLoginFunc        func(ctx context.Context, rc models.RequestContext, username string) error
}

func (m *MockSessionService) Login(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord, identity *models.Identity) (*models.SessionRecord, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, rc, rec, identity)
	}
	return rec, nil
}

func (m *MockSessionService) Logout(ctx context.Context, rc models.RequestContext, rec *models.SessionRecord) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, rc, rec)
	}
	return nil
}

func (m *MockSessionService) RecordFailedLogin(ctx context.Context, rc models.RequestContext, username string) bool {
	if m.RecordFailedLoginFunc != nil {
		return m.RecordFailedLoginFunc(ctx, rc, username)
	}
	return false
}

func (m *MockSessionService) CheckLogin(ctx context.Context, rc models.RequestContext, username string) error {
	if m.CheckLoginFunc != nil {
		return m.CheckLoginFunc(ctx, rc, username)
	}
	return nil
}

// MockIdentityProvider implements services.IdentityProvider for testing
type MockIdentityProvider struct {
	AuthenticateFunc func(ctx context.Context, username, password string) (*models.Identity, error)
}

func (m *MockIdentityProvider) Authenticate(ctx context.Context, username, password string) (*models.Identity, error) {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, username, password)
	}
	return nil, models.ErrUnauthorized
}

// MockDelayService implements DelayServiceInterface for testing
type MockDelayService struct {
	Delay  time.Duration
	Delays []string
	Resets []string
}

func (m *MockDelayService) GetProgressiveDelay(ctx context.Context, rc models.RequestContext, purpose, identifier string, baseDelay, maxDelay time.Duration) time.Duration {
	m.Delays = append(m.Delays, purpose+":"+identifier)
	return m.Delay
}

func (m *MockDelayService) ResetAttempts(ctx context.Context, rc models.RequestContext, purpose, identifier string) {
	m.Resets = append(m.Resets, purpose+":"+identifier)
}

// MockCSRFService implements CSRFServiceInterface for testing
type MockCSRFService struct {
	IssueTokenFunc func(ctx context.Context, rc models.RequestContext, sessionID, action string) (string, error)
}

func (m *MockCSRFService) IssueToken(ctx context.Context, rc models.RequestContext, sessionID, action string) (string, error) {
	if m.IssueTokenFunc != nil {
		return m.IssueTokenFunc(ctx, rc, sessionID, action)
	}
	return "token-" + action, nil
}

// MockBlockService implements BlockServiceInterface for testing
type MockBlockService struct {
	BlockIdentifierFunc func(ctx context.Context, rc models.RequestContext, purpose, identifier string, duration time.Duration, reason string) error
	IsBlockedFunc       func(ctx context.Context, rc models.RequestContext, purpose, identifier string) *models.BlockRecord
	UnblockFunc         func(ctx context.Context, rc models.RequestContext, purpose, identifier string) error
}

func (m *MockBlockService) BlockIdentifier(ctx context.Context, rc models.RequestContext, purpose, identifier string, duration time.Duration, reason string) error {
	if m.BlockIdentifierFunc != nil {
		return m.BlockIdentifierFunc(ctx, rc, purpose, identifier, duration, reason)
	}
	return nil
}

func (m *MockBlockService) IsBlocked(ctx context.Context, rc models.RequestContext, purpose, identifier string) *models.BlockRecord {
	if m.IsBlockedFunc != nil {
		return m.IsBlockedFunc(ctx, rc, purpose, identifier)
	}
	return nil
}

func (m *MockBlockService) Unblock(ctx context.Context, rc models.RequestContext, purpose, identifier string) error {
	if m.UnblockFunc != nil {
		return m.UnblockFunc(ctx, rc, purpose, identifier)
	}
	return nil
}

// MockLockoutService implements LockoutServiceInterface for testing
type MockLockoutService struct {
	AttemptsValue  int
	RemainingValue time.Duration
	ResetCalls     int
}

func (m *MockLockoutService) Attempts(ctx context.Context, rc models.RequestContext, purpose, identifier string) int {
	return m.AttemptsValue
}

func (m *MockLockoutService) Remaining(ctx context.Context, rc models.RequestContext, purpose, identifier string) time.Duration {
	return m.RemainingValue
}

func (m *MockLockoutService) Reset(ctx context.Context, rc models.RequestContext, purpose, identifier string) {
	m.ResetCalls++
}

// MockHealthChecker implements HealthChecker for testing
type MockHealthChecker struct {
	Err error
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.Err
}
