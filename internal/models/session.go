package models

// SessionState is the lifecycle state of a session record
type SessionState string

const (
	SessionUninitialized       SessionState = "uninitialized"
	SessionActive              SessionState = "active"
	SessionTimedOut            SessionState = "timed_out"
	SessionFingerprintMismatch SessionState = "fingerprint_mismatch"
	SessionLoggedOut           SessionState = "logged_out"
)

// SessionRecord is the server-side state of a session.
// Fingerprint is bound once and never overwritten; LastActivity only moves forward.
type SessionRecord struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id,omitempty"`
	Claims       map[string]string      `json:"claims,omitempty"`
	Fingerprint  string                 `json:"fingerprint,omitempty"`
	CreatedAt    float64                `json:"created_at"`
	LastActivity float64                `json:"last_activity"`
	CSRFTokens   map[string]TokenRecord `json:"csrf_tokens,omitempty"`
	State        SessionState           `json:"state"`
}

// Authenticated reports whether a user is bound to the session
func (s *SessionRecord) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// TokenRecord is a one-time CSRF token bound to an action
type TokenRecord struct {
	Value          string  `json:"value"`
	CreatedAt      float64 `json:"created_at"`
	Action         string  `json:"action"`
	BoundIP        string  `json:"bound_ip,omitempty"`
	BoundUserAgent string  `json:"bound_user_agent,omitempty"`
}

// Identity is what the external identity provider resolves a login to
type Identity struct {
	UserID   string
	Username string
	Role     string
	Claims   map[string]string
}
