package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	pkgauth "github.com/BradenHooton/ladderguard/pkg/auth"
)

// DoubleSubmit is the stateless CSRF mode: the token is set in a cookie the
// page script can read and must come back in a header or form field. A
// cross-site attacker can make the browser send the cookie but cannot read it.
// The cookie is always Secure, whatever CookieConfig.Secure says, since it is
// readable by script and must never travel over plain HTTP.
type DoubleSubmit struct {
	domain   string
	lifetime time.Duration
}

// NewDoubleSubmit creates a double-submit cookie guard
func NewDoubleSubmit(config CookieConfig, lifetime time.Duration) *DoubleSubmit {
	return &DoubleSubmit{
		domain:   config.Domain,
		lifetime: lifetime,
	}
}

// CSRFCookieName is csrf_<first 16 hex chars of sha256(action)>
func CSRFCookieName(action string) string {
	sum := sha256.Sum256([]byte(action))
	return "csrf_" + hex.EncodeToString(sum[:])[:16]
}

// Issue sets a fresh token cookie for action and returns the token
func (d *DoubleSubmit) Issue(w http.ResponseWriter, action string) (string, error) {
	token, err := pkgauth.NewToken()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName(action),
		Value:    token,
		Path:     "/",
		Domain:   d.domain,
		MaxAge:   int(d.lifetime.Seconds()),
		Expires:  time.Now().Add(d.lifetime),
		HttpOnly: false, // page script reads it to echo it back
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Validate compares the submitted value with the cookie in constant time
func (d *DoubleSubmit) Validate(r *http.Request, action, submitted string) bool {
	cookie, err := r.Cookie(CSRFCookieName(action))
	if err != nil || cookie.Value == "" || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(submitted)) == 1
}
