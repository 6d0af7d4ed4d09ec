package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// ShortHash returns the first 12 hex chars of sha256(value), enough to
// correlate log lines without revealing the value
func ShortHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}

// HashedAttr returns key_hash=<short hash of value>
func HashedAttr(key, value string) slog.Attr {
	return slog.String(key+"_hash", ShortHash(value))
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

var sensitiveParams = []string{
	"password",
	"token",
	"secret",
	"session",
	"auth",
	"csrf",
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
