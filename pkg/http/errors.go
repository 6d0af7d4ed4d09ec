package http

import (
	"encoding/json"
	"html/template"
	"math"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`             // Machine-readable error code
	Message string `json:"message"`           // Human-readable message
	Details string `json:"details,omitempty"` // Optional additional context
}

// CSRFErrorResponse is the body AJAX clients get when a CSRF check fails
type CSRFErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes v as a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetails(w, statusCode, errorCode, message, "")
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

func WriteSessionInvalid(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, "session_invalid", "Your session has ended. Please sign in again.")
}

// WriteTooManyRequests writes a 429 with Retry-After rounded up to whole seconds
func WriteTooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) {
	WriteTooManyRequestsWithCode(w, "rate_limit_exceeded", message, retryAfter)
}

// WriteTooManyRequestsWithCode is WriteTooManyRequests with a specific error code
func WriteTooManyRequestsWithCode(w http.ResponseWriter, errorCode, message string, retryAfter time.Duration) {
	SetRetryAfter(w, retryAfter)
	WriteError(w, http.StatusTooManyRequests, errorCode, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}

// SetRetryAfter sets Retry-After in whole seconds (at least 1)
func SetRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
}

// SetRateLimitHeaders writes the X-RateLimit-* headers
func SetRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time, window time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	h.Set("X-RateLimit-Window", strconv.FormatInt(int64(window.Seconds()), 10))
}

var csrfErrorPage = template.Must(template.New("csrf").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Request rejected</title></head>
<body>
<h1>Request rejected</h1>
<p>This form has expired or was already submitted. Go back, reload the page and try again.</p>
</body>
</html>
`))

// WriteCSRFRejected answers a failed CSRF check with 403: JSON for AJAX
// callers, an HTML page otherwise
func WriteCSRFRejected(w http.ResponseWriter, r *http.Request) {
	if IsAJAX(r) {
		WriteJSON(w, http.StatusForbidden, CSRFErrorResponse{
			Error: "CSRF token validation failed",
			Code:  "CSRF_TOKEN_INVALID",
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = csrfErrorPage.Execute(w, nil)
}
