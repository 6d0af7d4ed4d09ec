package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP_DirectConnection_IgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.10:54321"

	// Spoofed by the client itself
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	req.Header.Set("X-Real-IP", "192.168.1.1")

	config := pkghttp.NewIPConfig([]string{"10.0.0.0/8", "127.0.0.1/32"})

	assert.Equal(t, "203.0.113.10", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_UsesXForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.7")

	config := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "203.0.113.42", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_IgnoresClientPrependedHops(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	// The client prepended 1.1.1.1; the proxy appended the real peer
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 198.51.100.7")

	config := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})

	assert.Equal(t, "198.51.100.7", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_TrustedProxy_FallsBackToXRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[::1]:8080"
	req.Header.Set("X-Real-IP", "2001:db8::1")

	config := pkghttp.NewIPConfig([]string{"::1"})

	assert.Equal(t, "2001:db8::1", pkghttp.ExtractClientIP(req, config))
}

func TestExtractClientIP_NilConfig(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	assert.Equal(t, "192.0.2.1", pkghttp.ExtractClientIP(req, nil))
}

func TestIsAJAX(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	assert.False(t, pkghttp.IsAJAX(req))

	req.Header.Set("Accept", "application/json, text/plain")
	assert.True(t, pkghttp.IsAJAX(req))

	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-Requested-With", "xmlhttprequest")
	assert.True(t, pkghttp.IsAJAX(req))
}
