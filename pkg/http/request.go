package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
	prefixes       []netip.Prefix
}

// NewIPConfig parses the trusted proxy ranges once. Invalid ranges are skipped;
// bare addresses are treated as single-host ranges.
func NewIPConfig(trustedProxies []string) *IPConfig {
	cfg := &IPConfig{TrustedProxies: trustedProxies}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			cfg.prefixes = append(cfg.prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			cfg.prefixes = append(cfg.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return cfg
}

func (c *IPConfig) trusted(addr netip.Addr) bool {
	if c == nil {
		return false
	}
	prefixes := c.prefixes
	if prefixes == nil && len(c.TrustedProxies) > 0 {
		prefixes = NewIPConfig(c.TrustedProxies).prefixes
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the client address. Forwarding headers are only
// honoured when the direct peer is a trusted proxy; X-Forwarded-For is walked
// right to left and the first address that is not itself a trusted proxy wins.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote := remoteAddr(r)
	addr, err := netip.ParseAddr(remote)
	if err != nil || !config.trusted(addr) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !config.trusted(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}

	return remote
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// IsAJAX reports whether the caller expects a JSON answer
func IsAJAX(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
