package relay

import (
	"net"
	"strings"
)

// ResolveHost maps a Host header to a session id under baseDomain.
// "abc.example.com" → "abc", "x.y.example.com" → "x.y". The bare base domain
// or any other suffix yields ErrInvalidHost. A port, if present, is ignored.
func ResolveHost(host, baseDomain string) (string, error) {
	host = stripPort(strings.ToLower(strings.TrimSpace(host)))
	baseDomain = strings.ToLower(strings.Trim(baseDomain, "."))
	if host == "" || baseDomain == "" {
		return "", ErrInvalidHost
	}

	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	base := strings.Split(baseDomain, ".")
	if len(labels) <= len(base) {
		return "", ErrInvalidHost
	}
	split := len(labels) - len(base)
	for i, l := range base {
		if labels[split+i] != l {
			return "", ErrInvalidHost
		}
	}
	for _, l := range labels[:split] {
		if l == "" {
			return "", ErrInvalidHost
		}
	}
	return strings.Join(labels[:split], "."), nil
}

// isApex reports whether host is the base domain itself.
func isApex(host, baseDomain string) bool {
	host = strings.TrimSuffix(stripPort(strings.ToLower(host)), ".")
	return host != "" && host == strings.ToLower(strings.Trim(baseDomain, "."))
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
