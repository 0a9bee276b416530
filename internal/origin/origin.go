// Package origin decides whether a widget request's declared Origin is
// permitted by the tenant's allowed-origin patterns.
package origin

import (
	"net/url"
	"strings"
)

// Allow matches a request origin against the tenant's configured patterns
// and returns the origin value to echo in Access-Control-Allow-Origin.
//
// An empty pattern set means the tenant is unrestricted. This is the
// documented escape hatch for free-tier and local testing setups, not a bug:
// such tenants are still bound by their own quota and isolation.
//
// A pattern is either an exact hostname ("app.example.com") or a wildcard
// subdomain pattern ("*.example.com"). The wildcard matches subdomains at any
// depth but never the bare apex; tenants that want "example.com" list it
// explicitly. Matching is on the parsed hostname, so "evilexample.com" can
// never satisfy "*.example.com" by substring accident.
func Allow(requestOrigin string, patterns []string) (echo string, ok bool) {
	if len(patterns) == 0 {
		return "*", true
	}

	host := hostOf(requestOrigin)
	if host == "" {
		return "", false
	}

	for _, pattern := range patterns {
		if matches(host, strings.ToLower(strings.TrimSpace(pattern))) {
			return requestOrigin, true
		}
	}

	return "", false
}

func matches(host, pattern string) bool {
	if pattern == "" {
		return false
	}

	if base, isWildcard := strings.CutPrefix(pattern, "*."); isWildcard {
		return strings.HasSuffix(host, "."+base)
	}

	return host == pattern
}

// hostOf extracts the lowercased hostname from an Origin header value.
// Accepts a bare hostname as well, since stored patterns omit the scheme.
func hostOf(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}

	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}

	// Strip a trailing port if present.
	if i := strings.LastIndex(origin, ":"); i > 0 && !strings.Contains(origin[i:], "]") {
		origin = origin[:i]
	}
	return strings.ToLower(origin)
}
