// Package origin normalizes and matches browser Origin headers against the
// configured allowlist.
package origin

import (
	"net/url"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. The special Origin value "null" is
// allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = strings.ToLower(u.Host)
	if strings.TrimSuffix(host, ":") != host {
		return "", "", false
	}

	// Strip default ports so "https://a.example:443" matches "https://a.example".
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may use the relay.
//
// Rules, in order:
//   - "*" in the allowlist allows everything (dev-only configuration).
//   - An exact allowlist match allows the origin.
//   - Same-host requests (Origin host equals the request Host) are allowed so
//     the bundled static frontend works without extra configuration.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			return true
		}
		if norm, _, ok := NormalizeHeader(a); ok && norm == normalizedOrigin {
			return true
		}
	}
	return originHost != "" && strings.EqualFold(originHost, requestHost)
}
