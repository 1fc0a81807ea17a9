package types

import (
	"net"
	"net/url"
	"strings"
)

// MatchURL reports whether raw matches pattern. Patterns have the form
// scheme://host/path where '*' in the host matches any subdomain prefix and a
// trailing '*' in the path matches any suffix. Query and fragment are ignored.
func MatchURL(pattern, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	host, path, _ := strings.Cut(rest, "/")
	path = "/" + path

	if scheme != "*" && !strings.EqualFold(scheme, u.Scheme) {
		return false
	}
	if !matchHost(host, u.Hostname()) {
		return false
	}
	if prefix, wildcard := strings.CutSuffix(path, "*"); wildcard {
		return strings.HasPrefix(u.EscapedPath(), prefix) || (prefix == "/" && u.Path == "")
	}
	return u.EscapedPath() == path || (path == "/" && u.Path == "")
}

// matchHost ignores ports on both sides.
func matchHost(pattern, host string) bool {
	if h, _, err := net.SplitHostPort(pattern); err == nil {
		pattern = h
	}
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		base := pattern[2:]
		return host == base || strings.HasSuffix(host, "."+base)
	default:
		return host == pattern
	}
}
