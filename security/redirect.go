package security

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Loopback host names accepted for plain-http redirect URIs.
const (
	hostLocalhost = "localhost"
	hostLoopback4 = "127.0.0.1"
)

// ErrRedirectURINotAllowed is returned for redirect URIs that are neither
// https nor a local loopback address.
var ErrRedirectURINotAllowed = errors.New("redirect_uri must use https or point to localhost")

// ValidateRegistrationRedirectURI checks a redirect URI offered at client
// registration: https with a host, or http(s) on localhost / 127.0.0.1.
// Fragments are never allowed.
func ValidateRegistrationRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedirectURINotAllowed, err)
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("%w: fragments are not allowed", ErrRedirectURINotAllowed)
	}

	host := strings.ToLower(parsed.Hostname())
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		if host == "" {
			return fmt.Errorf("%w: missing host", ErrRedirectURINotAllowed)
		}
		return nil
	case "http":
		if host == hostLocalhost || host == hostLoopback4 {
			return nil
		}
		return fmt.Errorf("%w: http is only allowed for localhost", ErrRedirectURINotAllowed)
	default:
		return fmt.Errorf("%w: scheme %q", ErrRedirectURINotAllowed, parsed.Scheme)
	}
}

// RedirectURIMatches reports whether presented is acceptable for a client
// that registered registered.
//
// Exact string equality always matches. Otherwise, when both URIs name the
// host "localhost" with the same scheme, path and query, any port matches so
// CLI tools can listen on ephemeral ports. 127.0.0.1 is not treated as
// localhost here.
func RedirectURIMatches(registered, presented string) bool {
	if registered == presented {
		return true
	}

	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	pre, err := url.Parse(presented)
	if err != nil {
		return false
	}

	if !strings.EqualFold(reg.Hostname(), hostLocalhost) || !strings.EqualFold(pre.Hostname(), hostLocalhost) {
		return false
	}
	if !strings.EqualFold(reg.Scheme, pre.Scheme) {
		return false
	}
	if pre.User != nil || pre.Fragment != "" {
		return false
	}
	return reg.EscapedPath() == pre.EscapedPath() && reg.RawQuery == pre.RawQuery
}

// IsSameOriginOrPath reports whether target is a relative path on this
// server or an absolute URL with the same origin as base. Used to keep
// post-login redirects on this host.
func IsSameOriginOrPath(base, target string) bool {
	if target == "" {
		return false
	}
	if strings.HasPrefix(target, "/") {
		return !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	t, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.EqualFold(b.Scheme, t.Scheme) && strings.EqualFold(b.Host, t.Host)
}
