package server

import (
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/internal/util"
)

// Config holds OAuth proxy server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It is returned
	// to delegated clients in the iss callback parameter.
	Issuer string

	// ResourceID is the canonical URI of the protected resource (RFC 9728).
	ResourceID string

	// CallbackURL is where the upstream redirects after user consent.
	// Default: Issuer + "/oauth/callback"
	CallbackURL string

	// SupportedScopes is advertised in metadata. Scopes are not enforced
	// locally; the upstream decides.
	SupportedScopes []string

	// ReaperInterval is the period of the background sweep.
	// Default: 60 seconds
	ReaperInterval time.Duration

	// ClientRetention deletes dynamically registered clients older than
	// this. Zero keeps clients forever.
	ClientRetention time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// SessionCookieName is the cookie carrying the browser session id.
	// Default: "mcp_oauth_session"
	SessionCookieName string
}

const (
	defaultReaperInterval    = 60 * time.Second
	defaultSessionCookieName = "mcp_oauth_session"
	callbackPath             = "/oauth/callback"
)

// applyDefaults fills zero-valued fields and warns about insecure settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	config.Issuer = util.NormalizeURL(config.Issuer)
	if config.CallbackURL == "" && config.Issuer != "" {
		config.CallbackURL = config.Issuer + callbackPath
	}
	if config.ReaperInterval == 0 {
		config.ReaperInterval = defaultReaperInterval
	}
	if config.SessionCookieName == "" {
		config.SessionCookieName = defaultSessionCookieName
	}

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IPs",
			"risk", "Spoofed X-Forwarded-For can evade rate limits if no proxy strips it")
	}
	if strings.HasPrefix(config.Issuer, "http://") && !isLoopbackIssuer(config.Issuer) {
		logger.Warn("Issuer is not served over HTTPS",
			"issuer", config.Issuer)
	}
	return config
}

// SecureCookies reports whether session cookies should carry the Secure flag.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.Issuer, "https://")
}

func isLoopbackIssuer(issuer string) bool {
	rest := strings.TrimPrefix(issuer, "http://")
	return strings.HasPrefix(rest, "localhost") || strings.HasPrefix(rest, "127.0.0.1")
}
