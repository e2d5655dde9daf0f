package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-oauth-proxy/internal/util"
	"github.com/giantswarm/mcp-oauth-proxy/security"
)

const (
	// DefaultAPIBaseURL is used when APIBaseURL is empty or malformed.
	DefaultAPIBaseURL = "https://workspace.example.com/api/v2"

	// APIPathSuffix is replaced by the OAuth paths when deriving endpoints.
	APIPathSuffix = "/api/v2"

	ProductionStorageDir  = "/var/lib/mcp-oauth-proxy"
	DevelopmentStorageDir = "./.oauth-data"

	// CallbackPath is where the upstream redirects back to this server.
	CallbackPath = "/oauth/callback"

	authorizePath  = "/oauth/authorize"
	tokenPath      = "/oauth/token"
	deviceCodePath = "/oauth/device/code"
)

// Endpoints is everything derived from Config that the proxy needs to talk
// to the upstream and to describe itself.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
	DeviceURL        string

	// Issuer is this server's base URL, without a trailing slash.
	Issuer string
	// ResourceID is the canonical identifier of the protected resource.
	ResourceID  string
	CallbackURL string

	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Resolve derives the upstream endpoints from the API base URL and applies
// explicit overrides. It never fails.
func Resolve(cfg *Config) Endpoints {
	origin := upstreamOrigin(cfg.APIBaseURL)
	issuer := util.NormalizeURL(cfg.PublicURL)

	e := Endpoints{
		AuthorizationURL: origin + authorizePath,
		TokenURL:         origin + tokenPath,
		DeviceURL:        origin + deviceCodePath,
		Issuer:           issuer,
		ResourceID:       issuer + cfg.ResourcePath,
		CallbackURL:      issuer + CallbackPath,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
	}

	if cfg.AuthorizeURL != "" {
		e.AuthorizationURL = cfg.AuthorizeURL
	}
	if cfg.TokenURL != "" {
		e.TokenURL = cfg.TokenURL
	}
	if cfg.DeviceURL != "" {
		e.DeviceURL = cfg.DeviceURL
	}

	for _, s := range cfg.Scopes {
		e.Scopes = append(e.Scopes, util.SplitScopes(s)...)
	}
	return e
}

// upstreamOrigin strips the API path suffix from base, falling back to the
// default base when base is not an absolute URL.
func upstreamOrigin(base string) string {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" || u.Host == "" {
		u, _ = url.Parse(DefaultAPIBaseURL)
	}

	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, APIPathSuffix)

	return u.Scheme + "://" + u.Host + path
}

// StorageDir returns the directory the file stores live in.
func StorageDir(cfg *Config) string {
	if cfg.StorageDir != "" {
		return cfg.StorageDir
	}
	if cfg.IsProduction() {
		return ProductionStorageDir
	}
	return DevelopmentStorageDir
}

// EncryptionKey decodes the session encryption key. An empty value returns
// a nil key, which disables encryption.
func EncryptionKey(cfg *Config) ([]byte, error) {
	if cfg.EncryptionKey == "" {
		return nil, nil
	}
	key, err := security.KeyFromBase64(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return key, nil
}
