package providers

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// Upstream is the identity provider this server is a client of. It does not
// support PKCE; the proxy never sends a code_challenge to it.
type Upstream interface {
	// AuthorizationURL builds the upstream authorization URL for state,
	// redirecting back to this server's callback. An empty scope uses the
	// configured default scopes.
	AuthorizationURL(state, scope string) string

	// ExchangeCode exchanges an authorization code using this server's own
	// credentials and callback URL.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// RefreshToken obtains a new token from a refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// ForwardToken posts form to the token endpoint with this server's
	// client credentials and returns the upstream response unchanged.
	ForwardToken(ctx context.Context, form url.Values) (*ProxyResponse, error)

	// DeviceAuthorization posts form to the device authorization endpoint
	// with this server's client id and returns the response unchanged.
	DeviceAuthorization(ctx context.Context, form url.Values) (*ProxyResponse, error)
}

// ProxyResponse is an upstream HTTP response relayed verbatim to the caller.
// Non-2xx statuses are not errors: the body carries the upstream's own
// OAuth error document.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the upstream Content-Type, defaulting to JSON.
func (r *ProxyResponse) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}

// OK reports a 2xx status.
func (r *ProxyResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
