// Package mock provides a configurable providers.Upstream for tests.
package mock

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/providers"
)

// Upstream is a test double for providers.Upstream. Every method counts its
// calls and delegates to the matching Func field when set.
type Upstream struct {
	AuthorizationURLFunc    func(state, scope string) string
	ExchangeCodeFunc        func(ctx context.Context, code string) (*oauth2.Token, error)
	RefreshTokenFunc        func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	ForwardTokenFunc        func(ctx context.Context, form url.Values) (*providers.ProxyResponse, error)
	DeviceAuthorizationFunc func(ctx context.Context, form url.Values) (*providers.ProxyResponse, error)

	mu         sync.Mutex
	callCounts map[string]int
	forms      []url.Values
}

var _ providers.Upstream = (*Upstream)(nil)

// NewUpstream returns a mock with working defaults: a fixed authorization
// URL, one-hour tokens, and 200 JSON responses for forwarded requests.
func NewUpstream() *Upstream {
	return &Upstream{
		callCounts: make(map[string]int),
		AuthorizationURLFunc: func(state, scope string) string {
			q := url.Values{
				"response_type": {"code"},
				"client_id":     {"proxy-client"},
				"redirect_uri":  {"https://proxy.example.com/oauth/callback"},
				"state":         {state},
			}
			if scope != "" {
				q.Set("scope", scope)
			}
			return "https://upstream.example.com/oauth/authorize?" + q.Encode()
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "refreshed-access-token",
				TokenType:    "Bearer",
				RefreshToken: refreshToken,
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		ForwardTokenFunc: func(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
			return JSONResponse(http.StatusOK, `{"access_token":"forwarded-access-token","token_type":"Bearer","expires_in":3600}`), nil
		},
		DeviceAuthorizationFunc: func(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
			return JSONResponse(http.StatusOK, `{"device_code":"dc","user_code":"ABCD-1234","verification_uri":"https://upstream.example.com/device","expires_in":600,"interval":5}`), nil
		},
	}
}

// JSONResponse builds a ProxyResponse with a JSON content type.
func JSONResponse(status int, body string) *providers.ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &providers.ProxyResponse{StatusCode: status, Header: h, Body: []byte(body)}
}

func (m *Upstream) record(method string, form url.Values) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
	if form != nil {
		m.forms = append(m.forms, form)
	}
}

// AuthorizationURL implements providers.Upstream.
func (m *Upstream) AuthorizationURL(state, scope string) string {
	m.record("AuthorizationURL", nil)
	if m.AuthorizationURLFunc == nil {
		return "https://upstream.example.com/oauth/authorize?state=" + url.QueryEscape(state)
	}
	return m.AuthorizationURLFunc(state, scope)
}

// ExchangeCode implements providers.Upstream.
func (m *Upstream) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	m.record("ExchangeCode", nil)
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code)
}

// RefreshToken implements providers.Upstream and storage.TokenRefresher.
func (m *Upstream) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("RefreshToken", nil)
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// ForwardToken implements providers.Upstream.
func (m *Upstream) ForwardToken(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
	m.record("ForwardToken", form)
	if m.ForwardTokenFunc == nil {
		return nil, fmt.Errorf("ForwardTokenFunc not configured")
	}
	return m.ForwardTokenFunc(ctx, form)
}

// DeviceAuthorization implements providers.Upstream.
func (m *Upstream) DeviceAuthorization(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
	m.record("DeviceAuthorization", form)
	if m.DeviceAuthorizationFunc == nil {
		return nil, fmt.Errorf("DeviceAuthorizationFunc not configured")
	}
	return m.DeviceAuthorizationFunc(ctx, form)
}

// CallCount returns the number of times method was called.
func (m *Upstream) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// LastForm returns the most recent form passed to ForwardToken or
// DeviceAuthorization, or nil.
func (m *Upstream) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.forms) == 0 {
		return nil
	}
	return m.forms[len(m.forms)-1]
}

// ResetCallCounts resets all call counters
func (m *Upstream) ResetCallCounts() {
	m.mu.Lock()
	m.callCounts = make(map[string]int)
	m.forms = nil
	m.mu.Unlock()
}
