// Package upstream implements providers.Upstream for the workspace API's
// OAuth endpoints using golang.org/x/oauth2.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/providers"
)

const (
	// DefaultTimeout bounds every upstream HTTP call.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps relayed upstream bodies.
	maxResponseBytes = 1 << 20
)

// Provider talks to the upstream authorization server.
type Provider struct {
	config     *oauth2.Config
	deviceURL  string
	httpClient *http.Client
	logger     *slog.Logger

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

var _ providers.Upstream = (*Provider)(nil)

// Config holds upstream OAuth configuration
type Config struct {
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	TokenURL         string
	DeviceURL        string

	// CallbackURL is this server's own callback, registered with the upstream.
	CallbackURL string
	Scopes      []string

	// HTTPClient is optional. When nil a client with Timeout is created.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewProvider creates an upstream provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthorizationURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token URLs are required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("callback URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       cfg.AuthorizationURL,
				TokenURL:      cfg.TokenURL,
				DeviceAuthURL: cfg.DeviceURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		deviceURL:  cfg.DeviceURL,
		httpClient: httpClient,
		logger:     slog.Default(),
	}, nil
}

// SetLogger sets the logger
func (p *Provider) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetInstrumentation enables tracing and metrics for upstream calls.
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	p.tracer = inst.Tracer("provider")
	p.metrics = inst.Metrics()
}

// AuthorizationURL builds the upstream authorization URL. No PKCE
// parameters are sent: the upstream does not support them.
func (p *Provider) AuthorizationURL(state, scope string) string {
	var opts []oauth2.AuthCodeOption
	if scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens
func (p *Provider) ExchangeCode(ctx context.Context, code string) (token *oauth2.Token, err error) {
	ctx, finish := p.observe(ctx, "exchange")
	defer func() { finish(statusOf(err), err) }()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err = p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// RefreshToken refreshes an upstream token. When the upstream does not
// rotate refresh tokens the returned token keeps the old one.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (token *oauth2.Token, err error) {
	ctx, finish := p.observe(ctx, "refresh")
	defer func() { finish(statusOf(err), err) }()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err = src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}

// ForwardToken posts form to the upstream token endpoint with this
// server's client credentials substituted.
func (p *Provider) ForwardToken(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
	body := cloneForm(form)
	body.Set("client_id", p.config.ClientID)
	if p.config.ClientSecret != "" {
		body.Set("client_secret", p.config.ClientSecret)
	} else {
		body.Del("client_secret")
	}
	if body.Get("grant_type") == "authorization_code" {
		body.Set("redirect_uri", p.config.RedirectURL)
	}
	return p.forward(ctx, "token", p.config.Endpoint.TokenURL, body)
}

// DeviceAuthorization posts form to the upstream device authorization
// endpoint with this server's client id substituted.
func (p *Provider) DeviceAuthorization(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
	if p.deviceURL == "" {
		return nil, fmt.Errorf("device authorization endpoint not configured")
	}
	body := cloneForm(form)
	body.Set("client_id", p.config.ClientID)
	body.Del("client_secret")
	return p.forward(ctx, "device_authorization", p.deviceURL, body)
}

func (p *Provider) forward(ctx context.Context, operation, endpoint string, form url.Values) (resp *providers.ProxyResponse, err error) {
	ctx, finish := p.observe(ctx, operation)
	status := 0
	defer func() { finish(status, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s request failed: %w", operation, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	status = httpResp.StatusCode
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream %s response: %w", operation, err)
	}

	header := make(http.Header)
	if ct := httpResp.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	if status >= 400 {
		p.logger.Debug("Upstream returned error status",
			"operation", operation,
			"status", status)
	}

	return &providers.ProxyResponse{
		StatusCode: status,
		Header:     header,
		Body:       data,
	}, nil
}

// observe starts a span for an upstream call and returns a function that
// ends it and records metrics.
func (p *Provider) observe(ctx context.Context, operation string) (context.Context, func(status int, err error)) {
	start := time.Now()
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "upstream."+operation)
	}

	return ctx, func(status int, err error) {
		if p.metrics != nil {
			p.metrics.RecordProviderAPICall(ctx, operation, status, float64(time.Since(start).Milliseconds()), err)
		}
		if span == nil {
			return
		}
		instrumentation.AddProviderAttributes(span, operation, status)
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}
}

// statusOf extracts the upstream HTTP status from an oauth2 error.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

func cloneForm(form url.Values) url.Values {
	out := make(url.Values, len(form))
	for k, v := range form {
		out[k] = append([]string(nil), v...)
	}
	return out
}
