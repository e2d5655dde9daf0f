package server

import (
	"context"
	"errors"
	"net/url"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/internal/util"
	"github.com/giantswarm/mcp-oauth-proxy/providers"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// TokenRequest is a parsed token endpoint request. Client credentials come
// from HTTP Basic auth or the form body.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	RefreshToken string
	DeviceCode   string
	Scope        string
}

// Token dispatches a token request on its grant type. Upstream responses,
// including upstream errors, are returned as a ProxyResponse; a returned
// error is always an *OAuthError raised locally.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*providers.ProxyResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.ExchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.RefreshToken(ctx, req)
	case GrantTypeDeviceCode:
		return s.ExchangeDeviceCode(ctx, req)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type: " + req.GrantType)
	}
}

// ExchangeAuthorizationCode verifies a forwarded code against its PKCE
// binding and exchanges it upstream with this server's own credentials.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (resp *providers.ProxyResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.exchange_code")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()
	instrumentation.AddOAuthFlowAttributes(span, FlowDelegated, req.ClientID, "")

	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required")
	}

	// Consuming first makes the code single-use even when verification fails.
	binding, err := s.pending.ConsumeCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeBindingNotFound) {
			s.Auditor.LogAuthFailure(req.ClientID, "", "unknown_or_expired_code")
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		s.Logger.Error("Failed to consume code binding", "error", err)
		return nil, ErrTemporarilyUnavailable("failed to load authorization code")
	}

	if err := security.VerifyPKCE(req.CodeVerifier, binding.CodeChallenge, binding.CodeChallengeMethod); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			ClientID: binding.ClientID,
			Details: map[string]any{
				"code_prefix": util.SafeTruncate(req.Code, statePrefixLength),
			},
		})
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, binding.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant("code_verifier does not match code_challenge")
	}

	if req.ClientID != "" && req.ClientID != binding.ClientID {
		s.Auditor.LogAuthFailure(req.ClientID, "", "client_id_mismatch")
		return nil, ErrInvalidGrant("client_id does not match the authorization request")
	}
	if req.RedirectURI != "" && req.RedirectURI != binding.RedirectURI {
		s.Auditor.LogAuthFailure(binding.ClientID, "", "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if !s.clients.ValidateCredentials(ctx, binding.ClientID, req.ClientSecret) {
		s.Auditor.LogAuthFailure(binding.ClientID, "", "invalid_client_credentials")
		return nil, ErrInvalidClient("client authentication failed")
	}

	form := url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {req.Code},
	}
	resp, err = s.forwardToken(ctx, form)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, FlowDelegated, err == nil && resp.OK())
	}
	if err != nil {
		return nil, err
	}

	if resp.OK() {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventCodeExchanged,
			ClientID: binding.ClientID,
		})
	}
	return resp, nil
}

// RefreshToken proxies a refresh_token grant upstream.
func (s *Server) RefreshToken(ctx context.Context, req *TokenRequest) (*providers.ProxyResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	form := url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {req.RefreshToken},
	}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	return s.forwardToken(ctx, form)
}

// ExchangeDeviceCode proxies a device_code grant upstream.
func (s *Server) ExchangeDeviceCode(ctx context.Context, req *TokenRequest) (*providers.ProxyResponse, error) {
	if req.DeviceCode == "" {
		return nil, ErrInvalidRequest("device_code is required")
	}
	form := url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {req.DeviceCode},
	}
	return s.forwardToken(ctx, form)
}

// DeviceAuthorizationRequest is the body of an RFC 8628 device
// authorization request.
type DeviceAuthorizationRequest struct {
	ClientID       string
	Scope          string
	ClientConsumer string
}

// DeviceAuthorization forwards a device authorization request upstream
// with this server's client id. The response is passed through unmodified.
func (s *Server) DeviceAuthorization(ctx context.Context, req *DeviceAuthorizationRequest) (*providers.ProxyResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.device_authorization")
	defer span.End()

	form := url.Values{}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	if req.ClientConsumer != "" {
		form.Set("client_consumer", req.ClientConsumer)
	}

	resp, err := s.upstream.DeviceAuthorization(ctx, form)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.upstreamError("device authorization", err)
	}
	instrumentation.AddProviderAttributes(span, "device_authorization", resp.StatusCode)
	instrumentation.SetSpanSuccess(span)

	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, "device")
	}
	s.Logger.Debug("Device authorization forwarded",
		"client_id", req.ClientID,
		"status", resp.StatusCode)
	return resp, nil
}

func (s *Server) forwardToken(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
	resp, err := s.upstream.ForwardToken(ctx, form)
	if err != nil {
		return nil, s.upstreamError("token request", err)
	}
	if !resp.OK() {
		s.Logger.Info("Upstream token endpoint returned an error",
			"grant_type", form.Get("grant_type"),
			"status", resp.StatusCode)
	}
	return resp, nil
}
