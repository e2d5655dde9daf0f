package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/internal/util"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// Flow names used in metrics, spans and audit details.
const (
	FlowBrowser   = "browser"
	FlowDelegated = "delegated"

	// ResponseTypeCode is the only response_type accepted.
	ResponseTypeCode = "code"

	statePrefixLength = 8
)

// AuthorizationFlow is the kind of authorization being started. It is
// implemented only by BrowserFlow and DelegatedFlow.
type AuthorizationFlow interface {
	flowName() string
}

// BrowserFlow logs a user into this server itself. The callback exchanges
// the code and creates a session.
type BrowserFlow struct {
	// RedirectURI is recorded on the pending authorization. Defaults to
	// the callback URL.
	RedirectURI string

	// FinalRedirect is where the browser is sent after login. It must be
	// on this server's origin. Empty means the session is returned as JSON.
	FinalRedirect string

	// Scope overrides the configured upstream scopes.
	Scope string
}

func (BrowserFlow) flowName() string { return FlowBrowser }

// DelegatedFlow is an authorization request from a registered client. The
// callback forwards the upstream code to the client, which exchanges it at
// the token endpoint with its PKCE verifier.
type DelegatedFlow struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientConsumer      string
}

func (DelegatedFlow) flowName() string { return FlowDelegated }

// StartAuthorization validates flow, persists a pending authorization and
// returns the upstream URL the user agent must be redirected to.
func (s *Server) StartAuthorization(ctx context.Context, flow AuthorizationFlow) (authURL string, err error) {
	ctx, span := s.startSpan(ctx, "oauth.start_authorization")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	var pending *storage.PendingAuthorization
	var scope string

	switch f := flow.(type) {
	case BrowserFlow:
		pending, err = s.browserPending(f)
		scope = f.Scope
	case *BrowserFlow:
		pending, err = s.browserPending(*f)
		scope = f.Scope
	case DelegatedFlow:
		pending, err = s.delegatedPending(ctx, f)
		scope = f.Scope
	case *DelegatedFlow:
		pending, err = s.delegatedPending(ctx, *f)
		scope = f.Scope
	default:
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported authorization flow %T", flow))
	}
	if err != nil {
		return "", err
	}

	instrumentation.AddOAuthFlowAttributes(span, flow.flowName(), pending.ClientID, scope)

	pending.State = generateRandomToken()
	pending.CreatedAt = s.now()
	if err := s.pending.Store(ctx, pending); err != nil {
		s.Logger.Error("Failed to save pending authorization", "error", err)
		return "", ErrTemporarilyUnavailable("failed to save authorization state")
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationFlowStarted,
		ClientID: pending.ClientID,
		Details: map[string]any{
			"flow":                  flow.flowName(),
			"redirect_uri":          pending.RedirectURI,
			"scope":                 scope,
			"code_challenge_method": pending.CodeChallengeMethod,
		},
	})
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, flow.flowName())
	}

	s.Logger.Debug("Authorization flow started",
		"flow", flow.flowName(),
		"client_id", pending.ClientID,
		"state_prefix", util.SafeTruncate(pending.State, statePrefixLength))

	// The upstream does not support PKCE: the challenge stays local.
	return s.upstream.AuthorizationURL(pending.State, scope), nil
}

func (s *Server) browserPending(f BrowserFlow) (*storage.PendingAuthorization, error) {
	if f.FinalRedirect != "" && !security.IsSameOriginOrPath(s.Config.Issuer, f.FinalRedirect) {
		return nil, ErrInvalidRequest("redirect target must be on this server")
	}
	redirectURI := f.RedirectURI
	if redirectURI == "" {
		redirectURI = s.Config.CallbackURL
	}
	return &storage.PendingAuthorization{
		RedirectURI:   redirectURI,
		Scope:         f.Scope,
		FinalRedirect: f.FinalRedirect,
	}, nil
}

func (s *Server) delegatedPending(ctx context.Context, f DelegatedFlow) (*storage.PendingAuthorization, error) {
	if f.ResponseType != ResponseTypeCode {
		s.Auditor.LogAuthFailure(f.ClientID, "", "unsupported_response_type")
		return nil, ErrUnsupportedResponseType("response_type must be code")
	}
	if f.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if f.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	if err := security.ValidatePKCEChallenge(f.CodeChallenge, f.CodeChallengeMethod); err != nil {
		s.Auditor.LogAuthFailure(f.ClientID, "", "invalid_pkce_parameters")
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, f.CodeChallengeMethod)
		}
		return nil, ErrInvalidRequest(err.Error())
	}

	if _, err := s.GetClient(ctx, f.ClientID); err != nil {
		s.Auditor.LogAuthFailure(f.ClientID, "", ErrorCodeInvalidClient)
		return nil, err
	}

	if !s.clients.ValidateRedirectURI(ctx, f.ClientID, f.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: f.ClientID,
			Details: map[string]any{
				"redirect_uri": f.RedirectURI,
			},
		})
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	return &storage.PendingAuthorization{
		RedirectURI:         f.RedirectURI,
		ClientID:            f.ClientID,
		CodeChallenge:       f.CodeChallenge,
		CodeChallengeMethod: f.CodeChallengeMethod,
		Scope:               f.Scope,
		ClientState:         f.State,
		ClientConsumer:      f.ClientConsumer,
	}, nil
}

// CallbackParams are the query parameters of the upstream callback.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackResult tells the HTTP layer how to finish the callback.
type CallbackResult struct {
	Flow string

	// RedirectURL is set for delegated flows: the caller's redirect URI
	// carrying code (or error), state and iss.
	RedirectURL string

	// Session and FinalRedirect are set for browser flows.
	Session       *storage.StoredSession
	FinalRedirect string
}

// HandleCallback consumes the pending authorization named by the upstream
// state and completes the flow it belongs to.
func (s *Server) HandleCallback(ctx context.Context, params CallbackParams) (result *CallbackResult, err error) {
	ctx, span := s.startSpan(ctx, "oauth.callback")
	defer span.End()
	flow := ""
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		if s.metrics != nil && flow != "" {
			s.metrics.RecordCallbackProcessed(ctx, flow, err == nil)
		}
	}()

	if params.State == "" {
		return nil, ErrInvalidRequest("state parameter is required")
	}

	pending, err := s.pending.Consume(ctx, params.State)
	if err != nil {
		if errors.Is(err, storage.ErrPendingNotFound) {
			s.Auditor.LogEvent(security.Event{
				Type: security.EventPendingStateRejected,
				Details: map[string]any{
					"state_prefix": util.SafeTruncate(params.State, statePrefixLength),
				},
			})
			return nil, ErrInvalidRequest("unknown or expired state")
		}
		s.Logger.Error("Failed to consume pending authorization", "error", err)
		return nil, ErrTemporarilyUnavailable("failed to load authorization state")
	}

	if pending.IsDelegated() {
		flow = FlowDelegated
		return s.completeDelegated(ctx, pending, params)
	}
	flow = FlowBrowser
	return s.completeBrowser(ctx, pending, params)
}

func (s *Server) completeDelegated(ctx context.Context, pending *storage.PendingAuthorization, params CallbackParams) (*CallbackResult, error) {
	q := url.Values{}

	switch {
	case params.Error != "":
		q.Set("error", params.Error)
		if params.ErrorDescription != "" {
			q.Set("error_description", params.ErrorDescription)
		}
		s.Logger.Info("Relaying upstream authorization error",
			"client_id", pending.ClientID,
			"error", params.Error)
	case params.Code == "":
		q.Set("error", ErrorCodeServerError)
		q.Set("error_description", "upstream callback carried no authorization code")
	default:
		binding := &storage.CodeBinding{
			Code:                params.Code,
			ClientID:            pending.ClientID,
			RedirectURI:         pending.RedirectURI,
			CodeChallenge:       pending.CodeChallenge,
			CodeChallengeMethod: pending.CodeChallengeMethod,
			CreatedAt:           s.now(),
		}
		if err := s.pending.BindCode(ctx, binding); err != nil {
			s.Logger.Error("Failed to bind authorization code", "client_id", pending.ClientID, "error", err)
			return nil, ErrTemporarilyUnavailable("failed to record authorization code")
		}
		q.Set("code", params.Code)

		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeForwarded,
			ClientID: pending.ClientID,
			Details: map[string]any{
				"client_consumer": pending.ClientConsumer,
			},
		})
	}

	if pending.ClientState != "" {
		q.Set("state", pending.ClientState)
	}
	q.Set("iss", s.Config.Issuer)

	redirectURL, err := appendQuery(pending.RedirectURI, q)
	if err != nil {
		s.Logger.Error("Stored redirect_uri is unparseable", "client_id", pending.ClientID, "error", err)
		return nil, ErrServerError("invalid stored redirect_uri")
	}

	return &CallbackResult{Flow: FlowDelegated, RedirectURL: redirectURL}, nil
}

func (s *Server) completeBrowser(ctx context.Context, pending *storage.PendingAuthorization, params CallbackParams) (*CallbackResult, error) {
	if params.Error != "" {
		desc := params.ErrorDescription
		if desc == "" {
			desc = "authorization was not granted"
		}
		return nil, ErrAccessDenied(fmt.Sprintf("%s: %s", params.Error, desc))
	}
	if params.Code == "" {
		return nil, ErrInvalidRequest("code parameter is required")
	}

	token, err := s.upstream.ExchangeCode(ctx, params.Code)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, FlowBrowser, err == nil)
	}
	if err != nil {
		return nil, s.upstreamError("code exchange", err)
	}

	session := storage.SessionFromToken(generateRandomToken(), token, s.now())
	if session.Scope == "" {
		session.Scope = pending.Scope
	}
	if err := s.sessions.Store(ctx, session); err != nil {
		s.Logger.Error("Failed to store session", "error", err)
		return nil, ErrTemporarilyUnavailable("failed to store session")
	}

	s.Auditor.LogSessionIssued(session.UserID, session.Scope)

	return &CallbackResult{
		Flow:          FlowBrowser,
		Session:       session,
		FinalRedirect: pending.FinalRedirect,
	}, nil
}

// upstreamError maps an upstream client error. A RetrieveError means the
// upstream answered and rejected the grant; anything else means it could
// not be reached.
func (s *Server) upstreamError(operation string, err error) *OAuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		s.Logger.Info("Upstream rejected request",
			"operation", operation,
			"status", status,
			"error_code", retrieveErr.ErrorCode)
		desc := retrieveErr.ErrorDescription
		if desc == "" {
			desc = "upstream rejected the " + operation
		}
		return ErrInvalidGrant(desc)
	}
	s.Logger.Error("Upstream request failed", "operation", operation, "error", err)
	return ErrUpstreamUnavailable("upstream " + operation + " failed")
}

func appendQuery(base string, extra url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range extra {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
