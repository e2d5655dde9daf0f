package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/providers"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/server"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
	"github.com/giantswarm/mcp-oauth-proxy/storage/file"
)

const (
	tokenTypeBearer = "Bearer"

	// maxRequestBodySize bounds registration documents and token forms.
	maxRequestBodySize = 64 << 10

	retryAfterSeconds = "60"
)

// Handler is a thin HTTP adapter for the authorization proxy.
// It parses requests and delegates to the server package for the flows.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer

	// RegistrationRateLimiter limits client registrations per client IP.
	// Nil disables the limit.
	RegistrationRateLimiter *security.RateLimiter

	// DeviceRateLimiter limits device authorization requests per client IP.
	// Nil disables the limit.
	DeviceRateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
// The path-suffixed form is only answered for the configured resource path.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	cfg := h.server.Config
	if cfg.ResourceID == "" {
		http.NotFound(w, r)
		return
	}

	if suffix := chi.URLParam(r, "*"); suffix != "" {
		resource, err := url.Parse(cfg.ResourceID)
		if err != nil || strings.TrimSuffix(resource.Path, "/") != "/"+strings.Trim(suffix, "/") {
			http.NotFound(w, r)
			return
		}
	}

	security.SetMetadataHeaders(w)
	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               cfg.ResourceID,
		AuthorizationServers:   []string{cfg.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        cfg.SupportedScopes,
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	security.SetMetadataHeaders(w)
	h.writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	issuer := h.server.Config.Issuer
	return AuthorizationServerMetadata{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + AuthorizePath,
		TokenEndpoint:               issuer + TokenPath,
		RegistrationEndpoint:        issuer + RegisterPath,
		DeviceAuthorizationEndpoint: issuer + DeviceCodePath,
		ScopesSupported:             h.server.Config.SupportedScopes,
		ResponseTypesSupported:      []string{server.ResponseTypeCode},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeDeviceCode,
		},
		TokenEndpointAuthMethodsSupported: []string{
			file.AuthMethodClientSecretBasic,
			file.AuthMethodClientSecretPost,
			file.AuthMethodNone,
		},
		CodeChallengeMethodsSupported:              []string{security.PKCEMethodS256},
		AuthorizationResponseIssParameterSupported: true,
	}
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy)
	if h.checkRateLimit(w, r, h.RegistrationRateLimiter, clientIP, "register") {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	client, err := h.server.RegisterClient(r.Context(), &storage.RegisteredClient{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		h.logger.Warn("Client registration rejected", "ip", clientIP, "error", err)
		h.writeOAuthError(w, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.RegisteredAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	})
}

// ServeAuthorization starts an authorization flow. Requests naming a
// client_id are delegated flows; anything else is a browser login whose
// optional redirect parameter is followed after the callback.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var flow server.AuthorizationFlow
	if clientID := q.Get("client_id"); clientID != "" {
		flow = server.DelegatedFlow{
			ClientID:            clientID,
			RedirectURI:         q.Get("redirect_uri"),
			ResponseType:        q.Get("response_type"),
			Scope:               q.Get("scope"),
			State:               q.Get("state"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
			ClientConsumer:      q.Get("client_consumer"),
		}
	} else {
		flow = server.BrowserFlow{
			FinalRedirect: q.Get("redirect"),
			Scope:         q.Get("scope"),
		}
	}

	authURL, err := h.server.StartAuthorization(r.Context(), flow)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the upstream redirect back to this server.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.server.HandleCallback(r.Context(), server.CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		h.logger.Warn("Callback failed", "error", err)
		h.writeOAuthError(w, err)
		return
	}

	if result.Flow == server.FlowDelegated {
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
		return
	}

	h.setSessionCookie(w, result.Session.SessionID)
	if result.FinalRedirect != "" {
		http.Redirect(w, r, result.FinalRedirect, http.StatusFound)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, sessionResponse(result.Session, true))
}

// ServeDeviceAuthorization relays an RFC 8628 device authorization request.
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy)
	if h.checkRateLimit(w, r, h.DeviceRateLimiter, clientIP, "device_authorization") {
		return
	}

	if !h.parseForm(w, r) {
		return
	}

	resp, err := h.server.DeviceAuthorization(r.Context(), &server.DeviceAuthorizationRequest{
		ClientID:       r.PostForm.Get("client_id"),
		Scope:          r.PostForm.Get("scope"),
		ClientConsumer: r.PostForm.Get("client_consumer"),
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	h.writeProxyResponse(w, resp)
}

// ServeToken handles the OAuth token endpoint. Client credentials are read
// from HTTP Basic auth, falling back to the form body.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	form := r.PostForm
	clientID, clientSecret := form.Get("client_id"), form.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		var err error
		if clientID, clientSecret, err = decodeBasicCredentials(basicID, basicSecret); err != nil {
			h.writeOAuthError(w, ErrInvalidClient("malformed client credentials"))
			return
		}
	}

	resp, err := h.server.Token(r.Context(), &server.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		CodeVerifier: form.Get("code_verifier"),
		RedirectURI:  form.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: form.Get("refresh_token"),
		DeviceCode:   form.Get("device_code"),
		Scope:        form.Get("scope"),
	})
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Status == http.StatusUnauthorized {
			h.logger.Warn("Client authentication failed",
				"client_id", clientID,
				"ip", security.GetClientIP(r, h.server.Config.TrustProxy))
		}
		h.writeOAuthError(w, err)
		return
	}

	h.writeProxyResponse(w, resp)
}

// decodeBasicCredentials undoes the form-encoding RFC 6749 section 2.3.1
// applies to the client id and secret before they are base64-encoded.
func decodeBasicCredentials(id, secret string) (string, string, error) {
	clientID, err := url.QueryUnescape(id)
	if err != nil {
		return "", "", err
	}
	clientSecret, err := url.QueryUnescape(secret)
	if err != nil {
		return "", "", err
	}
	return clientID, clientSecret, nil
}

// ServeSession describes the session validated by ValidateSession.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "No session", http.StatusUnauthorized)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, sessionResponse(session, false))
}

// ServeLogout ends the caller's session and clears the session cookie.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionIDFromRequest(r)
	if sessionID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "No session to end", http.StatusBadRequest)
		return
	}

	if err := h.server.EndSession(r.Context(), sessionID); err != nil {
		h.writeOAuthError(w, err)
		return
	}

	h.clearSessionCookie(w)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusNoContent)
}

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// checkRateLimit reports whether the request was rejected by limiter.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, limiter *security.RateLimiter, clientIP, endpoint string) bool {
	if limiter == nil || limiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.recordRateLimitExceeded(r.Context(), clientIP, endpoint)
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, clientIP, endpoint string) {
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.server.Config.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.server.Config.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.server.Config.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.server.Config.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionResponse(session *storage.StoredSession, withID bool) SessionResponse {
	resp := SessionResponse{
		Active: true,
		Scope:  session.Scope,
		UserID: session.UserID,
	}
	if withID {
		resp.SessionID = session.SessionID
	}
	if !session.ExpiresAt.IsZero() {
		resp.ExpiresAt = session.ExpiresAt.Unix()
	}
	return resp
}

// writeProxyResponse relays an upstream response without modification.
func (h *Handler) writeProxyResponse(w http.ResponseWriter, resp *providers.ProxyResponse) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", resp.ContentType())
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeOAuthError writes err as an OAuth error body. Errors that are not
// OAuth errors become server_error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	oauthErr := server.AsOAuthError(err)
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds an RFC 6750 challenge pointing clients at
// the protected resource metadata (RFC 9728 section 5.1).
func (h *Handler) formatWWWAuthenticate(code, description string) string {
	params := []string{}
	if h.server.Config.ResourceID != "" {
		params = append(params, fmt.Sprintf(`resource_metadata="%s%s"`, h.server.Config.Issuer, ProtectedResourceMetadataPath))
	}
	if code != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, code))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, strings.ReplaceAll(description, `"`, `'`)))
	}
	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// startSpan starts an HTTP span, or returns a no-op span when tracing is off.
func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return h.tracer.Start(ctx, name)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	inst.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

func spanStatus(span trace.Span, status int) {
	if status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, http.StatusText(status))
		return
	}
	instrumentation.SetSpanSuccess(span)
}
