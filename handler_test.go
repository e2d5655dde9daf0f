package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-oauth-proxy/internal/testutil"
	"github.com/giantswarm/mcp-oauth-proxy/providers"
	"github.com/giantswarm/mcp-oauth-proxy/providers/mock"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/server"
	"github.com/giantswarm/mcp-oauth-proxy/storage/file"
)

const (
	testIssuer      = "https://proxy.example.com"
	testRedirectURI = "http://localhost:8080/cb"
)

type testHandler struct {
	handler  *Handler
	routes   http.Handler
	upstream *mock.Upstream
	sessions *file.SessionStore
}

func setupTestHandler(t *testing.T) *testHandler {
	t.Helper()

	dir := t.TempDir()
	upstream := mock.NewUpstream()

	clients, err := file.NewClientRegistry(dir)
	if err != nil {
		t.Fatalf("NewClientRegistry() error = %v", err)
	}
	pending, err := file.NewPendingStore(dir)
	if err != nil {
		t.Fatalf("NewPendingStore() error = %v", err)
	}
	sessions, err := file.NewSessionStore(dir, file.WithRefresher(upstream), file.WithEncryptionKey(testutil.TestKey()))
	if err != nil {
		t.Fatalf("NewSessionStore() error = %v", err)
	}

	srv, err := server.New(upstream, clients, pending, sessions, &server.Config{
		Issuer:          testIssuer,
		ResourceID:      testIssuer + "/mcp",
		SupportedScopes: []string{"read", "write"},
	}, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	h := NewHandler(srv, nil)
	return &testHandler{
		handler:  h,
		routes:   h.Routes(),
		upstream: upstream,
		sessions: sessions,
	}
}

func (th *testHandler) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	th.routes.ServeHTTP(rec, req)
	return rec
}

func (th *testHandler) register(t *testing.T) ClientRegistrationResponse {
	t.Helper()
	body := `{"client_name":"Agent","redirect_uris":["` + testRedirectURI + `"]}`
	rec := th.do(httptest.NewRequest(http.MethodPost, RegisterPath, strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	return resp
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func locationQuery(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location %q: %v", rec.Header().Get("Location"), err)
	}
	return loc.Query()
}

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	th := setupTestHandler(t)

	rec := th.do(httptest.NewRequest(http.MethodGet, AuthorizationServerMetadataPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var meta AuthorizationServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Issuer != testIssuer {
		t.Errorf("Issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != testIssuer+TokenPath || meta.DeviceAuthorizationEndpoint != testIssuer+DeviceCodePath {
		t.Errorf("endpoints = %+v", meta)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("CodeChallengeMethodsSupported = %v", meta.CodeChallengeMethodsSupported)
	}
	if !meta.AuthorizationResponseIssParameterSupported {
		t.Error("iss parameter support should be advertised")
	}
}

func TestHandler_ServeProtectedResourceMetadata(t *testing.T) {
	th := setupTestHandler(t)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{ProtectedResourceMetadataPath, http.StatusOK},
		{ProtectedResourceMetadataPath + "/mcp", http.StatusOK},
		{ProtectedResourceMetadataPath + "/other", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := th.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var meta ProtectedResourceMetadata
			if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if meta.Resource != testIssuer+"/mcp" {
				t.Errorf("Resource = %q", meta.Resource)
			}
			if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != testIssuer {
				t.Errorf("AuthorizationServers = %v", meta.AuthorizationServers)
			}
		})
	}
}

func TestHandler_DelegatedFlow(t *testing.T) {
	th := setupTestHandler(t)
	client := th.register(t)
	if client.ClientSecret == "" || client.TokenEndpointAuthMethod != "client_secret_basic" {
		t.Fatalf("registration = %+v", client)
	}

	pkce := testutil.NewPKCEPair()
	authQuery := url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"state":                 {"client-state"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	rec := th.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+authQuery.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	upstreamQuery := locationQuery(t, rec)
	if upstreamQuery.Get("code_challenge") != "" {
		t.Error("code_challenge must not be sent upstream")
	}

	callback := url.Values{"state": {upstreamQuery.Get("state")}, "code": {"upstream-code"}}
	rec = th.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?"+callback.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Location"), testRedirectURI+"?") {
		t.Errorf("callback Location = %q", rec.Header().Get("Location"))
	}
	got := locationQuery(t, rec)
	if got.Get("code") != "upstream-code" || got.Get("state") != "client-state" || got.Get("iss") != testIssuer {
		t.Errorf("callback query = %v", got)
	}

	tokenRequest := func() *http.Request {
		req := postForm(TokenPath, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {"upstream-code"},
			"code_verifier": {pkce.Verifier},
			"redirect_uri":  {testRedirectURI},
		})
		req.SetBasicAuth(client.ClientID, client.ClientSecret)
		return req
	}
	rec = th.do(tokenRequest())
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "forwarded-access-token") {
		t.Errorf("token body = %s", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("token response must not be cacheable")
	}

	// Replaying the code fails locally.
	rec = th.do(tokenRequest())
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != ErrorCodeInvalidGrant {
		t.Errorf("replay = %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ServeAuthorization_Errors(t *testing.T) {
	th := setupTestHandler(t)
	client := th.register(t)
	challenge := testutil.NewPKCEPair().Challenge

	tests := []struct {
		name       string
		query      url.Values
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown client",
			query:      url.Values{"client_id": {"nope"}, "redirect_uri": {testRedirectURI}, "response_type": {"code"}, "code_challenge": {challenge}, "code_challenge_method": {"S256"}},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name:       "missing pkce",
			query:      url.Values{"client_id": {client.ClientID}, "redirect_uri": {testRedirectURI}, "response_type": {"code"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "implicit grant",
			query:      url.Values{"client_id": {client.ClientID}, "redirect_uri": {testRedirectURI}, "response_type": {"token"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedResponseType,
		},
		{
			name:       "offsite browser redirect",
			query:      url.Values{"redirect": {"https://evil.example.com/"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := th.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+tt.query.Encode(), nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := decodeError(t, rec).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_BrowserFlow(t *testing.T) {
	th := setupTestHandler(t)

	rec := th.do(httptest.NewRequest(http.MethodGet, AuthorizePath+"?redirect=%2Fdashboard", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	state := locationQuery(t, rec).Get("state")

	rec = th.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?state="+url.QueryEscape(state)+"&code=c", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("callback = %d Location %q", rec.Code, rec.Header().Get("Location"))
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %v", cookies)
	}
	cookie := cookies[0]
	if cookie.Name != "mcp_oauth_session" || !cookie.HttpOnly || !cookie.Secure {
		t.Errorf("cookie = %+v", cookie)
	}

	req := httptest.NewRequest(http.MethodGet, SessionPath, nil)
	req.AddCookie(cookie)
	rec = th.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var session SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if !session.Active || session.ExpiresAt == 0 {
		t.Errorf("session = %+v", session)
	}
	if strings.Contains(rec.Body.String(), "mock-access-token") {
		t.Error("session endpoint must not expose upstream tokens")
	}

	req = httptest.NewRequest(http.MethodPost, LogoutPath, nil)
	req.AddCookie(cookie)
	rec = th.do(req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	if th.sessions.Count() != 0 {
		t.Errorf("sessions after logout = %d", th.sessions.Count())
	}

	req = httptest.NewRequest(http.MethodGet, SessionPath, nil)
	req.AddCookie(cookie)
	rec = th.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("session after logout = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), `resource_metadata="`+testIssuer+ProtectedResourceMetadataPath+`"`) {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestHandler_BrowserFlow_JSONSession(t *testing.T) {
	th := setupTestHandler(t)

	rec := th.do(httptest.NewRequest(http.MethodGet, AuthorizePath, nil))
	state := locationQuery(t, rec).Get("state")

	rec = th.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?state="+url.QueryEscape(state)+"&code=c", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var session SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.SessionID == "" {
		t.Fatal("callback did not return a session id")
	}

	req := httptest.NewRequest(http.MethodGet, SessionPath, nil)
	req.Header.Set("Authorization", "Bearer "+session.SessionID)
	if rec := th.do(req); rec.Code != http.StatusOK {
		t.Errorf("bearer session lookup = %d", rec.Code)
	}

	// A replayed callback state is rejected.
	rec = th.do(httptest.NewRequest(http.MethodGet, CallbackPath+"?state="+url.QueryEscape(state)+"&code=c", nil))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != ErrorCodeInvalidRequest {
		t.Errorf("replayed callback = %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	th := setupTestHandler(t)

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{"missing grant type", url.Values{}, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unsupported grant type", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, ErrorCodeUnsupportedGrantType},
		{"missing verifier", url.Values{"grant_type": {"authorization_code"}, "code": {"c"}}, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"missing refresh token", url.Values{"grant_type": {"refresh_token"}}, http.StatusBadRequest, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := th.do(postForm(TokenPath, tt.form))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}

	if th.upstream.CallCount("ForwardToken") != 0 {
		t.Error("invalid requests reached the upstream")
	}
}

func TestDecodeBasicCredentials(t *testing.T) {
	tests := []struct {
		name       string
		id, secret string
		wantID     string
		wantSecret string
		wantErr    bool
	}{
		{"plain", "client-1", "s3cret", "client-1", "s3cret", false},
		{"percent encoded", "my%3Aclient", "p%40ss%2Fword", "my:client", "p@ss/word", false},
		{"plus is space", "a+b", "c+d", "a b", "c d", false},
		{"bad id escape", "%zz", "s", "", "", true},
		{"bad secret escape", "id", "100%", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, secret, err := decodeBasicCredentials(tt.id, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeBasicCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if id != tt.wantID || secret != tt.wantSecret {
				t.Errorf("decodeBasicCredentials() = %q, %q, want %q, %q", id, secret, tt.wantID, tt.wantSecret)
			}
		})
	}
}

func TestHandler_ServeToken_MalformedBasicAuth(t *testing.T) {
	th := setupTestHandler(t)

	req := postForm(TokenPath, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"c"},
		"code_verifier": {"v"},
	})
	req.SetBasicAuth("%zz", "secret")
	rec := th.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := decodeError(t, rec).Error; got != ErrorCodeInvalidClient {
		t.Errorf("error = %q, want %q", got, ErrorCodeInvalidClient)
	}
}

func TestHandler_ServeToken_UpstreamPassThrough(t *testing.T) {
	th := setupTestHandler(t)
	th.upstream.ForwardTokenFunc = func(ctx context.Context, form url.Values) (*providers.ProxyResponse, error) {
		return mock.JSONResponse(http.StatusUnauthorized, `{"error":"invalid_grant"}`), nil
	}

	rec := th.do(postForm(TokenPath, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"rt"}}))
	if rec.Code != http.StatusUnauthorized || rec.Body.String() != `{"error":"invalid_grant"}` {
		t.Errorf("response = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandler_ServeDeviceAuthorization(t *testing.T) {
	th := setupTestHandler(t)

	rec := th.do(postForm(DeviceCodePath, url.Values{"client_id": {"cli"}, "scope": {"read"}}))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ABCD-1234") {
		t.Fatalf("response = %d %s", rec.Code, rec.Body.String())
	}
	if th.upstream.LastForm().Get("scope") != "read" {
		t.Errorf("forwarded form = %v", th.upstream.LastForm())
	}
}

func TestHandler_ServeClientRegistration_Errors(t *testing.T) {
	th := setupTestHandler(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{`, ErrorCodeInvalidRequest},
		{"no redirect uris", `{"client_name":"x"}`, ErrorCodeInvalidRedirectURI},
		{"plain http", `{"redirect_uris":["http://agent.example.com/cb"]}`, ErrorCodeInvalidRedirectURI},
		{"unsupported auth method", `{"redirect_uris":["https://a.example.com/cb"],"token_endpoint_auth_method":"private_key_jwt"}`, ErrorCodeInvalidClientMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := th.do(httptest.NewRequest(http.MethodPost, RegisterPath, strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_RegistrationRateLimit(t *testing.T) {
	th := setupTestHandler(t)
	limiter := security.NewRateLimiter(0.001, 1, nil)
	t.Cleanup(limiter.Stop)
	th.handler.RegistrationRateLimiter = limiter

	th.register(t)

	body := `{"redirect_uris":["` + testRedirectURI + `"]}`
	rec := th.do(httptest.NewRequest(http.MethodPost, RegisterPath, strings.NewReader(body)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if decodeError(t, rec).Error != ErrorCodeRateLimitExceeded {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_ValidateSession(t *testing.T) {
	th := setupTestHandler(t)

	var reached bool
	protected := th.handler.ValidateSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := SessionFromContext(r.Context())
		reached = ok && session.AccessToken != ""
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"unknown session", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header missing")
			}
		})
	}
	if reached {
		t.Fatal("protected handler reached without a session")
	}
}

func TestHandler_RoutesMethodAndHealth(t *testing.T) {
	th := setupTestHandler(t)

	if rec := th.do(httptest.NewRequest(http.MethodPost, AuthorizePath, nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST authorize = %d, want 405", rec.Code)
	}
	if rec := th.do(httptest.NewRequest(http.MethodGet, TokenPath, nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET token = %d, want 405", rec.Code)
	}
	rec := th.do(httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_writeError(t *testing.T) {
	th := setupTestHandler(t)

	rec := httptest.NewRecorder()
	th.handler.writeError(rec, ErrorCodeInvalidToken, `bad "token"`, http.StatusUnauthorized)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	want := `Bearer resource_metadata="https://proxy.example.com/.well-known/oauth-protected-resource", error="invalid_token", error_description="bad 'token'"`
	if got := rec.Header().Get("WWW-Authenticate"); got != want {
		t.Errorf("WWW-Authenticate = %q, want %q", got, want)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidToken || resp.ErrorDescription != `bad "token"` {
		t.Errorf("body = %+v", resp)
	}
}
