package file

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// Token endpoint authentication methods and grant types accepted at registration.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"

	ResponseTypeCode = "code"
)

var (
	supportedAuthMethods = []string{AuthMethodNone, AuthMethodClientSecretBasic, AuthMethodClientSecretPost}
	supportedGrantTypes  = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeDeviceCode}
)

// ClientRegistry stores dynamically registered clients in oauth-clients.json.
type ClientRegistry struct {
	base

	mu      sync.Mutex
	clients map[string]*storage.RegisteredClient
	file    string
}

var _ storage.ClientStore = (*ClientRegistry)(nil)

// NewClientRegistry opens the registry in dir, loading any existing
// clients. A corrupt file is an error.
func NewClientRegistry(dir string, opts ...Option) (*ClientRegistry, error) {
	b, _, err := newBase(dir, "clients", opts)
	if err != nil {
		return nil, err
	}

	r := &ClientRegistry{
		base:    b,
		clients: make(map[string]*storage.RegisteredClient),
		file:    b.path(ClientsFile),
	}
	if _, err := readJSONFile(r.file, &r.clients); err != nil {
		return nil, err
	}
	// Tolerate null entries written by hand.
	for id, c := range r.clients {
		if c == nil {
			delete(r.clients, id)
		}
	}

	r.logger.Debug("Loaded client registry", "path", r.file, "clients", len(r.clients))
	return r, nil
}

// Register validates and stores a new client. The returned copy carries the
// plaintext secret, which is only ever available here.
func (r *ClientRegistry) Register(ctx context.Context, client *storage.RegisteredClient) (result *storage.RegisteredClient, err error) {
	ctx, span := r.startStorageSpan(ctx, "register")
	defer span.End()
	startTime := time.Now()
	defer func() {
		r.recordStorageOperation(ctx, span, "register", err, startTime)
	}()

	if client == nil {
		return nil, fmt.Errorf("%w: client metadata is required", storage.ErrInvalidClientMetadata)
	}

	registered := *client
	registered.RedirectURIs = slices.Clone(client.RedirectURIs)
	if err := normalizeClientMetadata(&registered); err != nil {
		return nil, err
	}

	registered.ClientID = uuid.NewString()
	registered.RegisteredAt = r.now()
	registered.ClientSecretHash = ""

	if registered.TokenEndpointAuthMethod == AuthMethodNone {
		registered.ClientSecret = ""
	} else {
		if registered.ClientSecret == "" {
			registered.ClientSecret = oauth2.GenerateVerifier()
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(registered.ClientSecret), bcrypt.DefaultCost)
		if hashErr != nil {
			return nil, fmt.Errorf("%w: client_secret: %v", storage.ErrInvalidClientMetadata, hashErr)
		}
		registered.ClientSecretHash = string(hash)
	}

	stored := registered
	stored.ClientSecret = ""

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[stored.ClientID] = &stored
	if err := r.persistLocked(); err != nil {
		delete(r.clients, stored.ClientID)
		return nil, err
	}

	r.logger.Info("Registered client",
		"client_id", registered.ClientID,
		"client_name", registered.ClientName,
		"token_endpoint_auth_method", registered.TokenEndpointAuthMethod)
	return &registered, nil
}

// normalizeClientMetadata validates redirect URIs and fills RFC 7591 defaults.
func normalizeClientMetadata(c *storage.RegisteredClient) error {
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect_uri is required", storage.ErrInvalidRedirectURI)
	}
	for _, uri := range c.RedirectURIs {
		if err := security.ValidateRegistrationRedirectURI(uri); err != nil {
			return fmt.Errorf("%w: %s: %v", storage.ErrInvalidRedirectURI, uri, err)
		}
	}

	if c.TokenEndpointAuthMethod == "" {
		c.TokenEndpointAuthMethod = AuthMethodClientSecretBasic
	}
	if !slices.Contains(supportedAuthMethods, c.TokenEndpointAuthMethod) {
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method %q",
			storage.ErrInvalidClientMetadata, c.TokenEndpointAuthMethod)
	}

	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range c.GrantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return fmt.Errorf("%w: unsupported grant_type %q", storage.ErrInvalidClientMetadata, gt)
		}
	}

	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range c.ResponseTypes {
		if rt != ResponseTypeCode {
			return fmt.Errorf("%w: unsupported response_type %q", storage.ErrInvalidClientMetadata, rt)
		}
	}
	return nil
}

// Get returns a copy of the client.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (client *storage.RegisteredClient, err error) {
	ctx, span := r.startStorageSpan(ctx, "get")
	defer span.End()
	startTime := time.Now()
	defer func() {
		// not found is an expected outcome, not a storage failure
		recErr := err
		if errors.Is(err, storage.ErrClientNotFound) {
			recErr = nil
		}
		r.recordStorageOperation(ctx, span, "get", recErr, startTime)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &cp, nil
}

// ValidateRedirectURI reports whether uri matches one of the client's
// registered redirect URIs.
func (r *ClientRegistry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	c, err := r.Get(ctx, clientID)
	if err != nil {
		return false
	}
	for _, registered := range c.RedirectURIs {
		if security.RedirectURIMatches(registered, uri) {
			return true
		}
	}
	return false
}

// ValidateCredentials checks a client secret. Public clients always pass.
// Unknown clients never do.
func (r *ClientRegistry) ValidateCredentials(ctx context.Context, clientID, secret string) bool {
	c, err := r.Get(ctx, clientID)
	if err != nil {
		return false
	}
	if c.IsPublic() {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)) == nil
}

// Delete removes a client.
func (r *ClientRegistry) Delete(ctx context.Context, clientID string) (err error) {
	ctx, span := r.startStorageSpan(ctx, "delete")
	defer span.End()
	startTime := time.Now()
	defer func() {
		r.recordStorageOperation(ctx, span, "delete", err, startTime)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(r.clients, clientID)
	if err := r.persistLocked(); err != nil {
		r.clients[clientID] = c
		return err
	}
	return nil
}

// Sweep removes clients registered more than maxAge ago. A non-positive
// maxAge keeps every client.
func (r *ClientRegistry) Sweep(ctx context.Context, maxAge time.Duration) (removed int, err error) {
	if maxAge <= 0 {
		return 0, nil
	}

	ctx, span := r.startStorageSpan(ctx, "sweep")
	defer span.End()
	startTime := time.Now()
	defer func() {
		r.recordStorageOperation(ctx, span, "sweep", err, startTime)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	for id, c := range r.clients {
		if c.RegisteredAt.Before(cutoff) {
			delete(r.clients, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := r.persistLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Count returns the number of registered clients.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *ClientRegistry) persistLocked() error {
	return writeJSONFile(r.file, r.clients)
}
