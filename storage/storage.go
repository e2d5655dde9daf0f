package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

const (
	// PendingAuthorizationTTL is how long an in-flight authorization request
	// (and a forwarded code binding) stays usable.
	PendingAuthorizationTTL = 5 * time.Minute

	// SessionRefreshBuffer is how close to expiry a session must be before
	// Get attempts a refresh.
	SessionRefreshBuffer = 60 * time.Second
)

// Sentinel errors returned by store implementations. Callers test them with errors.Is.
var (
	ErrClientNotFound        = errors.New("client not found")
	ErrPendingNotFound       = errors.New("pending authorization not found or expired")
	ErrCodeBindingNotFound   = errors.New("authorization code binding not found or expired")
	ErrSessionNotFound       = errors.New("session not found")
	ErrInvalidRedirectURI    = errors.New("invalid redirect uri")
	ErrInvalidClientMetadata = errors.New("invalid client metadata")
)

// ClientStore persists dynamically registered OAuth clients.
type ClientStore interface {
	// Register assigns a client id (and a secret for confidential clients),
	// validates redirect URIs and persists the client. The returned copy
	// carries the plaintext secret; it is never readable again afterwards.
	Register(ctx context.Context, client *RegisteredClient) (*RegisteredClient, error)

	// Get returns ErrClientNotFound for unknown ids.
	Get(ctx context.Context, clientID string) (*RegisteredClient, error)

	// ValidateRedirectURI reports whether uri is acceptable for the client.
	ValidateRedirectURI(ctx context.Context, clientID, uri string) bool

	// ValidateCredentials reports whether secret authenticates the client.
	// Public clients are always accepted.
	ValidateCredentials(ctx context.Context, clientID, secret string) bool

	// Delete removes a client registration.
	Delete(ctx context.Context, clientID string) error

	// Sweep removes clients registered more than maxAge ago.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)

	// Count returns the number of registered clients.
	Count() int
}

// PendingStore persists in-flight authorization requests and the
// code bindings created when a code is forwarded to a delegated client.
type PendingStore interface {
	// Store upserts a record keyed by its state.
	Store(ctx context.Context, pending *PendingAuthorization) error

	// Consume removes and returns the record for state. Expired records are
	// removed as well and reported as ErrPendingNotFound.
	Consume(ctx context.Context, state string) (*PendingAuthorization, error)

	// BindCode records the PKCE challenge for an authorization code.
	BindCode(ctx context.Context, binding *CodeBinding) error

	// ConsumeCode removes and returns the binding for code.
	ConsumeCode(ctx context.Context, code string) (*CodeBinding, error)

	// Sweep removes every record older than PendingAuthorizationTTL.
	Sweep(ctx context.Context) (int, error)

	// Count returns the number of pending records.
	Count() int
}

// SessionStore persists upstream tokens keyed by session id.
type SessionStore interface {
	Store(ctx context.Context, session *StoredSession) error

	// Get returns the session, refreshing it first when it is about to expire.
	Get(ctx context.Context, sessionID string) (*StoredSession, error)

	Update(ctx context.Context, session *StoredSession) error
	Remove(ctx context.Context, sessionID string) error

	// Sweep removes sessions that are expired and cannot be refreshed.
	Sweep(ctx context.Context) (int, error)

	Count() int
}

// TokenRefresher exchanges a refresh token for a new upstream token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RegisteredClient is a client created through dynamic client registration.
type RegisteredClient struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"-"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	RegisteredAt            time.Time `json:"registered_at"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *RegisteredClient) IsPublic() bool {
	return c.ClientSecretHash == ""
}

// PendingAuthorization is an authorization request waiting for the upstream callback.
type PendingAuthorization struct {
	State               string    `json:"state"`
	RedirectURI         string    `json:"redirect_uri"`
	ClientID            string    `json:"client_id,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	ClientState         string    `json:"client_state,omitempty"`
	ClientConsumer      string    `json:"client_consumer,omitempty"`
	FinalRedirect       string    `json:"final_redirect,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// IsDelegated reports whether the record belongs to a registered client
// that exchanges the code itself.
func (p *PendingAuthorization) IsDelegated() bool {
	return p.ClientID != ""
}

// ExpiredAt reports whether the record is past its TTL at now.
func (p *PendingAuthorization) ExpiredAt(now time.Time) bool {
	return !now.Before(p.CreatedAt.Add(PendingAuthorizationTTL))
}

// CodeBinding ties an upstream authorization code to the PKCE challenge
// presented when the flow started.
type CodeBinding struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt           time.Time `json:"created_at"`
}

// ExpiredAt reports whether the binding is past its TTL at now.
func (b *CodeBinding) ExpiredAt(now time.Time) bool {
	return !now.Before(b.CreatedAt.Add(PendingAuthorizationTTL))
}

// StoredSession holds upstream tokens for a browser session.
type StoredSession struct {
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// ExpiredAt reports whether the access token is past its expiry at now.
// A zero expiry never expires.
func (s *StoredSession) ExpiredAt(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// NeedsRefreshAt reports whether the access token expires within
// SessionRefreshBuffer of now.
func (s *StoredSession) NeedsRefreshAt(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(SessionRefreshBuffer).Before(s.ExpiresAt)
}

// Renewable reports whether the session carries a refresh token.
func (s *StoredSession) Renewable() bool {
	return s.RefreshToken != ""
}
