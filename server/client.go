package server

import (
	"context"
	"errors"

	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// Client type constants used in metrics
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// RegisterClient registers a new OAuth client (RFC 7591). The store assigns
// the client id and, for confidential clients, a secret; the returned client
// carries the plaintext secret exactly once.
func (s *Server) RegisterClient(ctx context.Context, metadata *storage.RegisteredClient, clientIP string) (*storage.RegisteredClient, error) {
	ctx, span := s.startSpan(ctx, "oauth.register_client")
	defer span.End()

	client, err := s.clients.Register(ctx, metadata)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRedirectURI) || errors.Is(err, storage.ErrInvalidClientMetadata) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventClientRegistrationRejected,
				IPAddress: clientIP,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
			return nil, AsOAuthError(err)
		}
		s.Logger.Error("Failed to register client", "error", err)
		return nil, ErrTemporarilyUnavailable("failed to register client")
	}

	clientType := ClientTypeConfidential
	if client.IsPublic() {
		clientType = ClientTypePublic
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.TokenEndpointAuthMethod, clientIP, client.RedirectURIs)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, clientType)
	}

	return client, nil
}

// GetClient returns a registered client without its secret.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.RegisteredClient, error) {
	client, err := s.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client_id")
		}
		s.Logger.Error("Failed to load client", "client_id", clientID, "error", err)
		return nil, ErrTemporarilyUnavailable("failed to load client")
	}
	return client, nil
}
