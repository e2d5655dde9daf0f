package server

import (
	"context"
	"errors"

	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// GetSession returns the session for id, refreshed if it was about to
// expire. Unknown, expired or unrefreshable sessions yield invalid_token.
func (s *Server) GetSession(ctx context.Context, sessionID string) (*storage.StoredSession, error) {
	if sessionID == "" {
		return nil, ErrInvalidToken("session id is required")
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			s.Logger.Error("Failed to load session", "error", err)
			return nil, ErrTemporarilyUnavailable("failed to load session")
		}
		return nil, AsOAuthError(err)
	}
	return session, nil
}

// EndSession removes a session. Ending an unknown session succeeds.
func (s *Server) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidRequest("session id is required")
	}
	err := s.sessions.Remove(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		s.Logger.Error("Failed to remove session", "error", err)
		return ErrTemporarilyUnavailable("failed to end session")
	}
	if err == nil {
		s.Auditor.LogEvent(security.Event{Type: security.EventSessionEnded})
	}
	return nil
}
