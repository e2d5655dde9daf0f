package storage

import (
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Extra fields read from upstream token responses.
const (
	extraScope  = "scope"
	extraUserID = "user_id"
)

// SessionFromToken builds a session from an upstream token. The caller
// supplies the session id and the creation time.
func SessionFromToken(sessionID string, token *oauth2.Token, now time.Time) *StoredSession {
	if token == nil {
		return nil
	}
	s := &StoredSession{
		SessionID:    sessionID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		Scope:        extraString(token, extraScope),
		UserID:       extraString(token, extraUserID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return s
}

// ApplyToken replaces the tokens of s with a refreshed upstream token.
// Upstreams that do not rotate refresh tokens omit refresh_token, in which
// case the existing one is kept.
func (s *StoredSession) ApplyToken(token *oauth2.Token, now time.Time) {
	s.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		s.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		s.TokenType = token.TokenType
	}
	s.ExpiresAt = token.Expiry
	if scope := extraString(token, extraScope); scope != "" {
		s.Scope = scope
	}
	s.UpdatedAt = now
}

// Token converts the session back to an oauth2.Token.
func (s *StoredSession) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		Expiry:       s.ExpiresAt,
	}
}

// extraString reads a string-ish extra field. Some upstreams send numeric user ids.
func extraString(token *oauth2.Token, key string) string {
	switch v := token.Extra(key).(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
