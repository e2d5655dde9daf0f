package oauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

type sessionContextKey struct{}

// ValidateSession is middleware that requires a live browser session. The
// session id is taken from a Bearer Authorization header or, failing that,
// the session cookie. Sessions close to expiry are refreshed on the way.
func (h *Handler) ValidateSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := h.sessionIDFromRequest(r)
		if sessionID == "" {
			h.writeError(w, ErrorCodeInvalidToken, "Missing session", http.StatusUnauthorized)
			return
		}

		session, err := h.server.GetSession(r.Context(), sessionID)
		if err != nil {
			h.writeOAuthError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
	})
}

// sessionIDFromRequest returns the Bearer token or the session cookie value.
func (h *Handler) sessionIDFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], tokenTypeBearer) {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	if cookie, err := r.Cookie(h.server.Config.SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SessionFromContext returns the session stored by ValidateSession.
func SessionFromContext(ctx context.Context) (*storage.StoredSession, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(*storage.StoredSession)
	return session, ok && session != nil
}

// ContextWithSession returns a copy of ctx carrying session.
func ContextWithSession(ctx context.Context, session *storage.StoredSession) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}
