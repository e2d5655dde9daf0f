package oauth

import (
	"github.com/giantswarm/mcp-oauth-proxy/server"
)

// OAuth error codes, re-exported from the server package so HTTP callers
// need only this package.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError = server.OAuthError

// Constructors for the common OAuth errors.
var (
	NewOAuthError              = server.NewOAuthError
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidToken            = server.ErrInvalidToken
	ErrInvalidRedirectURI      = server.ErrInvalidRedirectURI
	ErrInvalidClientMetadata   = server.ErrInvalidClientMetadata
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrAccessDenied            = server.ErrAccessDenied
	ErrServerError             = server.ErrServerError
	ErrRateLimitExceeded       = server.ErrRateLimitExceeded
	ErrTemporarilyUnavailable  = server.ErrTemporarilyUnavailable
)
