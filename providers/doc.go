// Package providers defines the upstream identity provider interface used by
// the OAuth proxy.
//
// Implementations are provided in subpackages:
//   - providers/upstream: golang.org/x/oauth2 based client for the workspace API's OAuth endpoints
//   - providers/mock: configurable test double
//
// The proxy uses the upstream in two ways. For browser logins it is an
// ordinary OAuth client: AuthorizationURL, ExchangeCode and RefreshToken
// return parsed oauth2 tokens. For delegated clients it is a pass-through:
// ForwardToken and DeviceAuthorization return the upstream's response
// as a ProxyResponse so status, content type and body reach the caller
// unmodified.
package providers
