// Package security holds the security primitives of the OAuth proxy.
//
// # Encryption at rest
//
// Encryptor seals the session file with AES-256-GCM. A sealed blob is the
// text "nonce:tag:ciphertext", each part standard base64, with a fresh nonce
// per write. Open fails on any modification and never returns partial data.
//
//	enc, err := security.NewEncryptorFromBase64(os.Getenv("OAUTH_ENCRYPTION_KEY"))
//	blob, err := enc.Seal(data)
//	data, err = enc.Open(blob)
//
// # PKCE
//
// Only the S256 method is accepted. ValidatePKCEChallenge checks an
// authorization request, VerifyPKCE checks a verifier at the token endpoint
// in constant time.
//
// # Redirect URIs
//
// ValidateRegistrationRedirectURI accepts https URIs and http URIs on
// localhost or 127.0.0.1. RedirectURIMatches compares exactly, except that a
// localhost registration matches any port on localhost with the same scheme
// and path.
//
// # Rate limiting and audit
//
// RateLimiter is a per-identifier token bucket with LRU eviction. Auditor
// writes security events through slog with hashed user ids.
package security
