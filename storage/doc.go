// Package storage defines the records and store interfaces of the OAuth proxy.
//
// Three stores make up the persistent state:
//   - ClientStore: dynamically registered clients (RFC 7591)
//   - PendingStore: in-flight authorization requests keyed by state, plus the
//     PKCE bindings of codes forwarded to delegated clients
//   - SessionStore: upstream tokens keyed by an internal session id
//
// All records are owned by their store. Pending records and code bindings are
// single-use and expire after PendingAuthorizationTTL. Sessions are refreshed
// on read when they are within SessionRefreshBuffer of expiry.
//
// The JSON-file implementation lives in storage/file.
package storage
