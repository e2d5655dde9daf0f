// Package file implements the storage interfaces on local JSON files.
//
// Each store keeps its records in memory behind a mutex and rewrites its
// whole file after every mutation, through a temp file and a rename. The
// directory is created with mode 0700 and files are written with mode 0600.
//
//	oauth-clients.json    registered clients (secrets stored as bcrypt hashes)
//	pending-auth.json     in-flight authorizations keyed by state
//	pending-codes.json    forwarded authorization codes with their PKCE challenge
//	oauth-sessions.json   sessions, when no encryption key is configured
//	oauth-sessions.enc    sessions sealed with AES-256-GCM
//
// State is local to one process. Running two proxies on the same directory
// is not supported.
package file
