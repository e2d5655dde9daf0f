// Package server implements the OAuth 2.1 authorization proxy logic.
//
// The proxy is an OAuth client of an upstream identity provider that does
// not support PKCE, and an authorization server for MCP clients that
// require PKCE, dynamic client registration and the device flow.
//
// Two flows start at StartAuthorization:
//   - BrowserFlow: the callback exchanges the upstream code with this
//     server's credentials and stores a session.
//   - DelegatedFlow: the callback forwards the upstream code to a
//     registered client, bound to the client's PKCE challenge. The client
//     redeems it at the token endpoint, where the verifier is checked
//     before the code is exchanged upstream.
//
// Token, refresh and device requests are proxied; upstream responses are
// returned verbatim. Locally detected problems are *OAuthError values.
//
// Example usage:
//
//	srv, err := server.New(upstream, clients, pending, sessions, &server.Config{
//	    Issuer: "https://proxy.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reaper := server.NewReaper(srv)
//	reaper.Start(ctx)
//	defer reaper.Stop()
package server
