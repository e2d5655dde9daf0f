// Package testutil provides test helpers for the proxy: a controllable
// clock, PKCE verifier/challenge pairs and random strings.
package testutil
