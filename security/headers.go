package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the headers every OAuth response carries.
// HSTS is only sent when the server itself is served over https.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token and registration responses must never be cached (RFC 6749 5.1).
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetMetadataHeaders sets headers for public discovery documents, which
// may be cached briefly.
func SetMetadataHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Access-Control-Allow-Origin", "*")
}
