package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's IP address for rate limiting and audit.
//
// Forwarding headers are only honoured when trustProxy is set, i.e. when the
// server runs behind a reverse proxy that overwrites them. With a single
// trusted proxy the client is the rightmost X-Forwarded-For entry.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[len(parts)-1]); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
