package oauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
)

// Endpoint paths served by Routes.
const (
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	RegisterPath                    = "/oauth/register"
	AuthorizePath                   = "/oauth/authorize"
	CallbackPath                    = "/oauth/callback"
	DeviceCodePath                  = "/oauth/device/code"
	TokenPath                       = "/oauth/token"
	SessionPath                     = "/oauth/session"
	LogoutPath                      = "/oauth/logout"
	HealthPath                      = "/healthz"
)

// Routes returns a router serving every proxy endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h.MountRoutes(r)
	return r
}

// MountRoutes registers the proxy endpoints on an existing router, for
// servers that serve the protected resource from the same mux.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get(HealthPath, h.ServeHealth)

	r.Get(ProtectedResourceMetadataPath, h.instrument("protected_resource_metadata", h.ServeProtectedResourceMetadata))
	r.Get(ProtectedResourceMetadataPath+"/*", h.instrument("protected_resource_metadata", h.ServeProtectedResourceMetadata))
	r.Get(AuthorizationServerMetadataPath, h.instrument("authorization_server_metadata", h.ServeAuthorizationServerMetadata))

	r.Post(RegisterPath, h.instrument("register", h.ServeClientRegistration))
	r.Get(AuthorizePath, h.instrument("authorization", h.ServeAuthorization))
	r.Get(CallbackPath, h.instrument("callback", h.ServeCallback))
	r.Post(DeviceCodePath, h.instrument("device_authorization", h.ServeDeviceAuthorization))
	r.Post(TokenPath, h.instrument("token", h.ServeToken))

	r.Get(SessionPath, h.instrument("session", h.ValidateSession(http.HandlerFunc(h.ServeSession)).ServeHTTP))
	r.Post(LogoutPath, h.instrument("logout", h.ServeLogout))
}

// instrument wraps an endpoint with a span and HTTP request metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx, span := h.startSpan(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		spanStatus(span, status)
		h.recordHTTPMetrics(ctx, endpoint, r.Method, status, startTime)

		h.logger.Debug("Handled request",
			"endpoint", endpoint,
			"status", status,
			"request_id", middleware.GetReqID(ctx),
			"duration", time.Since(startTime))
	}
}
