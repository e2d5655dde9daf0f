package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/providers"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// Server implements the authorization proxy logic.
// It coordinates the upstream provider and the three local stores.
type Server struct {
	upstream providers.Upstream
	clients  storage.ClientStore
	pending  storage.PendingStore
	sessions storage.SessionStore

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
}

// New creates a new proxy server
func New(
	upstream providers.Upstream,
	clients storage.ClientStore,
	pending storage.PendingStore,
	sessions storage.SessionStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream provider is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	return &Server{
		upstream: upstream,
		clients:  clients,
		pending:  pending,
		sessions: sessions,
		Config:   config,
		Logger:   logger,
		now:      time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if aud != nil && s.metrics != nil {
		metrics := s.metrics
		aud.SetEventHook(func(eventType string) {
			metrics.RecordAuditEvent(context.Background(), eventType)
		})
	}
}

// SetClock overrides the time source. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation and registers the
// store size gauges.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = nil
		s.metrics = nil
		return nil
	}
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()

	if s.Auditor != nil {
		s.SetAuditor(s.Auditor)
	}

	return inst.RegisterStorageSizeCallbacks(
		func() int64 { return int64(s.clients.Count()) },
		func() int64 { return int64(s.pending.Count()) },
		func() int64 { return int64(s.sessions.Count()) },
	)
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// startSpan starts a span when tracing is configured.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// No-op span; ending it must not end the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return s.tracer.Start(ctx, name)
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces 32 random bytes, base64url encoded,
// suitable for state values and session ids.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
