// Package instrumentation provides OpenTelemetry tracing and metrics for the
// OAuth proxy.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:      true,
//		ServiceName:  "mcp-oauth-proxy",
//		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
// Spans are exported over OTLP/HTTP when OTLPEndpoint is set. Meters are
// no-op unless a MeterProvider is injected.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth Flows:
//   - oauth.authorization.started{flow}
//   - oauth.callback.processed{flow, success}
//   - oauth.code.exchanged{flow, success}
//   - oauth.session.refreshed{success}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.audit.events.total{event_type}
//   - oauth.encryption.operations.total{operation}
//
// Storage:
//   - storage.operation.total{store, operation, result}
//   - storage.size.clients, storage.size.pending, storage.size.sessions
//
// Upstream:
//   - provider.api.calls.total{operation, status}
//   - provider.api.errors.total{operation, error_type}
//
// Reaper:
//   - oauth.reaper.swept{store}
//
// Span attributes never carry tokens, codes or secrets.
package instrumentation
