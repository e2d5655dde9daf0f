package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the proxy.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	SessionRefreshed     metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizePending       metric.Int64ObservableGauge
	StorageSizeSessions      metric.Int64ObservableGauge

	// Upstream Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram

	// Reaper Metrics
	ReaperSwept metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

type gaugeSpec struct {
	dst         *metric.Int64ObservableGauge
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationStarted, serverMeter, "oauth.authorization.started", "Number of authorization flows started", "{flow}"},
		{&m.CallbackProcessed, serverMeter, "oauth.callback.processed", "Number of upstream callbacks processed", "{callback}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged upstream", "{exchange}"},
		{&m.SessionRefreshed, serverMeter, "oauth.session.refreshed", "Number of session refresh attempts", "{refresh}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.ProviderAPICallsTotal, providerMeter, "provider.api.calls.total", "Total number of upstream API calls", "{call}"},
		{&m.ProviderAPIErrors, providerMeter, "provider.api.errors.total", "Total number of upstream API errors", "{error}"},
		{&m.EncryptionOperationsTotal, securityMeter, "oauth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}"},
		{&m.ReaperSwept, serverMeter, "oauth.reaper.swept", "Number of records removed by the reaper", "{record}"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.ProviderAPIDuration, providerMeter, "provider.api.duration", "Upstream API call duration in milliseconds"},
		{&m.EncryptionDuration, securityMeter, "oauth.encryption.duration", "Encryption/decryption operation duration in milliseconds"},
	}
	for _, h := range histograms {
		var err error
		*h.dst, err = h.meter.Float64Histogram(h.name, metric.WithDescription(h.description), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	gauges := []gaugeSpec{
		{&m.StorageSizeClients, "storage.size.clients", "Number of registered clients"},
		{&m.StorageSizePending, "storage.size.pending", "Number of pending authorizations and code bindings"},
		{&m.StorageSizeSessions, "storage.size.sessions", "Number of stored sessions"},
	}
	for _, g := range gauges {
		var err error
		*g.dst, err = storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.description), metric.WithUnit("{item}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization flow start. flow is
// "browser" or "delegated".
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, flow string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))
}

// RecordCallbackProcessed records an upstream callback.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, flow string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records an authorization code exchanged upstream.
func (m *Metrics) RecordCodeExchange(ctx context.Context, flow string, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.Bool("success", success),
	))
}

// RecordSessionRefresh records a session refresh attempt.
func (m *Metrics) RecordSessionRefresh(ctx context.Context, success bool) {
	m.SessionRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, store, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records an upstream API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, operation string, statusCode int, durationMs float64, err error) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))

	if err == nil && statusCode < 400 {
		return
	}
	errorType := "transport"
	switch {
	case statusCode >= 500:
		errorType = "server_error"
	case statusCode >= 400:
		errorType = "client_error"
	}
	m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("error_type", errorType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordReaperSweep records records removed from one store by the reaper.
func (m *Metrics) RecordReaperSweep(ctx context.Context, store string, removed int) {
	if removed <= 0 {
		return
	}
	m.ReaperSwept.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("store", store)))
}
