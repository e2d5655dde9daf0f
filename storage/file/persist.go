package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

// File names inside the storage directory.
const (
	ClientsFile           = "oauth-clients.json"
	PendingFile           = "pending-auth.json"
	CodesFile             = "pending-codes.json"
	SessionsFile          = "oauth-sessions.json"
	EncryptedSessionsFile = "oauth-sessions.enc"

	dirMode  os.FileMode = 0o700
	fileMode os.FileMode = 0o600
)

// Option configures a file store.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	now           func() time.Time
	encryptionKey []byte
	refresher     storage.TokenRefresher
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now, for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEncryptionKey enables AES-256-GCM encryption of the session file.
// Only the session store uses it. The key must be 32 bytes.
func WithEncryptionKey(key []byte) Option {
	return func(o *options) {
		o.encryptionKey = key
	}
}

// WithRefresher sets the upstream used to refresh sessions close to expiry.
// Only the session store uses it.
func WithRefresher(r storage.TokenRefresher) Option {
	return func(o *options) {
		o.refresher = r
	}
}

// base holds what every file store shares: the directory, logger, clock and
// instrumentation.
type base struct {
	dir       string
	storeName string
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

func newBase(dir, storeName string, opts []Option) (base, options, error) {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if dir == "" {
		return base{}, o, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return base{}, o, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	return base{
		dir:       dir,
		storeName: storeName,
		logger:    o.logger,
		now:       o.now,
	}, o, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (b *base) SetInstrumentation(inst *instrumentation.Instrumentation) {
	b.instrumentation = inst
	if inst != nil {
		b.tracer = inst.Tracer("storage")
	}
}

func (b *base) path(name string) string {
	return filepath.Join(b.dir, name)
}

// startStorageSpan starts a tracing span for a storage operation
func (b *base) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if b.tracer == nil {
		// No-op span; ending it must not end the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := b.tracer.Start(ctx, fmt.Sprintf("storage.%s.%s", b.storeName, operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "file"),
		))
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (b *base) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if b.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))

	b.instrumentation.Metrics().RecordStorageOperation(ctx, b.storeName, operation, result,
		float64(time.Since(startTime).Milliseconds()))
}

// readJSONFile decodes path into v. A missing file is not an error and
// reports false.
func readJSONFile(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// writeJSONFile rewrites path with the pretty-printed JSON form of v.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes through a temp file and a rename, so a crash leaves
// either the old or the new content on disk.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(tmp, fileMode); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
