package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/mcp-oauth-proxy"
	"github.com/giantswarm/mcp-oauth-proxy/config"
	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/internal/version"
	"github.com/giantswarm/mcp-oauth-proxy/providers/upstream"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/server"
	"github.com/giantswarm/mcp-oauth-proxy/storage/file"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var httpAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization proxy",
	Long: `Start the authorization proxy HTTP server.

Configuration is read from the optional config file and then from the
environment (WORKSPACE_API_BASE_URL, OAUTH_CLIENT_ID, OAUTH_PUBLIC_URL, ...).

Examples:
  # Development, endpoints derived from the API base URL
  WORKSPACE_API_BASE_URL=https://app.example.com/api/v2 \
  OAUTH_CLIENT_ID=my-client mcp-oauth-proxy serve

  # Custom listen address and JSON logs
  mcp-oauth-proxy serve --addr :9090 --log-format json`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&httpAddr, "addr", "",
		"HTTP listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	endpoints := config.Resolve(cfg)
	storageDir := config.StorageDir(cfg)
	key, err := config.EncryptionKey(cfg)
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion: version.Version,
		Enabled:        cfg.TracingEnabled || cfg.OTLPEndpoint != "",
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("starting instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down instrumentation", "error", err)
		}
	}()

	provider, err := upstream.NewProvider(&upstream.Config{
		ClientID:         endpoints.ClientID,
		ClientSecret:     endpoints.ClientSecret,
		AuthorizationURL: endpoints.AuthorizationURL,
		TokenURL:         endpoints.TokenURL,
		DeviceURL:        endpoints.DeviceURL,
		CallbackURL:      endpoints.CallbackURL,
		Scopes:           endpoints.Scopes,
		Timeout:          cfg.UpstreamTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating upstream provider: %w", err)
	}
	provider.SetLogger(logger)
	provider.SetInstrumentation(inst)

	srv, err := newServer(cfg, endpoints, storageDir, key, provider, inst)
	if err != nil {
		return err
	}

	handler := oauth.NewHandler(srv, logger)
	if cfg.RegistrationRate > 0 {
		handler.RegistrationRateLimiter = security.NewRateLimiter(cfg.RegistrationRate, cfg.RegistrationBurst, logger)
		defer handler.RegistrationRateLimiter.Stop()
		handler.DeviceRateLimiter = security.NewRateLimiter(cfg.RegistrationRate, cfg.RegistrationBurst, logger)
		defer handler.DeviceRateLimiter.Stop()
	}

	reaper := server.NewReaper(srv)
	reaper.Start(ctx)
	defer reaper.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Info("Starting mcp-oauth-proxy",
		"addr", cfg.HTTPAddr,
		"issuer", endpoints.Issuer,
		"upstream_authorize", endpoints.AuthorizationURL,
		"storage_dir", storageDir,
		"version", version.Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newServer opens the stores in storageDir and wires them into the proxy.
func newServer(
	cfg *config.Config,
	endpoints config.Endpoints,
	storageDir string,
	key []byte,
	provider *upstream.Provider,
	inst *instrumentation.Instrumentation,
) (*server.Server, error) {
	clients, err := file.NewClientRegistry(storageDir, file.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening client registry: %w", err)
	}
	pending, err := file.NewPendingStore(storageDir, file.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening pending store: %w", err)
	}
	sessions, err := file.NewSessionStore(storageDir,
		file.WithLogger(logger),
		file.WithRefresher(provider),
		file.WithEncryptionKey(key))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	if !sessions.Encrypted() {
		logger.Warn("OAUTH_ENCRYPTION_KEY is not set, sessions are stored in plaintext")
	}

	clients.SetInstrumentation(inst)
	pending.SetInstrumentation(inst)
	sessions.SetInstrumentation(inst)

	srv, err := server.New(provider, clients, pending, sessions, &server.Config{
		Issuer:          endpoints.Issuer,
		ResourceID:      endpoints.ResourceID,
		CallbackURL:     endpoints.CallbackURL,
		SupportedScopes: endpoints.Scopes,
		ReaperInterval:  cfg.ReaperInterval,
		ClientRetention: cfg.ClientRetention,
		TrustProxy:      cfg.TrustProxy,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, true))
	if err := srv.SetInstrumentation(inst); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return srv, nil
}
