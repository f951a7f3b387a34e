// Command audit runs the tamper-evident audit service: bus ingest onto
// per-tenant hash chains, background verification, cold-tier export with
// retention tiering, and the read-only evidence API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluskort/aluskort/pkg/api"
	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/bus"
	"github.com/aluskort/aluskort/pkg/config"
	"github.com/aluskort/aluskort/pkg/metrics"
	"github.com/aluskort/aluskort/pkg/storage/object"
	"github.com/aluskort/aluskort/pkg/storage/postgres"
	"github.com/aluskort/aluskort/pkg/version"
)

// getEnv returns the environment variable value or fallback if not set
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	logger := slog.Default()

	slog.Info("Starting audit service", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize warm store (runs migrations)
	pg, err := postgres.NewClient(ctx, postgres.Config{
		DSN:              cfg.Postgres.DSN,
		MaxConns:         cfg.Postgres.MaxConns,
		StatementTimeout: cfg.Postgres.StatementTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	slog.Info("Connected to PostgreSQL database")

	auditStore := postgres.NewAuditStore(pg)

	// 3. Initialize cold store
	coldStore, err := object.NewStore(ctx, object.Config{
		Bucket:   cfg.ObjectStore.Bucket,
		Region:   cfg.ObjectStore.Region,
		Endpoint: cfg.ObjectStore.Endpoint,
		KMSKeyID: cfg.ObjectStore.KMSKeyID,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}
	slog.Info("Object store initialized", "bucket", cfg.ObjectStore.Bucket)

	// 4. Connect to the event bus
	eventBus, err := bus.NewPubSubBus(ctx, cfg.Bus.ProjectID, logger)
	if err != nil {
		slog.Error("Failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Error("Error closing event bus", "error", err)
		}
	}()
	slog.Info("Connected to event bus", "project", cfg.Bus.ProjectID)

	// 5. Metrics registry
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	emitter := audit.NewBusEmitter(eventBus, "audit", logger)

	// 6. Start chain ingest
	ingest := audit.NewService(eventBus, eventBus, auditStore, m, logger)
	if err := ingest.Start(ctx); err != nil {
		slog.Error("Failed to start audit ingest", "error", err)
		os.Exit(1)
	}

	// 7. Start the background verifier. No per-tenant offset feed is wired
	// here, so the lag check stays idle; the other three checks run on their
	// own cadences.
	verifier := audit.NewVerifier(audit.VerifierOptions{
		Store:        auditStore,
		Cold:         coldStore,
		Metrics:      m,
		Emitter:      emitter,
		Logger:       logger,
		WindowSize:   cfg.Audit.WindowSize,
		LagThreshold: cfg.Audit.LagThreshold,
	})
	verifier.Start(ctx)
	slog.Info("Background verifier started",
		"window_size", cfg.Audit.WindowSize,
		"lag_threshold", cfg.Audit.LagThreshold)

	// 8. Start retention export
	retention := audit.NewRetention(audit.RetentionOptions{
		Store:   auditStore,
		Cold:    coldStore,
		Emitter: emitter,
		Period:  cfg.Audit.ExportPeriod,
		Logger:  logger,
	})
	retention.Start(ctx)
	slog.Info("Retention export started", "period", cfg.Audit.ExportPeriod)

	// 9. Create the evidence API
	keys := make([]api.APIKey, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, api.APIKey{Key: k.Key, TenantID: k.TenantID, Role: k.Role})
	}
	apiServer := api.NewServer(api.ServerOptions{
		Packages: audit.NewPackageBuilder(auditStore, coldStore, logger),
		Records:  auditStore,
		Verifier: verifier,
		Reports:  audit.NewReporter(auditStore, verifier, logger),
		Keys:     keys,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Audit.ListenAddr,
		Handler: apiServer.Routes(),
	}

	// 10. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Audit.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Audit service started successfully", "api_keys", len(keys))

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		verifier.Stop()
		retention.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Background loops stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded while stopping background loops")
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
