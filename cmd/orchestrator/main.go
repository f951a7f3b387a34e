// Command orchestrator runs the investigation pipeline: alert intake onto
// the priority queues, enrichment fan-out, FP short-circuit, model reasoning
// through the trust gateway, approval gates and constrained response
// execution.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluskort/aluskort/pkg/alert"
	"github.com/aluskort/aluskort/pkg/audit"
	"github.com/aluskort/aluskort/pkg/bus"
	"github.com/aluskort/aluskort/pkg/config"
	"github.com/aluskort/aluskort/pkg/drift"
	"github.com/aluskort/aluskort/pkg/enrich"
	"github.com/aluskort/aluskort/pkg/fp"
	"github.com/aluskort/aluskort/pkg/gateway"
	"github.com/aluskort/aluskort/pkg/llm"
	"github.com/aluskort/aluskort/pkg/memory"
	"github.com/aluskort/aluskort/pkg/metrics"
	"github.com/aluskort/aluskort/pkg/orchestrator"
	"github.com/aluskort/aluskort/pkg/storage/cache"
	"github.com/aluskort/aluskort/pkg/storage/postgres"
	"github.com/aluskort/aluskort/pkg/storage/vector"
	"github.com/aluskort/aluskort/pkg/taxonomy"
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
	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting orchestrator",
		"version", version.Full(),
		"config_dir", *configDir,
		"http_port", httpPort)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize warm store and its stores (runs migrations)
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

	investigations := postgres.NewInvestigationStore(pg)
	alerts := postgres.NewAlertStore(pg)
	gateStore := postgres.NewGateStore(pg)
	patterns := postgres.NewPatternStore(pg)
	tenantModes := postgres.NewTenantModeStore(pg).WithDefault(cfg.FP.ShadowDefault)
	exposures := postgres.NewExposureStore(pg)
	memories := postgres.NewMemoryStore(pg)
	embeddingState := postgres.NewEmbeddingStateStore(pg)
	shadowLog := postgres.NewShadowDecisionStore(pg)

	// 3. Connect to the cache
	cacheClient, err := cache.NewClient(ctx, cache.Config{URL: cfg.Cache.URL}, logger)
	if err != nil {
		slog.Error("Failed to connect to cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cacheClient.Close(); err != nil {
			slog.Error("Error closing cache client", "error", err)
		}
	}()
	slog.Info("Connected to cache")

	// 4. Connect to the vector store
	vectorStore, err := vector.New(vector.Config{
		Endpoint: cfg.Vector.Endpoint,
		APIKey:   cfg.Vector.APIKey,
		Dims:     cfg.Vector.Dimensions,
		ModelID:  cfg.Vector.ModelID,
		Version:  cfg.Vector.Version,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to vector store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := vectorStore.Close(); err != nil {
			slog.Error("Error closing vector store", "error", err)
		}
	}()
	if err := vectorStore.EnsureCollections(ctx); err != nil {
		slog.Error("Failed to ensure vector collections", "error", err)
		os.Exit(1)
	}
	slog.Info("Vector store ready", "version", cfg.Vector.Version)

	// 5. Connect to the event bus
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

	// 6. Metrics and audit emitter
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)
	emitter := audit.NewBusEmitter(eventBus, "orchestrator", logger)

	// 7. FP governance
	adjuster := fp.NewThresholdAdjuster(cfg.FP.BaseThreshold)
	switches := fp.NewKillSwitchManager(cacheClient, emitter, logger)
	fpService := fp.NewService(patterns, adjuster, switches, emitter, logger)
	shadowMgr := fp.NewShadowManager(tenantModes, emitter, logger)
	sweeper := fp.NewSweeper(fpService, 0, logger, nil)
	sweeper.Start(ctx)

	// 8. Drift detection feeding the FP threshold
	detector := drift.NewDetector(adjuster, logger,
		drift.WithThreshold(cfg.Drift.Threshold),
		drift.WithGauges(m),
		drift.WithStore(cacheClient))
	driftLoop := drift.NewLoop(detector, 0, 0)
	driftLoop.Start(ctx)

	// 9. Model routing with provider health
	health := llm.NewProviderHealthRegistry(llm.ProviderAnthropic, logger, llm.WithHealthMetrics(m))
	router := llm.NewRouter(logger,
		llm.WithHealth(health),
		llm.WithRouterMetrics(m),
		llm.WithEscalationBudget(llm.NewEscalationBudget(cfg.Router.EscalationsPerHour, time.Now)))

	// 10. Trust gateway. The stub kind registers under its configured name
	// so dev deployments can stand in for a real provider.
	callers := make([]gateway.ModelCaller, 0, len(cfg.Providers))
	var embedderCfg *config.ProviderConfig
	for name, p := range cfg.Providers {
		switch p.Kind {
		case config.ProviderKindAnthropic:
			callers = append(callers, gateway.NewAnthropicClient(gateway.ProviderConfig{
				APIKey: p.APIKey, BaseURL: p.Endpoint,
			}))
		case config.ProviderKindOpenAI:
			pc := p
			embedderCfg = &pc
			callers = append(callers, gateway.NewOpenAIClient(gateway.ProviderConfig{
				APIKey: p.APIKey, BaseURL: p.Endpoint,
			}))
		case config.ProviderKindStub:
			callers = append(callers, gateway.NewStubClient(name))
		}
	}
	if len(callers) == 0 {
		slog.Error("No model providers configured")
		os.Exit(1)
	}

	tenantBudgets := make(map[string]gateway.BudgetLimits, len(cfg.Gateway.TenantBudgets))
	for tenant, b := range cfg.Gateway.TenantBudgets {
		tenantBudgets[tenant] = gateway.BudgetLimits{SoftUSD: b.SoftUSD, HardUSD: b.HardUSD}
	}
	budget := gateway.NewBudgetGuard(cacheClient, gateway.BudgetLimits{
		SoftUSD: cfg.Gateway.DefaultBudget.SoftUSD,
		HardUSD: cfg.Gateway.DefaultBudget.HardUSD,
	}, tenantBudgets, emitter, logger)

	var second gateway.SecondOpinion
	if cfg.Gateway.SecondOpinion {
		second = gateway.NewLLMSecondOpinion(secondOpinionCaller(callers), llm.PrimaryModel(llm.Tier0))
	}
	classifier := gateway.NewInjectionClassifier(second, logger)
	taxonomyReg := taxonomy.NewRegistry()

	core, err := gateway.New(gateway.Options{
		Budget:     budget,
		Classifier: classifier,
		Callers:    callers,
		Health:     health,
		Taxonomy:   taxonomyReg,
		Emitter:    emitter,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("Failed to build gateway", "error", err)
		os.Exit(1)
	}
	control := llm.NewConcurrencyController(nil,
		llm.WithSlots(llm.PriorityCritical, cfg.Workers.Critical),
		llm.WithSlots(llm.PriorityHigh, cfg.Workers.High),
		llm.WithSlots(llm.PriorityNormal, cfg.Workers.Normal),
		llm.WithSlots(llm.PriorityLow, cfg.Workers.Low))
	quota := llm.NewTenantQuota(cfg.Router.TenantPlans, nil).WithQuotaMetrics(m)
	gw := gateway.NewScheduledGateway(core, control, quota)

	// 11. Enrichment fan-out. Memory and playbook retrieval need an
	// embedding provider; without one the pipeline runs on the remaining
	// enrichers.
	enrichers := []enrich.Enricher{
		enrich.NewCTEMEnricher(exposures, logger),
		enrich.NewATLASEnricher(taxonomyReg, logger),
	}
	if embedderCfg != nil {
		embedder := gateway.NewOpenAIEmbedder(
			gateway.ProviderConfig{APIKey: embedderCfg.APIKey},
			cfg.Vector.ModelID, cfg.Vector.Dimensions)
		retriever := memory.NewRetriever(vectorStore, embedder, memories, logger, nil)
		enrichers = append(enrichers,
			enrich.NewMemoryEnricher(retriever, 0, logger),
			enrich.NewPlaybookEnricher(vectorStore, embedder, 0, logger))
		go resumeEmbeddingMigrations(ctx, vectorStore, embeddingState, embedder, logger)
	} else {
		slog.Info("No embedding provider configured; memory and playbook enrichment disabled")
	}
	fanout := enrich.NewFanout(enrichers, 0, 0, logger)

	// 12. Approval gates
	ttls := make(map[string]map[alert.Severity]time.Duration, len(cfg.Approvals.TenantTTLs))
	for tenant, bySeverity := range cfg.Approvals.TenantTTLs {
		ttls[tenant] = make(map[alert.Severity]time.Duration, len(bySeverity))
		for sev, ttl := range bySeverity {
			ttls[tenant][alert.Severity(sev)] = ttl
		}
	}
	gates := orchestrator.NewGateManager(orchestrator.GateManagerOptions{
		Store:         gateStore,
		Cache:         cacheClient,
		Emitter:       emitter,
		Metrics:       m,
		TenantTTLs:    ttls,
		SweepInterval: cfg.Approvals.SweepInterval,
		Logger:        logger,
	})
	gates.Start(ctx)

	// 13. Pipeline
	executor := orchestrator.NewExecutor(orchestrator.DefaultConstraints(), eventBus, emitter, logger)
	orch, err := orchestrator.New(orchestrator.Options{
		Store:        investigations,
		FP:           fpService,
		Shadow:       shadowMgr,
		ShadowLog:    shadowLog,
		Fanout:       fanout,
		Router:       router,
		Gateway:      gw,
		Gates:        gates,
		Executor:     executor,
		Emitter:      emitter,
		Metrics:      m,
		RedactionKey: []byte(cfg.Gateway.PIIRedactionKey),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	// 14. Start consumers: priority queues, raw intake, CTEM ingest
	worker := orchestrator.NewWorker(eventBus, eventBus, orch, "", logger)
	if err := worker.Start(ctx); err != nil {
		slog.Error("Failed to start alert workers", "error", err)
		os.Exit(1)
	}
	intake := orchestrator.NewIntake(eventBus, eventBus, alerts, detector, logger)
	if err := intake.Start(ctx); err != nil {
		slog.Error("Failed to start alert intake", "error", err)
		os.Exit(1)
	}
	ctemIngest := enrich.NewExposureIngest(eventBus, eventBus, exposures, logger)
	if err := ctemIngest.Start(ctx); err != nil {
		slog.Error("Failed to start exposure ingest", "error", err)
		os.Exit(1)
	}

	// 15. Ops HTTP server (non-blocking)
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.GitCommit})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))
	httpServer := &http.Server{Addr: ":" + httpPort, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Orchestrator started successfully",
		"providers", len(callers),
		"enrichers", len(enrichers))

	// 16. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 17. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		gates.Stop()
		sweeper.Stop()
		driftLoop.Stop()
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

// secondOpinionCaller picks the caller for injection review: the tier-0
// primary's provider when registered, otherwise whichever caller exists.
func secondOpinionCaller(callers []gateway.ModelCaller) gateway.ModelCaller {
	want := llm.PrimaryModel(llm.Tier0).Provider
	for _, c := range callers {
		if c.Provider() == want {
			return c
		}
	}
	return callers[0]
}

// resumeEmbeddingMigrations restarts re-embedding runs interrupted by the
// previous process. Failures are logged and retried on the next restart.
func resumeEmbeddingMigrations(ctx context.Context, store *vector.Store, state *postgres.EmbeddingStateStore, embedder vector.Embedder, logger *slog.Logger) {
	pending, err := state.PendingMigrations(ctx)
	if err != nil {
		logger.Warn("list pending embedding migrations failed", "error", err)
		return
	}
	for _, st := range pending {
		migrated, err := store.MigrateEmbeddings(ctx, st.Collection, st.TenantID, st.FromVersion, embedder, state)
		if err != nil {
			logger.Warn("embedding migration resume failed",
				"collection", st.Collection,
				"tenant_id", st.TenantID,
				"error", err)
			continue
		}
		logger.Info("embedding migration resumed",
			"collection", st.Collection,
			"tenant_id", st.TenantID,
			"migrated_points", migrated)
	}
}
