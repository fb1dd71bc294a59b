package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/config"
	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/internal/entity"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/internal/simulator"
	"github.com/pitabwire/passage/internal/transport"
	"github.com/pitabwire/passage/internal/workflow"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow API server and its background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "passage", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Open the workflow store.
	store, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return err
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	if m, ok := store.(migrator); ok && cfg.Store.AutoMigrate {
		if err := m.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", zap.Error(err))
			return err
		}
	}

	// Step 3: Build collaborators.
	entities, err := entity.FromConfig(cfg.Entities, store, logger)
	if err != nil {
		logger.Error("entity sink configuration failed", zap.Error(err))
		return err
	}

	dir, err := buildDirectory(cfg.Directory, metrics)
	if err != nil {
		logger.Error("approver directory load failed", zap.Error(err))
		return err
	}

	events, notifierHealth, notifyCloser, err := buildNotifier(ctx, cfg.Notify, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return err
	}
	if notifyCloser != nil {
		defer notifyCloser()
	}

	deps := workflow.Deps{
		Store:     store,
		Validator: definition.NewValidator(cfg.Workflow.MaxCumulativeDays),
		Entities:  entities,
		Events:    events,
		Metrics:   metrics,
		Logger:    logger,
		AdminRole: cfg.Identity.AdminRole,
	}
	readiness := observability.ReadinessChecks{Store: store, Notifier: notifierHealth}
	if dir != nil {
		deps.Directory = dir
		readiness.Directory = dir
	}
	engine := workflow.NewEngine(deps)

	// Step 4: Seed templates.
	if len(cfg.Store.SeedTemplates) > 0 {
		if err := seedTemplates(ctx, engine, cfg.Store.SeedTemplates, logger); err != nil {
			logger.Error("template seeding failed", zap.Error(err))
			return err
		}
	}

	// Step 5: Build HTTP router.
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Disabled {
		logger.Warn("identity verification disabled, trusting X-Actor-Id headers")
		authenticate = transport.HeaderAuthenticator
	} else {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Simulator:    simulator.New(cfg.Workflow.SimulationSeed, cfg.Workflow.MaxCumulativeDays),
		Authenticate: authenticate,
		Metrics:      metrics,
		Readiness:    readiness,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Start background jobs.
	bgCtx, bgCancel := context.WithCancel(ctx)
	jobs := &jobRunner{engine: engine, logger: logger}
	// Jobs must be drained before the store and notifier closers run.
	defer func() {
		bgCancel()
		jobs.wait()
	}()

	jobs.start(bgCtx, "sweep", cfg.Workflow.SweepInterval, jobs.sweep)
	jobs.start(bgCtx, "reconcile", cfg.Workflow.ReconcileInterval, func(ctx context.Context) error {
		return jobs.reconcile(ctx, cfg.Workflow.ReconcileBatch)
	})

	// Step 7: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("entity_types", entities.Types()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let a sweep or reconcile pass in flight finish.
	bgCancel()
	jobs.wait()
	logger.Info("background jobs stopped")

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func seedTemplates(ctx context.Context, engine *workflow.Engine, paths []string, logger *zap.Logger) error {
	docs, err := definition.NewLoader().LoadAll(paths)
	if err != nil {
		return err
	}
	created, err := engine.SeedTemplates(ctx, docs, "seed")
	if err != nil {
		return err
	}
	logger.Info("templates seeded", zap.Int("files", len(docs)), zap.Int("created", created))
	return nil
}
