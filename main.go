package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/api/rest"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/cache"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/classifier"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/database"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/executor"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/instrumentation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/community-risk-engine/internal/metrics"
	"github.com/davidleathers/community-risk-engine/internal/service/behavior"
	"github.com/davidleathers/community-risk-engine/internal/service/brigade"
	"github.com/davidleathers/community-risk-engine/internal/service/decision"
	"github.com/davidleathers/community-risk-engine/internal/service/pipeline"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting community risk engine",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("dry_run", cfg.Pipeline.DryRun))

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &cfg.Telemetry, cfg.Version, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	if cfg.Database.MigrateOnStart {
		if err := migrateUp(cfg.Database.URL, logger); err != nil {
			return err
		}
	}

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRegistry(reg)

	store := database.NewStore(pool)
	classify, err := classifier.NewClient(cfg.Classifier, logger)
	if err != nil {
		return err
	}
	exec, err := executor.New(cfg.Executor, cfg.Pipeline.DryRun, logger)
	if err != nil {
		return err
	}

	markers := cache.NewMarkers(redisClient, logger)
	analyzer := behavior.NewAnalyzer(cfg.Moderation, cfg.Behavior, logger)
	p, err := pipeline.New(cfg, pipeline.Dependencies{
		Classifier: instrumentation.NewTracedClassifier(classify, telemetry.Tracer("classifier")),
		Store:      store,
		Executor:   instrumentation.NewTracedExecutor(exec, telemetry.Tracer("executor")),
		Markers:    markers,
		Limiter:    cache.NewRateLimiter(redisClient, logger),
		Detector:   brigade.NewDetector(cfg.Brigade, cache.NewWindowStore(redisClient, logger), store, logger),
		Analyzer:   analyzer,
		Engine:     decision.NewEngine(cfg.Moderation, analyzer, logger),
		Metrics:    m,
	}, logger)
	if err != nil {
		return err
	}

	health := rest.NewHealthService(cfg.Version, 2*time.Second, map[string]rest.CheckFunc{
		"postgres": store.Ping,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      rest.NewRouter(rest.NewHandler(p, store, markers, health, logger), m),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go runCleanup(ctx, p, cfg.Brigade.CleanupInterval, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Drain the pipeline before closing the listener.
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline drain incomplete", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func migrateUp(databaseURL string, logger *zap.Logger) error {
	migrator, err := database.NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}

func runCleanup(ctx context.Context, p *pipeline.Pipeline, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Cleanup(ctx); err != nil {
				logger.Warn("window cleanup failed", zap.Error(err))
			}
		}
	}
}
