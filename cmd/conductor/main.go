// Package main is the entry point for the Conductor orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/config"
	"github.com/stratusmap/conductor/internal/events"
	"github.com/stratusmap/conductor/internal/flow"
	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/internal/tasks"
	"github.com/stratusmap/conductor/internal/transport"
	"github.com/stratusmap/conductor/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "conductor", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Flow store.
	store, storeCloser, err := buildFlowStore(ctx, cfg.FlowStore, logger)
	if err != nil {
		logger.Error("flow store initialization failed", zap.Error(err))
		return 1
	}

	// Phase execution locks.
	locks, lockCloser, err := buildLockManager(cfg.Lock, logger)
	if err != nil {
		logger.Error("lock manager initialization failed", zap.Error(err))
		return 1
	}

	// Core services.
	bus := events.NewBus()
	repo := flow.NewRepository(store, metrics, logger)
	syncSvc := flow.NewSyncService(repo, bus, metrics, logger)
	tracker := tasks.NewTracker(cfg.Orchestration.MaxTrackedTasks, bus, metrics, logger)

	registry := flow.NewHandlerRegistry()
	registerBaselinePhaseHandlers(registry, logger)

	engine := flow.NewEngine(repo, locks, flow.CatalogAgent{}, registry, syncSvc, metrics, logger)
	detector := flow.NewZombieDetector(store, engine, tracker, cfg.Orchestration.ZombieProgressFloor, metrics, logger)

	// HTTP transport.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Repo:         repo,
		Engine:       engine,
		Sync:         syncSvc,
		Detector:     detector,
		Tracker:      tracker,
		Metrics:      metrics,
		Readiness:    observability.ReadinessChecks{FlowStore: store, LockManager: locks},
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go syncSvc.RunSyncWorker(bgCtx)
	go runHealthSweeper(bgCtx, store, syncSvc, detector, cfg.Orchestration.HealthSweepInterval, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("flow_store", cfg.FlowStore.Driver),
		zap.String("lock_driver", cfg.Lock.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

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

	// Stop background workers and let tracked tasks finish.
	bgCancel()
	if !tracker.Wait(shutdownTimeout) {
		logger.Warn("background tasks did not finish before shutdown deadline")
	}
	bus.Close()

	if storeCloser != nil {
		storeCloser()
	}
	if lockCloser != nil {
		lockCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildFlowStore creates the flow store based on config.
func buildFlowStore(ctx context.Context, cfg config.FlowStoreConfig, logger *zap.Logger) (flow.FlowStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory flow store")
		return flow.NewMemoryFlowStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" && cfg.DSNEnv != "" {
			return nil, nil, fmt.Errorf("flow store: %s environment variable not set", cfg.DSNEnv)
		}
		if dsn == "" {
			logger.Warn("flow store DSN not configured, using in-memory store")
			return flow.NewMemoryFlowStore(), nil, nil
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("flow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("flow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("flow store: ping: %w", err)
		}

		return flow.NewPgFlowStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported flow store driver: %q", cfg.Driver)
	}
}

// buildLockManager creates the phase lock manager based on config.
func buildLockManager(cfg config.LockConfig, logger *zap.Logger) (flow.LockManager, func(), error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = flow.DefaultLockTimeout
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory lock manager",
			zap.Duration("timeout", timeout))
		return flow.NewMemoryLockManager(timeout, logger), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("lock manager: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.DB,
		})
		closer := func() { client.Close() }
		return flow.NewRedisLockManager(client, timeout), closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// registerBaselinePhaseHandlers binds a pass-through handler to every
// catalogued phase. Domain services replace these bindings with real phase
// implementations; the baseline keeps the transition machinery exercisable
// out of the box.
func registerBaselinePhaseHandlers(registry *flow.HandlerRegistry, logger *zap.Logger) {
	for flowType := range model.ValidFlowTypes {
		for _, phase := range flow.Phases(flowType) {
			registry.Register(flowType, phase, func(ctx context.Context, flowID string, phaseInput, flowState map[string]any) (map[string]any, error) {
				logger.Info("baseline phase handler",
					zap.String("flow_id", flowID),
					zap.String("flow_type", flowType),
					zap.String("phase", phase),
				)
				return map[string]any{
					"phase":        phase,
					"input":        phaseInput,
					"completed_at": time.Now().UTC().Format(time.RFC3339),
				}, nil
			})
		}
	}
}

// runHealthSweeper periodically reconciles master/child state and re-queues
// zombie flows across all active tenant scopes.
func runHealthSweeper(ctx context.Context, store flow.FlowStore, syncSvc *flow.SyncService, detector *flow.ZombieDetector, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scopes, err := store.ListActiveScopes(ctx)
			if err != nil {
				logger.Error("health sweep: listing scopes failed", zap.Error(err))
				continue
			}
			for _, scope := range scopes {
				rctx := &model.RequestContext{
					SubjectID:       "system",
					ClientAccountID: scope.ClientAccountID,
					EngagementID:    scope.EngagementID,
				}
				if _, err := syncSvc.MonitorFlowHealth(ctx, rctx, true); err != nil {
					logger.Error("health sweep: monitor failed",
						zap.String("client_account_id", scope.ClientAccountID),
						zap.String("engagement_id", scope.EngagementID),
						zap.Error(err))
				}
				if _, err := detector.Sweep(ctx, rctx); err != nil {
					logger.Error("health sweep: zombie sweep failed",
						zap.String("client_account_id", scope.ClientAccountID),
						zap.String("engagement_id", scope.EngagementID),
						zap.Error(err))
				}
			}
		}
	}
}
