// Package main is the entry point for the caseflow server.
// It wires all dependencies together and starts the HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/approval"
	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/configuration"
	"github.com/pitabwire/caseflow/internal/escalation"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/notification"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
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

// stores groups the persistence backends selected by store.driver.
type stores struct {
	cases     workflow.CaseStore
	approvals approval.Store
	trail     audit.Trail
	configs   configuration.Store
	health    observability.HealthChecker
	close     func()
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open stores.
	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	// Step 5: Load workflow configuration. Serving without a global default
	// is not possible.
	resolver := configuration.NewResolver(st.configs,
		configuration.WithLogger(logger.Named("configuration")),
		configuration.WithMetrics(metrics),
	)
	if err := loadConfigurations(ctx, resolver, cfg.Workflows, logger); err != nil {
		logger.Error("workflow configuration failed", zap.Error(err))
		return 1
	}
	if err := resolver.Ready(); err != nil {
		logger.Error("no global workflow configuration", zap.Error(err))
		return 1
	}

	// Step 6: Notifications.
	gateway, gatewayHealth, gatewayClose, err := buildGateway(cfg.Notification, metrics, logger)
	if err != nil {
		logger.Error("notification driver initialization failed", zap.Error(err))
		return 1
	}
	dispatcher := notification.NewDispatcher(gateway,
		notification.WithQueueSize(cfg.Notification.QueueSize),
		notification.WithWorkers(cfg.Notification.Workers),
		notification.WithSendTimeout(cfg.Notification.SendTimeout),
		notification.WithDispatcherLogger(logger.Named("notification")),
		notification.WithDispatcherMetrics(metrics),
	)
	dispatcher.Start()

	// Step 7: Engines. The approval engine calls back into the workflow
	// engine, so it is wired after both exist.
	approvals := approval.NewEngine(st.approvals, st.trail,
		approval.WithLogger(logger.Named("approval")),
		approval.WithMetrics(metrics),
		approval.WithNotifier(dispatcher),
	)
	engine := workflow.NewEngine(resolver, st.cases, st.trail, approvals,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(metrics),
	)
	approvals.SetWorkflow(engine)

	// Step 8: Capabilities and idempotency.
	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	idempotencyStore, idempotencyHealth, idempotencyClose, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idempotencyClose != nil {
		defer idempotencyClose()
	}

	// Step 9: Build HTTP router.
	apiSpec, err := openapi.Load()
	if err != nil {
		logger.Error("API document failed to load", zap.Error(err))
		return 1
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))

	readiness := observability.ReadinessChecks{
		ConfigurationReady: resolver.Ready,
		Database:           st.health,
		IdentityProvider:   jwks,
		IdempotencyStore:   idempotencyHealth,
		Notifications:      gatewayHealth,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Readiness:          readiness,
		Cases:              engine,
		Approvals:          approvals,
		Configurations:     resolver,
		APISpec:            apiSpec,
		IdempotencyStore:   idempotencyStore,
		IdempotencyTTL:     cfg.Idempotency.Store.DefaultTTL,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Escalation.Enabled {
		scheduler := escalation.NewScheduler(st.approvals, st.trail, dispatcher,
			escalation.WithInterval(cfg.Escalation.Interval),
			escalation.WithBatchSize(cfg.Escalation.BatchSize),
			escalation.WithLogger(logger.Named("escalation")),
			escalation.WithMetrics(metrics),
		)
		go scheduler.Run(bgCtx)
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notification_driver", cfg.Notification.Driver),
		zap.Int("configuration_layers", len(resolver.List())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
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

	// Cancel background tasks, then flush queued notifications.
	bgCancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}
	if gatewayClose != nil {
		gatewayClose()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores opens the persistence backends for the configured driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*stores, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory stores; state is lost on restart")
		return &stores{
			cases:     workflow.NewMemoryCaseStore(),
			approvals: approval.NewMemoryStore(),
			trail:     audit.NewMemoryTrail(),
			configs:   configuration.NewMemoryStore(),
			close:     func() {},
		}, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		cases := workflow.NewPgCaseStore(pool)
		logger.Info("using postgres stores")
		return &stores{
			cases:     cases,
			approvals: approval.NewPgStore(pool),
			trail:     audit.NewPgTrail(pool),
			configs:   configuration.NewPgStore(pool),
			health:    cases,
			close:     pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// loadConfigurations reads the stored layers and seeds layers shipped as
// files. The built-in global layer is seeded only when neither the store nor
// the files provide one.
func loadConfigurations(ctx context.Context, resolver *configuration.Resolver, cfg config.WorkflowsConfig, logger *zap.Logger) error {
	if err := resolver.Reload(ctx); err != nil {
		return err
	}

	var layers []model.WorkflowConfiguration
	if cfg.SeedOnStart && len(cfg.Directories) > 0 {
		loaded, err := configuration.NewLoader().LoadAll(cfg.Directories)
		if err != nil {
			return err
		}
		layers = loaded
	}

	hasGlobal := resolver.Ready() == nil
	for _, l := range layers {
		if l.Scope.Level() == model.ScopeGlobal {
			hasGlobal = true
		}
	}
	if !hasGlobal && cfg.UseReferenceDefault {
		logger.Info("seeding reference default workflow configuration")
		layers = append(layers, configuration.ReferenceDefault())
	}

	seeded, err := resolver.Seed(ctx, layers, cfg.Overwrite)
	if err != nil {
		return err
	}
	logger.Info("workflow configuration loaded",
		zap.Int("file_layers", len(layers)),
		zap.Int("seeded", seeded),
		zap.Int("active_layers", len(resolver.List())),
	)
	return nil
}

// buildGateway creates the notification driver. The returned checker is nil
// for drivers without a remote dependency.
func buildGateway(cfg config.NotificationConfig, metrics *observability.Metrics, logger *zap.Logger) (notification.Gateway, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverLog, "":
		return notification.NewLogGateway(logger.Named("notification")), nil, nil, nil

	case config.DriverWebhook:
		breaker := notification.NewCircuitBreaker(notification.BreakerConfig{
			FailureThreshold:   cfg.Breaker.FailureThreshold,
			SuccessThreshold:   cfg.Breaker.SuccessThreshold,
			OpenTimeout:        cfg.Breaker.Timeout,
			ErrorRateThreshold: cfg.Breaker.ErrorRateThreshold,
			ErrorRateWindow:    cfg.Breaker.ErrorRateWindow,
		})
		breaker.OnStateChange(func(s notification.BreakerState) {
			metrics.SetNotificationCircuitBreakerState(config.DriverWebhook, float64(s))
			logger.Warn("notification circuit breaker state changed",
				zap.String("driver", config.DriverWebhook),
				zap.String("state", s.String()),
			)
		})
		client := &http.Client{Timeout: cfg.Webhook.Timeout}
		return notification.NewWebhookGateway(cfg.Webhook.URL, cfg.Webhook.Headers, client, breaker), nil, nil, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("notification: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		gw := notification.NewRedisStreamGateway(client, cfg.Redis.Stream, cfg.Redis.MaxLen)
		return gw, gw, func() { _ = client.Close() }, nil

	case config.DriverNATS:
		url := os.Getenv(cfg.NATS.URLEnv)
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url,
			nats.Name(cfg.NATS.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("notification: nats connect: %w", err)
		}
		gw := notification.NewNATSGateway(conn, cfg.NATS.SubjectPrefix)
		return gw, gw, func() { _ = conn.Drain() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported notification driver: %q", cfg.Driver)
	}
}

// buildCapabilityResolver creates the cached static-policy resolver.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.Cache.TTL,
		capability.WithMaxEntries(cfg.Cache.MaxEntries),
		capability.WithMetrics(metrics),
	), nil
}

// buildIdempotencyStore creates the idempotency store based on config.
// A nil store disables X-Idempotency-Key handling.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := idempotency.NewRedisStore(client)
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return store, store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
