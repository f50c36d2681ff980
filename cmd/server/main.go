/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, .env)
  2. Build the zap logger
  3. Open the store (SQLite file, or PostgreSQL after running migrations)
  4. Load the policy catalog and the authorization directory
  5. Wire audit sinks, the notifier and the workflow engine
  6. Start the reconciliation scheduler
  7. Configure the HTTP router and serve with graceful shutdown

COMMAND-LINE FLAGS:
  -token   actor@tenant: print a bearer token signed with JWT_SECRET and exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, flush the Kafka writer, close the store
  4. Exit

EXAMPLES:
  # Local run on SQLite
  DIRECTORY_FILE=./directory.json ./server

  # PostgreSQL with Redis idempotency and Kafka notifications
  DB_DRIVER=postgres PGSQL_URL=postgres://... REDIS_ADDR=localhost:6379 \
  KAFKA_BROKERS=localhost:9092 DIRECTORY_FILE=./directory.json ./server

  # Dev token for u-alice in tenant acme
  ./server -token u-alice@acme

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - workflow/engine.go: The engine behind every handler
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/audit"
	"github.com/warp/leave-engine/authz"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/notify"
	"github.com/warp/leave-engine/policy"
	"github.com/warp/leave-engine/store/postgres"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/uow"
	"github.com/warp/leave-engine/workflow"
)

// backend is what both stores provide to the server.
type backend interface {
	uow.UnitOfWork
	audit.Sink
	Ping(ctx context.Context) error
}

func main() {
	token := flag.String("token", "", "print a dev bearer token for actor@tenant and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if cfg.UsesInsecureSecret() {
		logger.Warn("JWT_SECRET not set, using the development secret")
	}
	if *token != "" {
		if err := printToken(cfg, *token); err != nil {
			logger.Fatal("sign token", zap.Error(err))
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Policies and directory
	catalog := policy.DefaultCatalog()
	if cfg.PolicyFile != "" {
		if catalog, err = policy.LoadCatalog(cfg.PolicyFile); err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
	}
	logger.Info("policies loaded", zap.Int("types", len(catalog.Types())))

	directory, err := authz.LoadDirectory(cfg.DirectoryFile)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}

	// Audit and notifications
	emitter := audit.NewEmitter(logger.Named("audit"), cfg.AuditTimeout,
		audit.NewZapSink(logger.Named("audit")), store)

	var notifier notify.Dispatcher = notify.NewLogDispatcher(logger.Named("notify"))
	if len(cfg.KafkaBrokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.KafkaBrokers)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("close kafka writer", zap.Error(err))
			}
		}()
		notifier = notify.NewKafkaDispatcher(writer, cfg.KafkaNotifyTopic)
		logger.Info("notifications via kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaNotifyTopic))
	}

	engine := workflow.New(store, directory, catalog,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithAudit(emitter),
		workflow.WithNotifier(notifier),
		workflow.WithRetry(cfg.TxMaxAttempts, 20*time.Millisecond),
	)

	// Idempotency cache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, submissions with Idempotency-Key will fail until it recovers",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
	}

	// Reconciliation
	scheduler := api.NewReconciliationScheduler(engine, logger)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(engine,
		api.WithHandlerLogger(logger.Named("api")),
		api.WithScheduler(scheduler),
	)
	routerCfg := api.RouterConfig{
		JWTSecret:      []byte(cfg.JWTSecret),
		IdempotencyTTL: cfg.IdempotencyTTL,
		RateLimit:      rate.Limit(cfg.RateLimitRPS),
		RateBurst:      cfg.RateLimitBurst,
		Health:         store.Ping,
		Logger:         logger,
	}
	if rdb != nil {
		routerCfg.Redis = rdb
	}
	router := api.NewRouter(handler, routerCfg)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		if err := postgres.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("store ready", zap.String("driver", "postgres"))
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("store ready", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close sqlite", zap.Error(err))
			}
		}, nil
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zc.Build()
}

func printToken(cfg *config.Config, principal string) error {
	actorID, tenantID, ok := strings.Cut(principal, "@")
	if !ok || actorID == "" || tenantID == "" {
		return fmt.Errorf("token wants actor@tenant, got %q", principal)
	}
	tok, err := api.SignToken([]byte(cfg.JWTSecret), actorID, tenantID, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
