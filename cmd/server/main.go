// Command server is the Beam control-plane process entry point.
//
// It exposes the gRPC Task/Workflow services SDKs and the operator CLI
// connect to. The server initializes:
//
//  1. Database connections (Redis + PostgreSQL)
//  2. The ledger, pricing table, object store and provider registry
//  3. The Task Engine and Workflow Engine
//  4. The Reconcile Scheduler
//  5. gRPC server with interceptors
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle: load configuration, initialize dependencies, start serving,
// wait for a shutdown signal, drain in flight work, close connections.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/reflection"

	"github.com/beammedia/control-plane/internal/cache"
	"github.com/beammedia/control-plane/internal/config"
	"github.com/beammedia/control-plane/internal/ledger"
	"github.com/beammedia/control-plane/internal/objectstore/localfs"
	"github.com/beammedia/control-plane/internal/pricing"
	"github.com/beammedia/control-plane/internal/provider"
	"github.com/beammedia/control-plane/internal/rpc"
	"github.com/beammedia/control-plane/internal/scheduler"
	"github.com/beammedia/control-plane/internal/store"
	"github.com/beammedia/control-plane/internal/sync"
	"github.com/beammedia/control-plane/internal/task"
	"github.com/beammedia/control-plane/internal/workflow"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Msg("starting beam control plane")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     100,
		MinIdleConns: 25,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	pg, err := store.Open(openCtx, cfg.PostgresURL, logger)
	openCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pg.Close()
	logger.Info().Msg("connected to postgres")

	balanceCache := cache.New(redisClient, cfg.BalanceCacheTTL, logger)

	syncer := sync.NewSyncer(redisClient, pg.DB(), logger)
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.InitializeRedis(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize redis from postgresql")
	}
	initCancel()
	syncer.StartPeriodicSync(cfg.SyncInterval)
	defer syncer.Stop()

	ldgr := ledger.New(pg, logger)

	pricingTable := pricing.New(pg)
	reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pricingTable.Reload(reloadCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load pricing table")
	}
	reloadCancel()

	objects, err := localfs.New(cfg.ObjectStoreRoot, cfg.PresignTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object store")
	}

	registry := provider.NewRegistry(map[store.TaskType]provider.Adapter{
		store.TaskTypeMotion:  provider.NewMotionAdapter(provider.MockConfig{PollsUntilDone: 3}),
		store.TaskTypeLipsync: provider.NewLipsyncAdapter(provider.MockConfig{PollsUntilDone: 3}),
		store.TaskTypeTTS:     provider.NewTTSAdapter(provider.MockConfig{PollsUntilDone: 1}),
		store.TaskTypeImg2Img: provider.NewImg2ImgAdapter(provider.MockConfig{}),
	})

	schemas, err := task.NewSchemaRegistry()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile task config schemas")
	}

	taskCfg := task.DefaultConfig()
	taskCfg.MaxRetries = cfg.MaxTaskRetries
	taskCfg.AsyncTimeout = cfg.AsyncTaskTimeout
	taskCfg.SyncTimeout = cfg.SyncTaskTimeout
	taskCfg.PollInterval = cfg.TaskPollInterval
	taskEngine := task.New(pg, ldgr, pricingTable, registry, objects, schemas, taskCfg, logger)

	workflowEngine := workflow.New(pg, taskEngine, logger)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TaskInterval = cfg.ReconcileInterval
	schedCfg.WorkflowInterval = cfg.WorkflowReconcileInterval
	schedCfg.BatchSize = cfg.ReconcileBatch
	schedCfg.Concurrency = cfg.SchedulerConcurrency
	sched := scheduler.New(pg, taskEngine, workflowEngine, schedCfg, logger)
	if err := sched.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	grpcServer := rpc.NewGRPCServer(logger)
	rpc.RegisterServices(grpcServer, taskEngine, workflowEngine, pg, balanceCache)
	if cfg.Environment == "development" {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create listener")
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	httpServer := createHTTPServer(cfg.HTTPPort)
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	logger.Info().Msg("shutdown complete")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "beam-control-plane").
		Str("environment", environment).
		Logger()
}

func createHTTPServer(port string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
}
