package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yyogue/yoguepay/internal/api"
	"github.com/yyogue/yoguepay/internal/api/middleware"
	"github.com/yyogue/yoguepay/internal/config"
	"github.com/yyogue/yoguepay/internal/db"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/engine"
	"github.com/yyogue/yoguepay/internal/gateway"
	"github.com/yyogue/yoguepay/internal/idempotency"
	"github.com/yyogue/yoguepay/internal/identity"
	"github.com/yyogue/yoguepay/internal/models"
	"github.com/yyogue/yoguepay/internal/observability"
	"github.com/yyogue/yoguepay/internal/store"
	"github.com/yyogue/yoguepay/internal/worker"
)

// Run bootstraps the HTTP server and reconciliation worker, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		accounts store.AccountStore
		ledger   store.LedgerStore
		pool     *pgxpool.Pool
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err = db.Connect(ctx, db.PoolConfig{
			URL:            cfg.DatabaseURL,
			MaxConns:       cfg.DBMaxConns,
			MinConns:       cfg.DBMinConns,
			ConnectTimeout: cfg.DBConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		accounts = store.NewPostgresAccountStore(pool)
		ledger = store.NewPostgresLedgerStore(pool)
	default:
		memAccounts := store.NewMemoryAccountStore()
		if err := memAccounts.Create(ctx, models.Account{ID: domain.SystemAccountID}); err != nil {
			return fmt.Errorf("seed fee account: %w", err)
		}
		accounts = memAccounts
		ledger = store.NewMemoryLedgerStore()
	}

	var redisClient *redis.Client
	var idemStore *idempotency.Store
	if cfg.RedisURL != "" {
		redisClient, err = newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		idemStore = idempotency.NewStore(redisClient, cfg.IdempotencyTTL)
	}

	rail := gateway.NewMockGateway()
	directory := identity.NewDirectory()
	eng := engine.NewEngine(accounts, ledger, rail, directory).
		WithMaxRetries(cfg.MaxConflictRetries).
		WithStaleWindow(cfg.StaleWindow)

	reconWorker := worker.NewReconciliationWorker(eng).
		WithInterval(cfg.ReconciliationInterval).
		WithBatchSize(cfg.ReconciliationBatchSize)
	stopWorker := reconWorker.Run(ctx)

	router := api.NewRouter(cfg, logger, eng, idemStore, pool, redisCmdable(redisClient))

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			zap.String("port", cfg.HTTPPort), zap.String("backend", cfg.StoreBackend))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping reconciliation worker")
	stopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// redisCmdable avoids handing the router a typed nil.
func redisCmdable(client *redis.Client) redis.Cmdable {
	if client == nil {
		return nil
	}
	return client
}
