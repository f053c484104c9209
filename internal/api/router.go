package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yyogue/yoguepay/internal/api/handler"
	"github.com/yyogue/yoguepay/internal/api/middleware"
	"github.com/yyogue/yoguepay/internal/config"
	"github.com/yyogue/yoguepay/internal/engine"
	"github.com/yyogue/yoguepay/internal/idempotency"
)

type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	engine    *engine.Engine
	idemStore *idempotency.Store
	db        *pgxpool.Pool
	redis     redis.Cmdable
}

func NewRouter(cfg *config.Config, logger *zap.Logger, eng *engine.Engine, idemStore *idempotency.Store, db *pgxpool.Pool, redisClient redis.Cmdable) *Router {
	return &Router{
		cfg:       cfg,
		logger:    logger,
		engine:    eng,
		idemStore: idemStore,
		db:        db,
		redis:     redisClient,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	accountHandler := handler.NewAccountHandler(api.engine)
	transferHandler := handler.NewTransferHandler(api.engine)
	topUpHandler := handler.NewTopUpHandler(api.engine)
	withdrawalHandler := handler.NewWithdrawalHandler(api.engine)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/accounts/{id}/balance", accountHandler.GetBalance)
		r.Get("/v1/accounts/{id}/history", accountHandler.GetHistory)

		r.Group(func(r chi.Router) {
			r.Use(middleware.IdempotencyMiddleware(api.idemStore, api.logger))
			r.Post("/v1/transfers", transferHandler.Send)
			r.Post("/v1/topups", topUpHandler.AddMoney)
			r.Post("/v1/withdrawals", withdrawalHandler.Withdraw)
		})
	})

	return r
}
