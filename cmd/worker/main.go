package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/recipe-costing/internal/app"
	"github.com/odyssey-erp/recipe-costing/internal/costing"
	jobmetrics "github.com/odyssey-erp/recipe-costing/internal/jobs"
	"github.com/odyssey-erp/recipe-costing/internal/observability"
	"github.com/odyssey-erp/recipe-costing/internal/platform/cache"
	"github.com/odyssey-erp/recipe-costing/internal/platform/db"
	"github.com/odyssey-erp/recipe-costing/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	catalog := costing.NewCatalogCache(redisClient, cfg.CostingCatalogTTL)
	if err := catalog.ListenForInvalidation(ctx, costing.BumpChannel); err != nil {
		logger.Warn("catalog invalidation listener", slog.Any("error", err))
	}

	metrics := observability.NewMetrics()
	service := costing.NewService(costing.NewRepository(pool), catalog, logger, metrics, costing.Config{
		MaxDepth:          cfg.CostingMaxDepth,
		MaxHops:           cfg.CostingConversionMaxHops,
		RecalcConcurrency: cfg.CostingRecalcConcurrency,
	})
	recalculate := jobs.NewRecalculateJob(service, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedis(),
		Logger:      logger,
		Concurrency: cfg.CostingRecalcConcurrency,
		Handlers:    recalculate.Handlers(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
