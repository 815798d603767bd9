package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/pharmacore/internal/app"
	jobmetrics "github.com/odyssey-erp/pharmacore/internal/jobs"
	"github.com/odyssey-erp/pharmacore/internal/observability"
	"github.com/odyssey-erp/pharmacore/internal/platform/cache"
	"github.com/odyssey-erp/pharmacore/internal/platform/db"
	"github.com/odyssey-erp/pharmacore/jobs"
)

func main() {
	if app.SkipStartup(nil, "worker") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The worker cannot run without Redis: asynq and the sweep lock live there.
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

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	services := app.NewServices(app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	})
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("close services", slog.Any("error", err))
		}
	}()

	schedule, err := jobs.DefaultSchedule()
	if err != nil {
		logger.Error("build schedule", slog.Any("error", err))
		os.Exit(1)
	}
	workerCfg := jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Cron:      schedule,
	}
	jobs.Register(&workerCfg,
		jobs.NewExpirySweepJob(services.Inventory, redislock.New(redisClient), logger, jobMetrics),
		jobs.NewNearExpiryCheckJob(services.Inventory, services.Audit, logger, jobMetrics),
		jobs.NewITCReversalJob(services.Purchasing, logger, jobMetrics),
		jobs.NewIdempotencyCleanupJob(services.Idempotency, logger, jobMetrics),
	)

	worker, err := jobs.NewWorker(workerCfg)
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("jobs", len(workerCfg.Handlers)))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
