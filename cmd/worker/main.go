package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-pnl/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-pnl/internal/jobs"
	"github.com/odyssey-erp/odyssey-pnl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pnl/internal/pnl"
	"github.com/odyssey-erp/odyssey-pnl/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ApplicationName: "odyssey-pnl-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	reportCache := pnl.OpenCache(ctx, cfg.PnLCacheEnabled, cfg.RedisAddr, cfg.PnLCacheTTL, logger)
	defer func() {
		if err := reportCache.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := pnl.NewRepository(pool)
	caps := pnl.Capabilities{SupportsBatchDimension: cfg.PnLBatchDimension == app.BatchDimensionEnabled}
	if cfg.PnLBatchDimension == app.BatchDimensionAuto {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		caps, err = repo.ProbeCapabilities(probeCtx)
		cancel()
		if err != nil {
			logger.Error("probe capabilities", slog.Any("error", err))
			os.Exit(1)
		}
	}

	pnlMetrics, err := pnl.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("register pnl metrics", slog.Any("error", err))
		os.Exit(1)
	}
	service := pnl.NewService(pnl.ServiceConfig{
		Repo:              repo,
		Cache:             reportCache,
		Logger:            logger,
		Metrics:           pnlMetrics,
		Capabilities:      caps,
		StoreTimeout:      cfg.PnLStoreTimeout,
		ParallelThreshold: cfg.PnLParallelThreshold,
		Workers:           cfg.PnLWorkers,
	})

	jobMetrics := jobmetrics.NewMetrics(nil)
	warmupJob := jobs.NewPnLWarmupJob(service, logger, jobMetrics, cfg.PnLWarmupMonths)
	bumpJob := &jobs.PnLCacheBumpJob{Logger: logger, Metrics: jobMetrics}
	if reportCache != nil {
		bumpJob.Cache = reportCache
	}

	warmupTask, err := jobs.NewPnLWarmupTask(jobs.PnLWarmupPayload{Months: cfg.PnLWarmupMonths})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if reportCache != nil {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.PnLWarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.Unique(5 * time.Minute)}})
	} else {
		logger.Info("pnl warmup schedule skipped without report cache")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPnLWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskPnLCacheBump, Handler: bumpJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
