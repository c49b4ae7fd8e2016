package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pnl/internal/app"
	"github.com/odyssey-erp/odyssey-pnl/internal/observability"
	"github.com/odyssey-erp/odyssey-pnl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pnl/internal/pnl"
	pnlhttp "github.com/odyssey-erp/odyssey-pnl/internal/pnl/http"
	"github.com/odyssey-erp/odyssey-pnl/jobs"
)

// deps holds the process-wide dependencies shared by the commands.
type deps struct {
	cfg     *app.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	cache   *pnl.Cache
	metrics *observability.Metrics
	service *pnl.Service
}

func (rt *deps) Close() {
	if err := rt.cache.Close(); err != nil {
		rt.logger.Warn("redis close", slog.Any("error", err))
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

// bootstrap connects the stores and builds the P&L service. Redis is optional;
// without it reports are computed on every call.
func bootstrap(ctx context.Context) (*deps, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	rt := &deps{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	rt.pool, err = db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ApplicationName: "odyssey-pnl"})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rt.cache = pnl.OpenCache(ctx, cfg.PnLCacheEnabled, cfg.RedisAddr, cfg.PnLCacheTTL, logger)

	pnlMetrics, err := pnl.NewMetrics(rt.metrics.Registerer())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("register pnl metrics: %w", err)
	}

	repo := pnl.NewRepository(rt.pool)
	caps, err := resolveCapabilities(ctx, cfg, repo)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("probe capabilities: %w", err)
	}
	logger.Info("pnl capabilities resolved",
		slog.String("mode", cfg.PnLBatchDimension),
		slog.Bool("batch_dimension", caps.SupportsBatchDimension))

	rt.service = pnl.NewService(pnl.ServiceConfig{
		Repo:              repo,
		Cache:             rt.cache,
		Logger:            logger,
		Metrics:           pnlMetrics,
		Capabilities:      caps,
		StoreTimeout:      cfg.PnLStoreTimeout,
		ParallelThreshold: cfg.PnLParallelThreshold,
		Workers:           cfg.PnLWorkers,
	})
	return rt, nil
}

func resolveCapabilities(ctx context.Context, cfg *app.Config, repo *pnl.PGRepository) (pnl.Capabilities, error) {
	switch cfg.PnLBatchDimension {
	case app.BatchDimensionEnabled:
		return pnl.Capabilities{SupportsBatchDimension: true}, nil
	case app.BatchDimensionDisabled:
		return pnl.Capabilities{}, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return repo.ProbeCapabilities(probeCtx)
}

func serve(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.cfg, rt.logger

	if c := rt.service.Cache(); c != nil {
		if err := c.ListenForInvalidation(ctx, pnl.BumpChannel); err != nil {
			logger.Warn("pnl cache invalidation listener", slog.Any("error", err))
		}
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		PnLHandler: pnlhttp.NewHandler(logger, rt.service),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    rt.metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
