package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pnl/internal/jobs"
	"github.com/odyssey-erp/odyssey-pnl/internal/pnl"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultWarmupMonths = 3

// ProfitComputer is the part of the P&L service the warmup drives.
type ProfitComputer interface {
	ComputeProfit(ctx context.Context, params pnl.Params) (pnl.Report, error)
}

// CacheBumper invalidates cached reports.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// PnLWarmupJob precomputes monthly P&L reports for the trailing months so the
// first dashboard hit after a cache bump is served warm.
type PnLWarmupJob struct {
	Service ProfitComputer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Months  int
	clock   func() time.Time
}

// NewPnLWarmupJob wires dependencies for the warmup handler.
func NewPnLWarmupJob(service ProfitComputer, logger *slog.Logger, metrics *jobmetrics.Metrics, months int) *PnLWarmupJob {
	return &PnLWarmupJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		Months:  months,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskPnLWarmup tasks.
func (j *PnLWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("pnl warmup: handler not configured")
	}
	var payload PnLWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("pnl warmup: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	dimensions, err := warmupDimensions(payload.Dimensions)
	if err != nil {
		return fmt.Errorf("pnl warmup: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track("pnl_warmup")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	months := payload.Months
	if months <= 0 {
		months = j.Months
	}
	if months <= 0 {
		months = defaultWarmupMonths
	}
	start, end := warmupWindow(j.now(), months)
	logger := j.logger().With(
		slog.String("start", start.Format("2006-01-02")),
		slog.String("end", end.Format("2006-01-02")),
	)
	logger.Info("starting pnl warmup", slog.Int("dimensions", len(dimensions)))

	began := time.Now()
	for _, dim := range dimensions {
		if _, err := j.Service.ComputeProfit(ctx, pnl.Params{
			Start:     start,
			End:       end,
			Group:     pnl.GroupMonth,
			Dimension: dim,
		}); err != nil {
			logger.Error("warm dimension", slog.String("dimension", string(dim)), slog.Any("error", err))
			return err
		}
		j.metrics().AddWarmed(string(dim), 1)
	}
	logger.Info("completed pnl warmup", slog.Duration("duration", time.Since(began)))
	return nil
}

// warmupWindow spans the first day of the month months-1 back through today.
func warmupWindow(now time.Time, months int) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	return start, end
}

func warmupDimensions(raw []string) ([]pnl.Dimension, error) {
	if len(raw) == 0 {
		return []pnl.Dimension{pnl.DimensionProduct, pnl.DimensionVariant, pnl.DimensionBatch}, nil
	}
	out := make([]pnl.Dimension, 0, len(raw))
	for _, value := range raw {
		switch dim := pnl.Dimension(value); dim {
		case pnl.DimensionProduct, pnl.DimensionVariant, pnl.DimensionBatch:
			out = append(out, dim)
		default:
			return nil, fmt.Errorf("unknown dimension %q", value)
		}
	}
	return out, nil
}

func (j *PnLWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPnLWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPnLWarmup))
}

func (j *PnLWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PnLWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// PnLCacheBumpJob invalidates cached reports after upstream data changes.
type PnLCacheBumpJob struct {
	Cache   CacheBumper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskPnLCacheBump tasks.
func (j *PnLCacheBumpJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("pnl cache bump: handler not configured")
	}
	var payload PnLCacheBumpPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("pnl cache bump: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskPnLCacheBump), slog.String("reason", payload.Reason))
	if j.Cache == nil {
		logger.Info("pnl report cache disabled, bump skipped")
		return nil
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track("pnl_cache_bump")
	err := j.Cache.Bump(ctx)
	if err != nil {
		logger.Error("bump pnl cache", slog.Any("error", err))
	} else {
		logger.Info("pnl cache bumped")
	}
	return tracker.End(err)
}
