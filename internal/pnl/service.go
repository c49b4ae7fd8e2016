package pnl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultParallelThreshold = 20000
	defaultWorkers           = 4
)

// ServiceConfig collects the dependencies of a Service.
type ServiceConfig struct {
	Repo         Repository
	Cache        *Cache
	Logger       *slog.Logger
	Metrics      *Metrics
	Capabilities Capabilities
	// StoreTimeout bounds one computation's store reads on top of the caller's context.
	StoreTimeout time.Duration
	// ParallelThreshold is the line count above which aggregation is sharded.
	ParallelThreshold int
	Workers           int
}

// Service computes P&L reports. It holds no per-call state and only reads the store.
type Service struct {
	repo      Repository
	cache     *Cache
	logger    *slog.Logger
	metrics   *Metrics
	caps      Capabilities
	timeout   time.Duration
	threshold int
	workers   int
	flight    singleflight.Group
}

// NewService wires a Service from its config.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ParallelThreshold
	if threshold <= 0 {
		threshold = defaultParallelThreshold
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Service{
		repo:      cfg.Repo,
		cache:     cfg.Cache,
		logger:    logger.With(slog.String("component", "pnl")),
		metrics:   cfg.Metrics,
		caps:      cfg.Capabilities,
		timeout:   cfg.StoreTimeout,
		threshold: threshold,
		workers:   workers,
	}
}

// Cache exposes the report cache for invalidation.
func (s *Service) Cache() *Cache {
	return s.cache
}

// ComputeProfit validates params, then serves the report from cache or computes it.
// Failures wrap ErrInvalidParams or ErrComputationFailed and never carry a partial report.
func (s *Service) ComputeProfit(ctx context.Context, params Params) (Report, error) {
	p := params.WithDefaults()
	if err := p.Validate(); err != nil {
		return Report{}, err
	}

	key, cached := reportKey(p, s.caps), false
	if s.cache != nil {
		versioned, err := s.cache.BuildKey(ctx, key)
		if err != nil {
			s.logger.Warn("pnl cache unavailable, computing directly", slog.Any("error", err))
		} else {
			key, cached = versioned, true
		}
	}

	if cached {
		report, hit, err := s.cache.Lookup(ctx, key)
		if err != nil {
			s.logger.Warn("pnl cache read", slog.String("key", key), slog.Any("error", err))
		} else if hit {
			s.metrics.recordCache(p, true)
			return report, nil
		}
	}

	report, err := s.computeShared(ctx, key, p)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrComputationFailed, err)
	}
	if cached {
		s.metrics.recordCache(p, false)
		if err := s.cache.Store(ctx, key, report); err != nil {
			s.logger.Warn("pnl cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return report, nil
}

// computeShared collapses concurrent identical computations into one. The shared
// run is detached from any single caller's cancellation and bounded by the store
// timeout; each caller still returns as soon as its own ctx is done.
func (s *Service) computeShared(ctx context.Context, key string, p Params) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	shared := context.WithoutCancel(ctx)
	resultCh := s.flight.DoChan(key, func() (interface{}, error) {
		return s.compute(shared, p)
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	}
}

func (s *Service) compute(ctx context.Context, p Params) (report Report, err error) {
	start := time.Now()
	logger := s.logger.With(
		slog.String("run_id", uuid.NewString()),
		slog.String("group", string(p.Group)),
		slog.String("dimension", string(p.Dimension)),
	)
	defer func() {
		s.metrics.observeCompute(p, time.Since(start), err)
		if err != nil {
			logger.Error("pnl computation failed", slog.Any("error", err))
		}
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rng := ResolveRange(p.Start, p.End)

	var (
		lines   []OrderLine
		returns []ReturnLine
		costs   CostBook
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lines, err = s.ingestLines(gctx, rng, p)
		if err != nil {
			return err
		}
		costs, err = s.loadCostBook(gctx, lines)
		return err
	})
	g.Go(func() error {
		var err error
		returns, err = s.ingestReturns(gctx, rng, p)
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	agg, err := s.aggregate(ctx, p, lines, returns, costs)
	if err != nil {
		return Report{}, err
	}
	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("pnl: aggregate: %w", err)
	}

	rows, totals := Finalize(agg)
	report = Report{
		OK:                true,
		Range:             rng.reportRange(),
		Group:             p.Group,
		Dimension:         p.Dimension,
		PaidOnly:          p.IsPaidOnly(),
		RefundAttribution: p.RefundAttribution,
		Totals:            totals,
		Rows:              rows,
	}

	sources := make(map[string]int)
	for _, row := range rows {
		for source, n := range row.CostSourceCounts {
			sources[source] += n
		}
	}
	s.metrics.addCostSources(sources)
	if missing := agg.MissingCost(); missing > 0 {
		logger.Warn("lines priced without cost data", slog.Int("lines", missing))
	}
	logger.Info("pnl computed",
		slog.Int("lines", len(lines)),
		slog.Int("returns", len(returns)),
		slog.Int("rows", len(rows)),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

// aggregate folds lines, sharding across workers above the threshold, then
// folds refunds with the single owning Aggregator.
func (s *Service) aggregate(ctx context.Context, p Params, lines []OrderLine, returns []ReturnLine, costs CostBook) (*Aggregator, error) {
	newAgg := func() *Aggregator {
		return NewAggregator(p.Group, p.Dimension, p.RefundAttribution, costs)
	}

	var agg *Aggregator
	if len(lines) <= s.threshold || s.workers == 1 {
		agg = newAgg()
		for _, line := range lines {
			agg.AddLine(line)
		}
	} else {
		shards := splitShards(len(lines), s.workers)
		partials := make([]*Aggregator, len(shards))
		g, gctx := errgroup.WithContext(ctx)
		for i, shard := range shards {
			partials[i] = newAgg()
			part, lo, hi := partials[i], shard[0], shard[1]
			g.Go(func() error {
				for _, line := range lines[lo:hi] {
					part.AddLine(line)
				}
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("pnl: aggregate: %w", err)
		}
		agg = partials[0]
		for _, part := range partials[1:] {
			agg.Merge(part)
		}
	}

	for _, ret := range returns {
		agg.AddRefund(ret)
	}
	return agg, nil
}

// splitShards partitions n items into at most workers contiguous [lo, hi) ranges.
func splitShards(n, workers int) [][2]int {
	if n == 0 {
		return [][2]int{{0, 0}}
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	shards := make([][2]int, 0, workers)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		shards = append(shards, [2]int{lo, hi})
	}
	return shards
}
