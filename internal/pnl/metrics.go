package pnl

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes report computations. A nil *Metrics records nothing.
type Metrics struct {
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	costSources *prometheus.CounterVec
}

// NewMetrics registers the P&L collectors. Collectors that are already
// registered on reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := []string{"group", "dimension"}
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_pnl_cache_hits_total",
			Help: "Number of P&L reports served from cache.",
		}, labels),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_pnl_cache_miss_total",
			Help: "Number of P&L reports computed from the store.",
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_pnl_compute_duration_seconds",
			Help:    "Duration required to compute P&L reports.",
			Buckets: prometheus.DefBuckets,
		}, labels),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_pnl_compute_failures_total",
			Help: "Number of failed P&L computations.",
		}, labels),
		costSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_pnl_cost_source_lines_total",
			Help: "Sold lines priced per cost source.",
		}, []string{"source"}),
	}
	var err error
	m.cacheHits, err = registerCounter(reg, m.cacheHits)
	if err != nil {
		return nil, err
	}
	m.cacheMisses, err = registerCounter(reg, m.cacheMisses)
	if err != nil {
		return nil, err
	}
	m.failures, err = registerCounter(reg, m.failures)
	if err != nil {
		return nil, err
	}
	m.costSources, err = registerCounter(reg, m.costSources)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(m.duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("pnl metrics: unexpected collector type %T", already.ExistingCollector)
		}
		m.duration = existing
	}
	return m, nil
}

func registerCounter(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("pnl metrics: unexpected collector type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return vec, nil
}

func (m *Metrics) recordCache(p Params, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.WithLabelValues(string(p.Group), string(p.Dimension)).Inc()
		return
	}
	m.cacheMisses.WithLabelValues(string(p.Group), string(p.Dimension)).Inc()
}

func (m *Metrics) observeCompute(p Params, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.WithLabelValues(string(p.Group), string(p.Dimension)).Inc()
		return
	}
	m.duration.WithLabelValues(string(p.Group), string(p.Dimension)).Observe(d.Seconds())
}

func (m *Metrics) addCostSources(counts map[string]int) {
	if m == nil {
		return
	}
	for source, n := range counts {
		m.costSources.WithLabelValues(source).Add(float64(n))
	}
}
