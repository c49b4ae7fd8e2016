package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-pnl/internal/jobs"
	"github.com/odyssey-erp/odyssey-pnl/internal/pnl"
)

type stubComputer struct {
	params []pnl.Params
	err    error
}

func (s *stubComputer) ComputeProfit(_ context.Context, params pnl.Params) (pnl.Report, error) {
	s.params = append(s.params, params)
	return pnl.Report{OK: s.err == nil}, s.err
}

type stubBumper struct {
	calls int
	err   error
}

func (s *stubBumper) Bump(context.Context) error {
	s.calls++
	return s.err
}

func newWarmupJob(svc ProfitComputer, months int, now time.Time) *PnLWarmupJob {
	job := NewPnLWarmupJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()), months)
	job.clock = func() time.Time { return now }
	return job
}

func TestPnLWarmupComputesEachDimension(t *testing.T) {
	svc := &stubComputer{}
	job := newWarmupJob(svc, 3, time.Date(2024, 3, 14, 16, 0, 0, 0, time.UTC))

	task, err := NewPnLWarmupTask(PnLWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, svc.params, 3)
	dims := make([]pnl.Dimension, 0, 3)
	for _, p := range svc.params {
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), p.Start)
		assert.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), p.End)
		assert.Equal(t, pnl.GroupMonth, p.Group)
		dims = append(dims, p.Dimension)
	}
	assert.Equal(t, []pnl.Dimension{pnl.DimensionProduct, pnl.DimensionVariant, pnl.DimensionBatch}, dims)
}

func TestPnLWarmupPayloadOverrides(t *testing.T) {
	svc := &stubComputer{}
	job := newWarmupJob(svc, 3, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))

	task, err := NewPnLWarmupTask(PnLWarmupPayload{Months: 12, Dimensions: []string{"variant"}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, svc.params, 1)
	assert.Equal(t, time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), svc.params[0].Start)
	assert.Equal(t, pnl.DimensionVariant, svc.params[0].Dimension)
}

func TestPnLWarmupRejectsBadPayload(t *testing.T) {
	svc := &stubComputer{}
	job := newWarmupJob(svc, 3, time.Now())

	err := job.Handle(context.Background(), asynq.NewTask(TaskPnLWarmup, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	data, _ := json.Marshal(PnLWarmupPayload{Dimensions: []string{"warehouse"}})
	err = job.Handle(context.Background(), asynq.NewTask(TaskPnLWarmup, data))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, svc.params)
}

func TestPnLWarmupStopsOnFailure(t *testing.T) {
	boom := errors.New("P&L computation failed")
	svc := &stubComputer{err: boom}
	job := newWarmupJob(svc, 1, time.Now())

	err := job.Handle(context.Background(), asynq.NewTask(TaskPnLWarmup, nil))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, svc.params, 1)
}

func TestWarmupWindowCrossesYear(t *testing.T) {
	start, end := warmupWindow(time.Date(2024, 2, 29, 23, 0, 0, 0, time.FixedZone("WIB", 7*3600)), 3)
	assert.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), end)
}

func TestPnLCacheBumpJob(t *testing.T) {
	bumper := &stubBumper{}
	job := &PnLCacheBumpJob{Cache: bumper, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	task, err := NewPnLCacheBumpTask(PnLCacheBumpPayload{Reason: "cogs snapshot import"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, bumper.calls)

	bumper.err = errors.New("redis down")
	assert.ErrorIs(t, job.Handle(context.Background(), task), bumper.err)

	var empty *PnLCacheBumpJob
	assert.Error(t, empty.Handle(context.Background(), task))
}

func TestPnLCacheBumpJobWithoutCache(t *testing.T) {
	job := &PnLCacheBumpJob{Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	task, err := NewPnLCacheBumpTask(PnLCacheBumpPayload{Reason: "manual"})
	require.NoError(t, err)
	assert.NoError(t, job.Handle(context.Background(), task))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestJobsHealth(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		code      int
		body      string
	}{
		{name: "no inspector", code: http.StatusOK, body: `{"queue":"default","pending":0,"active":0,"failed":0}`},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4, Active: 1, Failed: 2}}, code: http.StatusOK, body: `{"queue":"default","pending":4,"active":1,"failed":2}`},
		{name: "redis unavailable", inspector: stubInspector{err: errors.New("dial tcp")}, code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Route("/jobs", NewHandler(tc.inspector, nil).MountRoutes)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

			assert.Equal(t, tc.code, rec.Code)
			if tc.body != "" {
				assert.JSONEq(t, tc.body, rec.Body.String())
			}
		})
	}
}
