package pnl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRepo records how often each store read is issued.
type countingRepo struct {
	Repository
	mu          sync.Mutex
	lineCalls   int
	returnCalls int
	costCalls   int
	lineQueries []LineQuery
}

func (c *countingRepo) ListSoldLines(ctx context.Context, q LineQuery) ([]OrderLine, error) {
	c.mu.Lock()
	c.lineCalls++
	c.lineQueries = append(c.lineQueries, q)
	c.mu.Unlock()
	return c.Repository.ListSoldLines(ctx, q)
}

func (c *countingRepo) ListReturnLines(ctx context.Context, q ReturnQuery) ([]ReturnLine, error) {
	c.mu.Lock()
	c.returnCalls++
	c.mu.Unlock()
	return c.Repository.ListReturnLines(ctx, q)
}

func (c *countingRepo) ListCostSnapshots(ctx context.Context, ids []string) ([]CostSnapshot, error) {
	c.mu.Lock()
	c.costCalls++
	c.mu.Unlock()
	return c.Repository.ListCostSnapshots(ctx, ids)
}

type failingRepo struct {
	*MemoryRepository
	err error
}

func (f failingRepo) ListReturnLines(context.Context, ReturnQuery) ([]ReturnLine, error) {
	return nil, f.err
}

// gatedRepo blocks line reads until release is closed.
type gatedRepo struct {
	*MemoryRepository
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) ListSoldLines(ctx context.Context, q LineQuery) ([]OrderLine, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryRepository.ListSoldLines(ctx, q)
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func boolPtr(v bool) *bool {
	return &v
}

// scenarioRepo holds one paid January sale of two units at 200 with a 40 unit
// cost, refunded 50 by a return request created at refundedAt.
func scenarioRepo(refundedAt time.Time) *MemoryRepository {
	repo := NewMemoryRepository()
	repo.AddCostSnapshots(CostSnapshot{VariantID: "v1", CreatedAt: day(2024, 1, 1), CogsUnit: dec("40"), VersionLabel: "v2024.1"})
	repo.AddOrder(Order{ID: "o1", CreatedAt: ts(2024, 1, 15, 9), PaymentStatus: "PAID"}, OrderLine{
		ID:          "i1",
		VariantID:   "v1",
		ProductID:   "p1",
		ProductName: "Arabica Beans 1kg",
		SKU:         "ARB-1KG",
		Quantity:    2,
		UnitPrice:   dec("100"),
		Subtotal:    dec("200"),
		Total:       dec("200"),
	})
	repo.AddReturn(ReturnRequest{ID: "rr1", CreatedAt: refundedAt}, ReturnLine{
		ID:          "ri1",
		OrderItemID: "i1",
		Quantity:    1,
		LineRefund:  dec("50"),
	})
	return repo
}

func TestComputeProfitSaleDateAttribution(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: scenarioRepo(day(2024, 1, 20))})

	report, err := svc.ComputeProfit(context.Background(), Params{
		Start:             day(2024, 1, 1),
		End:               day(2024, 1, 31),
		RefundAttribution: AttributeSaleDate,
	})
	require.NoError(t, err)

	assert.True(t, report.OK)
	assert.Equal(t, ReportRange{Start: "2024-01-01", End: "2024-01-31"}, report.Range)
	assert.Equal(t, GroupMonth, report.Group)
	assert.Equal(t, DimensionProduct, report.Dimension)
	assert.True(t, report.PaidOnly)
	require.Len(t, report.Rows, 1)

	row := report.Rows[0]
	assert.Equal(t, "2024-01", row.Bucket)
	assert.Equal(t, "p1", row.DimensionKey)
	assert.Equal(t, 2, row.Units)
	assert.Equal(t, 200.0, row.SalesNet)
	assert.Equal(t, 50.0, row.Refunds)
	assert.Equal(t, 80.0, row.COGS)
	assert.Equal(t, 70.0, row.GrossProfit)
	assert.InDelta(t, 46.67, row.MarginPct, 1e-9)
}

func TestComputeProfitRefundDateAttribution(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: scenarioRepo(day(2024, 2, 10))})

	report, err := svc.ComputeProfit(context.Background(), Params{
		Start:             day(2024, 1, 1),
		End:               day(2024, 2, 29),
		RefundAttribution: AttributeRefundDate,
	})
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)

	feb, jan := report.Rows[0], report.Rows[1]
	assert.Equal(t, "2024-02", feb.Bucket)
	assert.Equal(t, 50.0, feb.Refunds)
	assert.Equal(t, 0.0, feb.SalesNet)
	assert.Equal(t, 0.0, feb.COGS)
	assert.Equal(t, 0, feb.Units)

	assert.Equal(t, "2024-01", jan.Bucket)
	assert.Equal(t, 0.0, jan.Refunds)
	assert.Equal(t, 80.0, jan.COGS)
	assert.Equal(t, 120.0, jan.GrossProfit)

	assert.Equal(t, 70.0, report.Totals.GrossProfit)
	assert.InDelta(t, 46.67, report.Totals.MarginPct, 1e-9)
}

func TestComputeProfitRefundOutsideWindowIsExcluded(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: scenarioRepo(day(2024, 2, 10))})

	report, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, 0.0, report.Rows[0].Refunds)
	assert.Equal(t, 120.0, report.Rows[0].GrossProfit)
}

// mixedRepo spreads lines over several months, products and payment states.
func mixedRepo() *MemoryRepository {
	repo := NewMemoryRepository()
	repo.AddCostSnapshots(
		CostSnapshot{VariantID: "v1", CreatedAt: day(2024, 1, 1), CogsUnit: dec("12.40")},
		CostSnapshot{VariantID: "v1", CreatedAt: day(2024, 3, 1), CogsUnit: dec("13.10"), OverheadPerUnit: dec("0.75")},
		CostSnapshot{VariantID: "v2", CreatedAt: day(2024, 2, 15), CogsUnit: dec("7.05")},
	)
	statuses := []string{"PAID", "SETTLED", "PENDING", "captured", "FAILED"}
	for i := 0; i < 40; i++ {
		created := day(2024, 1, 1).Add(time.Duration(i) * 61 * time.Hour)
		variant := fmt.Sprintf("v%d", i%3+1)
		subtotal := dec(fmt.Sprintf("%d.%02d", 10+i*3, (i*17)%100))
		discount := dec(fmt.Sprintf("%d.%02d", i%4, (i*7)%100))
		if i%9 == 0 {
			discount = subtotal.Add(dec("5"))
		}
		line := OrderLine{
			ID:            fmt.Sprintf("item-%02d", i),
			VariantID:     variant,
			VariantTitle:  "Variant " + variant,
			ProductID:     fmt.Sprintf("p%d", i%2+1),
			ProductName:   fmt.Sprintf("Product %d", i%2+1),
			SKU:           "SKU-" + variant,
			Quantity:      i%4 + 1,
			Subtotal:      subtotal,
			DiscountTotal: discount,
			TaxTotal:      dec("1.10"),
			Total:         subtotal.Add(dec("1.10")),
		}
		if i%5 == 0 {
			line.BatchCode = fmt.Sprintf("LOT-%d", i%3)
		}
		if i%7 == 0 {
			frozen := dec("9.99")
			line.FrozenCostUnit = &frozen
		}
		repo.AddOrder(Order{ID: fmt.Sprintf("order-%02d", i), CreatedAt: created, PaymentStatus: statuses[i%len(statuses)]}, line)
		if i%6 == 0 {
			repo.AddReturn(ReturnRequest{ID: fmt.Sprintf("rr-%02d", i), CreatedAt: created.Add(36 * time.Hour)}, ReturnLine{
				ID:          fmt.Sprintf("ret-%02d", i),
				OrderItemID: line.ID,
				Quantity:    1,
				LineRefund:  dec("3.35"),
			})
		}
	}
	return repo
}

func expectedSalesNet(t *testing.T, repo *MemoryRepository, rng Range, paidOnly bool) float64 {
	t.Helper()
	lines, err := repo.ListSoldLines(context.Background(), LineQuery{StartAt: rng.StartAt, EndExclusive: rng.EndExclusive, PaidOnly: paidOnly})
	require.NoError(t, err)
	var total float64
	for _, line := range lines {
		total += line.SalesNet().InexactFloat64()
	}
	return total
}

func sumSalesNet(rows []Row) float64 {
	var total float64
	for _, row := range rows {
		total += row.SalesNet
	}
	return total
}

func TestComputeProfitConservesSalesNet(t *testing.T) {
	repo := mixedRepo()
	svc := NewService(ServiceConfig{Repo: repo})
	start, end := day(2024, 1, 1), day(2024, 3, 31)
	rng := ResolveRange(start, end)

	for _, paidOnly := range []bool{true, false} {
		want := expectedSalesNet(t, repo, rng, paidOnly)
		require.Greater(t, want, 0.0)
		for _, group := range []Granularity{GroupDay, GroupWeek, GroupMonth, GroupQuarter, GroupHalf, GroupYear, GroupTotal} {
			for _, dim := range []Dimension{DimensionProduct, DimensionVariant, DimensionBatch} {
				report, err := svc.ComputeProfit(context.Background(), Params{
					Start: start, End: end, Group: group, Dimension: dim, PaidOnly: boolPtr(paidOnly),
				})
				require.NoError(t, err)
				assert.InDelta(t, want, sumSalesNet(report.Rows), 0.005, "group=%s dimension=%s paid=%v", group, dim, paidOnly)
				assert.InDelta(t, report.Totals.SalesNet, sumSalesNet(report.Rows), 0.005)
			}
		}
	}
}

func TestComputeProfitGranularityConsistency(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: mixedRepo()})
	base := Params{Start: day(2024, 1, 1), End: day(2024, 3, 31), PaidOnly: boolPtr(false)}

	total := base
	total.Group = GroupTotal
	totalReport, err := svc.ComputeProfit(context.Background(), total)
	require.NoError(t, err)
	for _, row := range totalReport.Rows {
		assert.Equal(t, TotalBucket, row.Bucket)
	}

	monthly := base
	monthly.Group = GroupMonth
	monthReport, err := svc.ComputeProfit(context.Background(), monthly)
	require.NoError(t, err)

	assert.InDelta(t, sumSalesNet(totalReport.Rows), sumSalesNet(monthReport.Rows), 0.005)
}

func TestComputeProfitRangeBoundaries(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddOrder(Order{ID: "first", CreatedAt: day(2024, 1, 1), PaymentStatus: "PAID"},
		OrderLine{ID: "a", ProductID: "p1", Quantity: 1, Subtotal: dec("10")})
	repo.AddOrder(Order{ID: "last", CreatedAt: day(2024, 2, 1).Add(-time.Nanosecond), PaymentStatus: "PAID"},
		OrderLine{ID: "b", ProductID: "p1", Quantity: 1, Subtotal: dec("20")})
	repo.AddOrder(Order{ID: "after", CreatedAt: day(2024, 2, 1), PaymentStatus: "PAID"},
		OrderLine{ID: "c", ProductID: "p1", Quantity: 1, Subtotal: dec("40")})
	repo.AddOrder(Order{ID: "before", CreatedAt: day(2024, 1, 1).Add(-time.Nanosecond), PaymentStatus: "PAID"},
		OrderLine{ID: "d", ProductID: "p1", Quantity: 1, Subtotal: dec("80")})
	svc := NewService(ServiceConfig{Repo: repo})

	report, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.NoError(t, err)
	assert.Equal(t, 30.0, report.Totals.SalesNet)
	assert.Equal(t, 2, report.Totals.Units)
}

func TestComputeProfitIsIdempotent(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: mixedRepo()})
	params := Params{Start: day(2024, 1, 1), End: day(2024, 3, 31), Group: GroupWeek, Dimension: DimensionVariant}

	first, err := svc.ComputeProfit(context.Background(), params)
	require.NoError(t, err)
	second, err := svc.ComputeProfit(context.Background(), params)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestComputeProfitPaidFilter(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddOrder(Order{ID: "paid", CreatedAt: ts(2024, 1, 3, 0), PaymentStatus: "paid"},
		OrderLine{ID: "a", ProductID: "p1", Quantity: 1, Subtotal: dec("100")})
	repo.AddOrder(Order{ID: "pending", CreatedAt: ts(2024, 1, 4, 0), PaymentStatus: "PENDING"},
		OrderLine{ID: "b", ProductID: "p1", Quantity: 1, Subtotal: dec("60")})
	repo.AddReturn(ReturnRequest{ID: "rr", CreatedAt: ts(2024, 1, 9, 0)},
		ReturnLine{ID: "r1", OrderItemID: "b", Quantity: 1, LineRefund: dec("60")})
	svc := NewService(ServiceConfig{Repo: repo})
	params := Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	report, err := svc.ComputeProfit(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 100.0, report.Totals.SalesNet)
	assert.Equal(t, 0.0, report.Totals.Refunds, "refunds of unpaid orders follow their sales out")

	params.PaidOnly = boolPtr(false)
	report, err = svc.ComputeProfit(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, report.PaidOnly)
	assert.Equal(t, 160.0, report.Totals.SalesNet)
	assert.Equal(t, 60.0, report.Totals.Refunds)
}

func TestComputeProfitTagsCostSources(t *testing.T) {
	repo := NewMemoryRepository()
	frozen := dec("7.5")
	repo.AddCostSnapshots(CostSnapshot{VariantID: "v1", CreatedAt: day(2024, 1, 10), CogsUnit: dec("4")})
	repo.AddOrder(Order{ID: "o1", CreatedAt: ts(2024, 1, 5, 0), PaymentStatus: "PAID"},
		OrderLine{ID: "early", VariantID: "v1", ProductID: "p1", Quantity: 2, Subtotal: dec("30")},
		OrderLine{ID: "frozen", VariantID: "v1", ProductID: "p1", Quantity: 2, Subtotal: dec("30"), FrozenCostUnit: &frozen},
	)
	repo.AddOrder(Order{ID: "o2", CreatedAt: ts(2024, 1, 12, 0), PaymentStatus: "PAID"},
		OrderLine{ID: "late", VariantID: "v1", ProductID: "p1", Quantity: 1, Subtotal: dec("15")},
	)
	svc := NewService(ServiceConfig{Repo: repo})

	report, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	row := report.Rows[0]
	assert.Equal(t, map[string]int{"MISSING_COST": 1, "FROZEN": 1, "SNAPSHOT": 1}, row.CostSourceCounts)
	// 2 x 0 + 2 x 7.5 + 1 x 4
	assert.Equal(t, 19.0, row.COGS)
}

func TestComputeProfitBatchDimensionCapability(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddOrder(Order{ID: "o1", CreatedAt: ts(2024, 1, 5, 0), PaymentStatus: "PAID"},
		OrderLine{ID: "a", ProductID: "p1", Quantity: 1, Subtotal: dec("10"), BatchCode: "LOT-1", BatchID: "b1"},
		OrderLine{ID: "b", ProductID: "p1", Quantity: 1, Subtotal: dec("20")},
	)
	params := Params{Start: day(2024, 1, 1), End: day(2024, 1, 31), Dimension: DimensionBatch}

	supported := NewService(ServiceConfig{Repo: repo, Capabilities: Capabilities{SupportsBatchDimension: true}})
	report, err := supported.ComputeProfit(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, UnassignedBatch, report.Rows[0].DimensionKey)
	assert.Equal(t, "LOT-1", report.Rows[1].DimensionKey)

	degraded := NewService(ServiceConfig{Repo: repo})
	report, err = degraded.ComputeProfit(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, UnassignedBatch, report.Rows[0].DimensionKey)
	assert.Equal(t, 30.0, report.Rows[0].SalesNet)
}

func TestComputeProfitPagesWithLimit(t *testing.T) {
	repo := mixedRepo()
	params := Params{Start: day(2024, 1, 1), End: day(2024, 3, 31), PaidOnly: boolPtr(false)}

	full, err := NewService(ServiceConfig{Repo: repo}).ComputeProfit(context.Background(), params)
	require.NoError(t, err)

	counting := &countingRepo{Repository: repo}
	params.Limit = 3
	paged, err := NewService(ServiceConfig{Repo: counting}).ComputeProfit(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, full.Rows, paged.Rows)
	assert.Equal(t, full.Totals, paged.Totals)
	assert.Greater(t, counting.lineCalls, 1)
	assert.Equal(t, 1, counting.costCalls)
	for _, q := range counting.lineQueries {
		assert.Equal(t, 3, q.Limit)
	}
	assert.Nil(t, counting.lineQueries[0].After)
	assert.NotNil(t, counting.lineQueries[1].After)
}

func TestComputeProfitShardedMatchesSequential(t *testing.T) {
	repo := mixedRepo()
	params := Params{Start: day(2024, 1, 1), End: day(2024, 3, 31), Group: GroupWeek, Dimension: DimensionVariant, PaidOnly: boolPtr(false)}

	sequential, err := NewService(ServiceConfig{Repo: repo}).ComputeProfit(context.Background(), params)
	require.NoError(t, err)
	sharded, err := NewService(ServiceConfig{Repo: repo, ParallelThreshold: 5, Workers: 4}).ComputeProfit(context.Background(), params)
	require.NoError(t, err)

	a, err := json.Marshal(sequential)
	require.NoError(t, err)
	b, err := json.Marshal(sharded)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestComputeProfitRejectsInvalidParams(t *testing.T) {
	counting := &countingRepo{Repository: NewMemoryRepository()}
	svc := NewService(ServiceConfig{Repo: counting})

	_, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 2, 1), End: day(2024, 1, 1)})
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.NotErrorIs(t, err, ErrComputationFailed)

	_, err = svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 2), Group: "fortnight"})
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Zero(t, counting.lineCalls)
}

func TestComputeProfitStoreFailure(t *testing.T) {
	cause := errors.New("connection reset by peer")
	svc := NewService(ServiceConfig{Repo: failingRepo{MemoryRepository: scenarioRepo(day(2024, 1, 20)), err: cause}})

	report, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComputationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Report{}, report)
}

func TestComputeProfitCancelled(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: scenarioRepo(day(2024, 1, 20))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.ComputeProfit(ctx, Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComputationFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, report.OK)
	assert.Empty(t, report.Rows)
}

func newCachedService(t *testing.T, repo Repository, reg prometheus.Registerer) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	return NewService(ServiceConfig{Repo: repo, Cache: NewCache(client, time.Minute), Metrics: metrics}), mr
}

func TestComputeProfitCachesUntilBump(t *testing.T) {
	counting := &countingRepo{Repository: scenarioRepo(day(2024, 1, 20))}
	reg := prometheus.NewRegistry()
	svc, mr := newCachedService(t, counting, reg)
	ctx := context.Background()
	params := Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	first, err := svc.ComputeProfit(ctx, params)
	require.NoError(t, err)
	require.Equal(t, 1, counting.lineCalls)

	second, err := svc.ComputeProfit(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 1, counting.lineCalls, "second call is served from cache")
	assert.Equal(t, first, second)
	assert.True(t, mr.Exists("pnl:report:2024-01-01:2024-01-31:month:product:paid:refund_date:200:nobatch:1"))

	require.NoError(t, svc.Cache().Bump(ctx))
	_, err = svc.ComputeProfit(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 2, counting.lineCalls, "bump invalidates cached reports")

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.cacheHits.WithLabelValues("month", "product")))
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.metrics.cacheMisses.WithLabelValues("month", "product")))
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.metrics.costSources.WithLabelValues("SNAPSHOT")))
}

func TestComputeProfitDoesNotCacheFailures(t *testing.T) {
	cause := errors.New("statement timeout")
	svc, mr := newCachedService(t, failingRepo{MemoryRepository: scenarioRepo(day(2024, 1, 20)), err: cause}, prometheus.NewRegistry())

	_, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.ErrorIs(t, err, ErrComputationFailed)
	assert.Equal(t, []string{cacheVersionKey}, mr.Keys())
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.failures.WithLabelValues("month", "product")))
}

func TestComputeProfitSharedRunSurvivesOneCallerCancel(t *testing.T) {
	repo := &gatedRepo{
		MemoryRepository: scenarioRepo(day(2024, 1, 20)),
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	svc := NewService(ServiceConfig{Repo: repo, StoreTimeout: 5 * time.Second})
	params := Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := svc.ComputeProfit(ctxA, params)
		errA <- err
	}()
	<-repo.entered

	type result struct {
		report Report
		err    error
	}
	resB := make(chan result, 1)
	go func() {
		report, err := svc.ComputeProfit(context.Background(), params)
		resB <- result{report, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	err := <-errA
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrComputationFailed)

	close(repo.release)
	b := <-resB
	require.NoError(t, b.err)
	require.Len(t, b.report.Rows, 1)
	assert.Equal(t, 200.0, b.report.Rows[0].SalesNet)
}

func TestComputeProfitComputesThroughCacheOutage(t *testing.T) {
	counting := &countingRepo{Repository: scenarioRepo(day(2024, 1, 20))}
	svc, mr := newCachedService(t, counting, prometheus.NewRegistry())
	mr.Close()

	report, err := svc.ComputeProfit(context.Background(), Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, 70.0, report.Rows[0].GrossProfit)
	assert.Equal(t, 1, counting.lineCalls)
}

func TestComputeProfitRecomputesCorruptCacheEntry(t *testing.T) {
	counting := &countingRepo{Repository: scenarioRepo(day(2024, 1, 20))}
	svc, mr := newCachedService(t, counting, prometheus.NewRegistry())
	ctx := context.Background()
	params := Params{Start: day(2024, 1, 1), End: day(2024, 1, 31)}
	key := "pnl:report:2024-01-01:2024-01-31:month:product:paid:refund_date:200:nobatch:1"

	_, err := svc.ComputeProfit(ctx, params)
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, "{truncated"))

	report, err := svc.ComputeProfit(ctx, params)
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, 2, counting.lineCalls)

	stored, err := mr.Get(key)
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stored)))
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.cacheHits.WithLabelValues("day", "product").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(second.cacheHits.WithLabelValues("day", "product")))
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	assert.Nil(t, OpenCache(ctx, false, mr.Addr(), time.Minute, nil))

	c := OpenCache(ctx, true, mr.Addr(), time.Minute, nil)
	require.NotNil(t, c)
	t.Cleanup(func() { _ = c.Close() })
	ver, err := c.Version(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ver)

	down := miniredis.RunT(t)
	addr := down.Addr()
	down.Close()
	unreachable := OpenCache(ctx, true, addr, time.Minute, nil)
	assert.Nil(t, unreachable)
	assert.NoError(t, unreachable.Close())
}

func TestListenForInvalidationFollowsRemoteBumps(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, ver)
	require.NoError(t, cache.ListenForInvalidation(ctx, ""))

	mr.Publish(BumpChannel, "7")
	require.Eventually(t, func() bool {
		v, err := cache.Version(ctx)
		return err == nil && v == 7
	}, time.Second, 10*time.Millisecond)
}
