package pnl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Order is the parent of sold lines in the in-memory store.
type Order struct {
	ID            string
	CreatedAt     time.Time
	PaymentStatus string
}

// ReturnRequest groups refunded lines under the refund's own timestamp.
type ReturnRequest struct {
	ID        string
	CreatedAt time.Time
}

// MemoryRepository is a Repository over in-process slices. It applies the same
// range, paid-status, ordering and keyset rules as the Postgres repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	orders    map[string]Order
	items     []OrderLine
	requests  map[string]ReturnRequest
	returns   []ReturnLine
	snapshots []CostSnapshot
}

// NewMemoryRepository constructs an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:   make(map[string]Order),
		requests: make(map[string]ReturnRequest),
	}
}

// AddOrder stores an order with its lines. Order fields are copied onto each line.
func (m *MemoryRepository) AddOrder(order Order, lines ...OrderLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
	for _, line := range lines {
		line.OrderID = order.ID
		line.OrderCreatedAt = order.CreatedAt
		line.PaymentStatus = order.PaymentStatus
		if line.CreatedAt.IsZero() {
			line.CreatedAt = order.CreatedAt
		}
		m.items = append(m.items, line)
	}
}

// AddReturn stores a return request and its lines. Lines reference order items by OrderItemID.
func (m *MemoryRepository) AddReturn(req ReturnRequest, lines ...ReturnLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req
	for _, line := range lines {
		line.ReturnRequestID = req.ID
		line.RefundedAt = req.CreatedAt
		line.Line = nil
		m.returns = append(m.returns, line)
	}
}

// AddCostSnapshots appends cost snapshots.
func (m *MemoryRepository) AddCostSnapshots(snapshots ...CostSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshots...)
}

// ListSoldLines implements Repository.
func (m *MemoryRepository) ListSoldLines(ctx context.Context, q LineQuery) ([]OrderLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]OrderLine, 0)
	for _, line := range m.items {
		if !inWindow(line.OrderCreatedAt, q.StartAt, q.EndExclusive) {
			continue
		}
		if q.PaidOnly && !IsPaidStatus(line.PaymentStatus) {
			continue
		}
		if q.After != nil && !afterCursor(line.OrderCreatedAt, line.ID, *q.After) {
			continue
		}
		if !q.IncludeBatch {
			line.BatchID, line.BatchCode = "", ""
		}
		matched = append(matched, line)
	}
	sort.Slice(matched, func(i, j int) bool {
		return cursorLess(matched[i].OrderCreatedAt, matched[i].ID, matched[j].OrderCreatedAt, matched[j].ID)
	})
	return limitSlice(matched, q.Limit), nil
}

// ListReturnLines implements Repository.
func (m *MemoryRepository) ListReturnLines(ctx context.Context, q ReturnQuery) ([]ReturnLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]ReturnLine, 0)
	for _, ret := range m.returns {
		ret.Line = m.itemLocked(ret.OrderItemID, q.IncludeBatch)
		if q.PaidOnly && (ret.Line == nil || !IsPaidStatus(ret.Line.PaymentStatus)) {
			continue
		}
		at := ret.AttributedAt(q.Attribution)
		if !inWindow(at, q.StartAt, q.EndExclusive) {
			continue
		}
		if q.After != nil && !afterCursor(at, ret.ID, *q.After) {
			continue
		}
		matched = append(matched, ret)
	}
	sort.Slice(matched, func(i, j int) bool {
		return cursorLess(matched[i].AttributedAt(q.Attribution), matched[i].ID, matched[j].AttributedAt(q.Attribution), matched[j].ID)
	})
	return limitSlice(matched, q.Limit), nil
}

// ListCostSnapshots implements Repository.
func (m *MemoryRepository) ListCostSnapshots(ctx context.Context, variantIDs []string) ([]CostSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		wanted[id] = struct{}{}
	}
	out := make([]CostSnapshot, 0)
	for _, snap := range m.snapshots {
		if _, ok := wanted[snap.VariantID]; ok {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) itemLocked(id string, includeBatch bool) *OrderLine {
	for _, line := range m.items {
		if line.ID == id {
			if !includeBatch {
				line.BatchID, line.BatchCode = "", ""
			}
			return &line
		}
	}
	return nil
}

func inWindow(t, start, endExclusive time.Time) bool {
	return !t.Before(start) && t.Before(endExclusive)
}

func cursorLess(at time.Time, id string, otherAt time.Time, otherID string) bool {
	if !at.Equal(otherAt) {
		return at.Before(otherAt)
	}
	return id < otherID
}

func afterCursor(at time.Time, id string, c Cursor) bool {
	return cursorLess(c.At, c.ID, at, id)
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
