package pnl

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Cursor is a keyset position: the ordering instant and the row id that
// breaks ties between equal instants.
type Cursor struct {
	At time.Time
	ID string
}

// LineQuery selects sold lines whose order was created inside [StartAt, EndExclusive),
// ordered by (order created_at, line id), at most Limit rows after the cursor.
type LineQuery struct {
	StartAt      time.Time
	EndExclusive time.Time
	PaidOnly     bool
	IncludeBatch bool
	Limit        int
	After        *Cursor
}

// ReturnQuery selects return lines whose attribution instant falls inside
// [StartAt, EndExclusive), ordered by (attribution instant, return line id).
type ReturnQuery struct {
	StartAt      time.Time
	EndExclusive time.Time
	Attribution  RefundAttribution
	PaidOnly     bool
	IncludeBatch bool
	Limit        int
	After        *Cursor
}

// Repository is the read-only store contract the engine consumes.
type Repository interface {
	ListSoldLines(ctx context.Context, q LineQuery) ([]OrderLine, error)
	ListReturnLines(ctx context.Context, q ReturnQuery) ([]ReturnLine, error)
	// ListCostSnapshots returns every snapshot of the given variants, ascending by CreatedAt.
	ListCostSnapshots(ctx context.Context, variantIDs []string) ([]CostSnapshot, error)
}

func (s *Service) ingestLines(ctx context.Context, rng Range, p Params) ([]OrderLine, error) {
	q := LineQuery{
		StartAt:      rng.StartAt,
		EndExclusive: rng.EndExclusive,
		PaidOnly:     p.IsPaidOnly(),
		IncludeBatch: s.includeBatch(p),
		Limit:        p.Limit,
	}
	var lines []OrderLine
	for {
		page, err := s.repo.ListSoldLines(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("pnl: load lines: %w", err)
		}
		lines = append(lines, page...)
		if len(page) < q.Limit {
			return lines, nil
		}
		last := page[len(page)-1]
		q.After = &Cursor{At: last.OrderCreatedAt, ID: last.ID}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pnl: load lines: %w", err)
		}
	}
}

func (s *Service) ingestReturns(ctx context.Context, rng Range, p Params) ([]ReturnLine, error) {
	q := ReturnQuery{
		StartAt:      rng.StartAt,
		EndExclusive: rng.EndExclusive,
		Attribution:  p.RefundAttribution,
		PaidOnly:     p.IsPaidOnly(),
		IncludeBatch: s.includeBatch(p),
		Limit:        p.Limit,
	}
	var returns []ReturnLine
	for {
		page, err := s.repo.ListReturnLines(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("pnl: load returns: %w", err)
		}
		returns = append(returns, page...)
		if len(page) < q.Limit {
			return returns, nil
		}
		last := page[len(page)-1]
		q.After = &Cursor{At: last.AttributedAt(p.RefundAttribution), ID: last.ID}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pnl: load returns: %w", err)
		}
	}
}

func (s *Service) loadCostBook(ctx context.Context, lines []OrderLine) (CostBook, error) {
	ids := variantIDs(lines)
	if len(ids) == 0 {
		return CostBook{}, nil
	}
	snapshots, err := s.repo.ListCostSnapshots(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("pnl: load cost snapshots: %w", err)
	}
	return NewCostBook(snapshots), nil
}

// variantIDs returns the sorted distinct variants that still need timeline pricing.
func variantIDs(lines []OrderLine) []string {
	seen := make(map[string]struct{})
	for _, line := range lines {
		if line.VariantID == "" || line.FrozenCostUnit != nil {
			continue
		}
		seen[line.VariantID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) includeBatch(p Params) bool {
	return p.Dimension == DimensionBatch && s.caps.SupportsBatchDimension
}
