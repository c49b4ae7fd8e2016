package pnl

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CostQuote is a resolved unit cost.
type CostQuote struct {
	Unit   decimal.Decimal
	Source CostSource
	Label  string
}

// CostTimeline is the step function of one variant's unit cost over time.
type CostTimeline struct {
	snapshots []CostSnapshot
}

// NewCostTimeline copies and orders snapshots ascending by CreatedAt.
func NewCostTimeline(snapshots []CostSnapshot) *CostTimeline {
	ordered := make([]CostSnapshot, len(snapshots))
	copy(ordered, snapshots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return &CostTimeline{snapshots: ordered}
}

// Len returns the number of snapshots.
func (t *CostTimeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.snapshots)
}

// CostAt returns the latest snapshot with CreatedAt <= at. A snapshot taken
// after at is never selected.
func (t *CostTimeline) CostAt(at time.Time) (CostQuote, bool) {
	if t == nil || len(t.snapshots) == 0 {
		return CostQuote{}, false
	}
	// first index strictly after at
	idx := sort.Search(len(t.snapshots), func(i int) bool {
		return t.snapshots[i].CreatedAt.After(at)
	})
	if idx == 0 {
		return CostQuote{}, false
	}
	snap := t.snapshots[idx-1]
	return CostQuote{
		Unit:   snap.CogsUnit.Add(snap.OverheadPerUnit).Round(2),
		Source: CostSourceSnapshot,
		Label:  snap.VersionLabel,
	}, true
}

// CostBook indexes cost timelines by variant id.
type CostBook map[string]*CostTimeline

// NewCostBook groups snapshots per variant.
func NewCostBook(snapshots []CostSnapshot) CostBook {
	grouped := make(map[string][]CostSnapshot)
	for _, snap := range snapshots {
		if snap.VariantID == "" {
			continue
		}
		grouped[snap.VariantID] = append(grouped[snap.VariantID], snap)
	}
	book := make(CostBook, len(grouped))
	for variantID, snaps := range grouped {
		book[variantID] = NewCostTimeline(snaps)
	}
	return book
}

// UnitCost prices a line: frozen sale-time cost first, then the variant
// timeline at the order instant, else zero tagged MISSING_COST.
func (b CostBook) UnitCost(line OrderLine) CostQuote {
	if line.FrozenCostUnit != nil {
		source := CostSource(line.CostSource)
		if source == "" {
			source = CostSourceFrozen
		}
		return CostQuote{Unit: *line.FrozenCostUnit, Source: source}
	}
	if line.VariantID != "" {
		if quote, ok := b[line.VariantID].CostAt(line.OrderCreatedAt); ok {
			return quote
		}
	}
	return CostQuote{Unit: decimal.Zero, Source: CostSourceMissing}
}
