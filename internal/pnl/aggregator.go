package pnl

import (
	"github.com/shopspring/decimal"
)

// cell holds the running totals of one (bucket, dimension key) pair.
type cell struct {
	bucket       string
	dimensionKey string
	label        string
	meta         map[string]string
	units        int
	salesNet     decimal.Decimal
	tax          decimal.Decimal
	salesGross   decimal.Decimal
	refunds      decimal.Decimal
	cogs         decimal.Decimal
	costSources  map[CostSource]int
}

// Aggregator folds lines and refunds into bucket -> dimension key -> cell.
// It has a single owner; concurrent callers must each use their own instance
// and Merge the results.
type Aggregator struct {
	group       Granularity
	dimension   Dimension
	attribution RefundAttribution
	costs       CostBook
	buckets     map[string]map[string]*cell
	missingCost int
}

// NewAggregator builds an empty Aggregator.
func NewAggregator(group Granularity, dimension Dimension, attribution RefundAttribution, costs CostBook) *Aggregator {
	return &Aggregator{
		group:       group,
		dimension:   dimension,
		attribution: attribution,
		costs:       costs,
		buckets:     make(map[string]map[string]*cell),
	}
}

func (a *Aggregator) touch(bucket string, dim DimensionValue) *cell {
	rows, ok := a.buckets[bucket]
	if !ok {
		rows = make(map[string]*cell)
		a.buckets[bucket] = rows
	}
	c, ok := rows[dim.Key]
	if !ok {
		c = &cell{
			bucket:       bucket,
			dimensionKey: dim.Key,
			label:        dim.Label,
			meta:         dim.Meta,
			costSources:  make(map[CostSource]int),
		}
		rows[dim.Key] = c
	}
	return c
}

// AddLine folds one sold line, priced at its order instant.
func (a *Aggregator) AddLine(line OrderLine) {
	bucket := BucketKey(line.OrderCreatedAt, a.group)
	c := a.touch(bucket, DimensionOf(&line, a.dimension))
	quote := a.costs.UnitCost(line)
	qty := decimal.NewFromInt(int64(line.Quantity))

	c.units += line.Quantity
	c.salesNet = c.salesNet.Add(line.SalesNet())
	c.tax = c.tax.Add(line.TaxTotal)
	c.salesGross = c.salesGross.Add(line.Total)
	c.cogs = c.cogs.Add(qty.Mul(quote.Unit))
	c.costSources[quote.Source]++
	if quote.Source == CostSourceMissing {
		a.missingCost++
	}
}

// AddRefund folds one refund into the row of the line it refunds.
func (a *Aggregator) AddRefund(ret ReturnLine) {
	bucket := BucketKey(ret.AttributedAt(a.attribution), a.group)
	c := a.touch(bucket, DimensionOf(ret.Line, a.dimension))
	c.refunds = c.refunds.Add(ret.LineRefund)
}

// Merge sums other's cells into a. Labels and metadata of cells already present
// in a win, so merging partials in input order matches a sequential fold.
func (a *Aggregator) Merge(other *Aggregator) {
	if other == nil {
		return
	}
	for bucket, rows := range other.buckets {
		for _, src := range rows {
			dst := a.touch(bucket, DimensionValue{Key: src.dimensionKey, Label: src.label, Meta: src.meta})
			dst.units += src.units
			dst.salesNet = dst.salesNet.Add(src.salesNet)
			dst.tax = dst.tax.Add(src.tax)
			dst.salesGross = dst.salesGross.Add(src.salesGross)
			dst.refunds = dst.refunds.Add(src.refunds)
			dst.cogs = dst.cogs.Add(src.cogs)
			for source, n := range src.costSources {
				dst.costSources[source] += n
			}
		}
	}
	a.missingCost += other.missingCost
}

// Len returns the number of populated cells.
func (a *Aggregator) Len() int {
	n := 0
	for _, rows := range a.buckets {
		n += len(rows)
	}
	return n
}

// MissingCost returns how many lines were priced at zero for lack of cost data.
func (a *Aggregator) MissingCost() int {
	return a.missingCost
}
