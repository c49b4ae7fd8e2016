package pnl

import (
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Finalize derives profit and margin for every cell, builds the totals row and
// orders rows by bucket desc, salesNet desc, dimension key asc.
func Finalize(agg *Aggregator) ([]Row, Totals) {
	rows := make([]Row, 0, agg.Len())
	var (
		units       int
		salesNet    = decimal.Zero
		refunds     = decimal.Zero
		cogs        = decimal.Zero
		grossProfit = decimal.Zero
	)
	for _, cells := range agg.buckets {
		for _, c := range cells {
			row, gp := finalizeCell(c)
			rows = append(rows, row)

			units += row.Units
			salesNet = salesNet.Add(c.salesNet.Round(2))
			refunds = refunds.Add(c.refunds.Round(2))
			cogs = cogs.Add(c.cogs.Round(2))
			grossProfit = grossProfit.Add(gp)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Bucket != rows[j].Bucket {
			return rows[i].Bucket > rows[j].Bucket
		}
		if rows[i].SalesNet != rows[j].SalesNet {
			return rows[i].SalesNet > rows[j].SalesNet
		}
		return rows[i].DimensionKey < rows[j].DimensionKey
	})

	salesNet = salesNet.Round(2)
	refunds = refunds.Round(2)
	grossProfit = grossProfit.Round(2)
	totals := Totals{
		Units:       units,
		SalesNet:    salesNet.InexactFloat64(),
		Refunds:     refunds.InexactFloat64(),
		COGS:        cogs.Round(2).InexactFloat64(),
		GrossProfit: grossProfit.InexactFloat64(),
		MarginPct:   margin(grossProfit, salesNet.Sub(refunds)).InexactFloat64(),
	}
	return rows, totals
}

func finalizeCell(c *cell) (Row, decimal.Decimal) {
	salesNet := c.salesNet.Round(2)
	refunds := c.refunds.Round(2)
	cogs := c.cogs.Round(2)
	netRevenue := salesNet.Sub(refunds)
	grossProfit := netRevenue.Sub(cogs).Round(2)

	sources := make(map[string]int, len(c.costSources))
	for source, n := range c.costSources {
		sources[string(source)] = n
	}
	meta := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		meta[k] = v
	}
	return Row{
		Bucket:           c.bucket,
		DimensionKey:     c.dimensionKey,
		Label:            c.label,
		Meta:             meta,
		Units:            c.units,
		SalesNet:         salesNet.InexactFloat64(),
		Tax:              c.tax.Round(2).InexactFloat64(),
		SalesGross:       c.salesGross.Round(2).InexactFloat64(),
		Refunds:          refunds.InexactFloat64(),
		COGS:             cogs.InexactFloat64(),
		GrossProfit:      grossProfit.InexactFloat64(),
		MarginPct:        margin(grossProfit, netRevenue).InexactFloat64(),
		CostSourceCounts: sources,
	}, grossProfit
}

// margin is computed from the given net revenue, never averaged across rows.
func margin(grossProfit, netRevenue decimal.Decimal) decimal.Decimal {
	if !netRevenue.IsPositive() {
		return decimal.Zero
	}
	return grossProfit.Div(netRevenue).Mul(hundred).Round(2)
}
