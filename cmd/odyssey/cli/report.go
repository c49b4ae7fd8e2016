package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pnl/internal/pnl"
)

// ProfitComputer runs a single P&L computation.
type ProfitComputer interface {
	ComputeProfit(ctx context.Context, params pnl.Params) (pnl.Report, error)
}

// ReportCLI prints P&L reports from the command line.
type ReportCLI struct {
	service ProfitComputer
}

// NewReportCLI constructs the report helper.
func NewReportCLI(service ProfitComputer) (*ReportCLI, error) {
	if service == nil {
		return nil, errors.New("report cli: service required")
	}
	return &ReportCLI{service: service}, nil
}

// ReportOptions mirrors the flags of the report command. Empty values keep the
// service defaults.
type ReportOptions struct {
	Start             string
	End               string
	Group             string
	Dimension         string
	RefundAttribution string
	PaidOnly          *bool
	Limit             int
	JSONOutput        bool
	Stdout            io.Writer
	Stderr            io.Writer
}

// ReportCommand computes a report and prints it. Exit code 2 flags bad input,
// 1 a failed computation and 10 a report with lines priced without any cost.
func (c *ReportCLI) ReportCommand(ctx context.Context, opts ReportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	start, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.Start))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "pnl report: invalid --start %q (expected YYYY-MM-DD)\n", opts.Start)
		return 2
	}
	end, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.End))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "pnl report: invalid --end %q (expected YYYY-MM-DD)\n", opts.End)
		return 2
	}
	params := pnl.Params{
		Start:             start,
		End:               end,
		Group:             pnl.Granularity(strings.ToLower(opts.Group)),
		Dimension:         pnl.Dimension(strings.ToLower(opts.Dimension)),
		RefundAttribution: pnl.RefundAttribution(strings.ToLower(opts.RefundAttribution)),
		PaidOnly:          opts.PaidOnly,
		Limit:             opts.Limit,
	}

	report, err := c.service.ComputeProfit(ctx, params)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "pnl report: %v\n", err)
		if errors.Is(err, pnl.ErrInvalidParams) {
			return 2
		}
		return 1
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "pnl report: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReportHuman(opts.Stdout, report)
	}
	if missingCostRows(report) > 0 {
		return 10
	}
	return 0
}

func missingCostRows(report pnl.Report) int {
	n := 0
	for _, row := range report.Rows {
		if row.CostSourceCounts[string(pnl.CostSourceMissing)] > 0 {
			n++
		}
	}
	return n
}

func renderReportHuman(out io.Writer, report pnl.Report) {
	paid := "all orders"
	if report.PaidOnly {
		paid = "paid orders"
	}
	_, _ = fmt.Fprintf(out, "P&L %s to %s by %s/%s (%s, refunds by %s)\n",
		report.Range.Start, report.Range.End, report.Group, report.Dimension, paid, report.RefundAttribution)
	if len(report.Rows) == 0 {
		_, _ = fmt.Fprintln(out, "No sales or refunds in range.")
	}
	for _, row := range report.Rows {
		_, _ = fmt.Fprintf(out, "%-10s %-24s units=%d net=%.2f refunds=%.2f cogs=%.2f profit=%.2f margin=%.2f%%\n",
			row.Bucket, row.DimensionKey, row.Units, row.SalesNet, row.Refunds, row.COGS, row.GrossProfit, row.MarginPct)
	}
	t := report.Totals
	_, _ = fmt.Fprintf(out, "Total units=%d net=%.2f refunds=%.2f cogs=%.2f profit=%.2f margin=%.2f%%\n",
		t.Units, t.SalesNet, t.Refunds, t.COGS, t.GrossProfit, t.MarginPct)
	if n := missingCostRows(report); n > 0 {
		_, _ = fmt.Fprintf(out, "%d row(s) include lines without a cost.\n", n)
	}
}
