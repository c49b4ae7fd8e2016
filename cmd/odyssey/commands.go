package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-pnl/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-pnl/internal/app"
	"github.com/odyssey-erp/odyssey-pnl/jobs"
)

// exitCode carries a non-zero status out of a command that already reported
// its own failure.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

func newReportCommand() *cobra.Command {
	var (
		opts     cli.ReportOptions
		paidOnly bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compute a P&L report and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if cmd.Flags().Changed("paid-only") {
				opts.PaidOnly = &paidOnly
			}
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			reporter, err := cli.NewReportCLI(rt.service)
			if err != nil {
				return err
			}
			if code := reporter.ReportCommand(cmd.Context(), opts); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Start, "start", "", "first day of the range (YYYY-MM-DD)")
	flags.StringVar(&opts.End, "end", "", "last day of the range, inclusive (YYYY-MM-DD)")
	flags.StringVar(&opts.Group, "group", "", "day, week, month, quarter, half, year or total")
	flags.StringVar(&opts.Dimension, "dimension", "", "product, variant or batch")
	flags.StringVar(&opts.RefundAttribution, "refund-attribution", "", "refund_date or sale_date")
	flags.BoolVar(&paidOnly, "paid-only", true, "only count orders with a paid payment status")
	flags.IntVar(&opts.Limit, "limit", 0, "store page size")
	flags.BoolVar(&opts.JSONOutput, "json", false, "print the report as JSON")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newJobsCommand() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage the P&L background jobs",
	}

	var trigger cli.TriggerOptions
	triggerCmd := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Enqueue " + jobs.TaskPnLWarmup + " or " + jobs.TaskPnLCacheBump,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskPnLWarmup, jobs.TaskPnLCacheBump},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobsCLI(func(c *cli.JobsCLI) error {
				info, err := c.Trigger(cmd.Context(), args[0], trigger)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}
	triggerCmd.Flags().IntVar(&trigger.Months, "months", 0, "trailing months to warm")
	triggerCmd.Flags().StringSliceVar(&trigger.Dimensions, "dimensions", nil, "dimensions to warm")
	triggerCmd.Flags().StringVar(&trigger.Reason, "reason", "", "reason recorded with a cache bump")

	var size int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobsCLI(func(c *cli.JobsCLI) error {
				stats, err := c.InspectQueue(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d failed=%d\n",
					stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Failed)
				scheduled, err := c.ListScheduled(cmd.Context(), size)
				if err != nil {
					return err
				}
				for _, info := range scheduled {
					_, _ = fmt.Fprintf(out, " - %s %s at %s\n", info.ID, info.Type, info.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
				}
				return nil
			})
		},
	}
	statsCmd.Flags().IntVar(&size, "size", 10, "scheduled tasks to list")

	jobsCmd.AddCommand(triggerCmd, statsCmd)
	return jobsCmd
}

func withJobsCLI(fn func(*cli.JobsCLI) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() {
		if err := c.Close(); err != nil {
			slog.Default().Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	return fn(c)
}
