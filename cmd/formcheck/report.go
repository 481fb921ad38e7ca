package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdougie/formcheck/internal/metrics"
)

var reportSince time.Duration

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the performance report of recent jobs",
	Example: `  # Last day
  formcheck report

  # Last week
  formcheck report --since 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		to := time.Now()
		from := to.Add(-reportSince)
		records, err := st.results.ListMetrics(ctx, from)
		if err != nil {
			return err
		}

		agg := metrics.Aggregate(records, from, to)
		headerColor.Printf("formcheck: %d jobs since %s\n\n", agg.TotalJobs, from.Format(time.DateTime))
		if agg.TotalJobs == 0 {
			warnColor.Println("no jobs in this period")
			return nil
		}
		fmt.Print(metrics.FormatReport(agg))
		if agg.ErrorRate > 10 {
			badColor.Printf("\nerror rate %.1f%% is above 10%%\n", agg.ErrorRate)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().DurationVar(&reportSince, "since", 24*time.Hour, "report window")
	rootCmd.AddCommand(reportCmd)
}
