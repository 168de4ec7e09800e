package commands

import (
	"fmt"

	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/report"
	"github.com/dyluth/agentbus/internal/timespec"
	"github.com/dyluth/agentbus/pkg/conflict"
	"github.com/spf13/cobra"
)

var (
	metricsCached bool
	metricsOutput string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics [DAY]",
	Short: "Show conflict metrics for one day",
	Long: `Compute conflict metrics for the conflicts created on one day (UTC):
totals by level and status, decision distribution, resolution time and the
topic clusters involved. The result is cached for a week.

DAY may be "today" (default), "yesterday", a date like 2026-10-15, or a
duration such as 48h meaning that long ago.

Examples:
  busd metrics
  busd metrics yesterday -o json
  busd metrics 2026-10-01 --cached`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMetrics,
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsCached, "cached", false, "Read the cached result instead of recomputing")
	metricsCmd.Flags().StringVarP(&metricsOutput, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	if metricsOutput != "default" && metricsOutput != "json" {
		return printer.Error("Invalid output format", fmt.Sprintf("Unknown format %q.", metricsOutput), []string{"Use default or json"})
	}

	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	spec := ""
	if len(args) == 1 {
		spec = args[0]
	}
	day, err := timespec.ParseDate(spec, rt.client.Clock().Now())
	if err != nil {
		return printer.Error("Invalid day", err.Error(), nil)
	}

	wf, err := rt.workflow()
	if err != nil {
		return err
	}

	var m *conflict.Metrics
	if metricsCached {
		m, err = wf.CachedMetrics(ctx, day)
		if err == nil && m == nil {
			return printer.ErrorWithContext("No cached metrics", "Metrics for this day have not been computed in the last week.",
				map[string]string{"Day": day}, []string{"Run without --cached to compute them"})
		}
	} else {
		m, err = wf.ComputeMetrics(ctx, day)
	}
	if err != nil {
		return printer.Error("Failed to compute metrics", err.Error(), nil)
	}

	if metricsOutput == "json" {
		return report.JSON(cmd.OutOrStdout(), m)
	}
	report.Metrics(cmd.OutOrStdout(), m)
	return nil
}
