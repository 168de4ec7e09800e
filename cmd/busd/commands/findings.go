package commands

import (
	"fmt"

	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/report"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/spf13/cobra"
)

var (
	findingsTask          string
	findingsTopic         string
	findingsMinConfidence float64
	findingsOutput        string
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List live findings",
	Long: `List findings that have not yet expired, oldest first.

Examples:
  busd findings
  busd findings --task T-42
  busd findings --topic cache --min-confidence 0.8 -o jsonl`,
	Args: cobra.NoArgs,
	RunE: runFindings,
}

func init() {
	findingsCmd.Flags().StringVar(&findingsTask, "task", "", "Only findings posted against this task")
	findingsCmd.Flags().StringVar(&findingsTopic, "topic", "", "Only findings tagged with this topic")
	findingsCmd.Flags().Float64Var(&findingsMinConfidence, "min-confidence", 0, "Only findings at or above this confidence")
	findingsCmd.Flags().StringVarP(&findingsOutput, "output", "o", "default", "Output format: default or jsonl")
	findingsCmd.MarkFlagsMutuallyExclusive("task", "topic")
	rootCmd.AddCommand(findingsCmd)
}

func runFindings(cmd *cobra.Command, args []string) error {
	if findingsOutput != "default" && findingsOutput != "jsonl" {
		return printer.Error("Invalid output format", fmt.Sprintf("Unknown format %q.", findingsOutput), []string{"Use default or jsonl"})
	}
	if findingsMinConfidence < 0 || findingsMinConfidence > 1 {
		return printer.Error("Invalid --min-confidence", fmt.Sprintf("%v is outside [0, 1].", findingsMinConfidence), nil)
	}

	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var findings []*bus.Finding
	switch {
	case findingsTask != "":
		findings, err = rt.client.FindingsForTask(ctx, findingsTask)
	case findingsTopic != "":
		findings, err = rt.client.FindingsForTopic(ctx, findingsTopic)
	default:
		findings, err = rt.client.ListFindings(ctx, nil)
	}
	if err != nil {
		return printer.Error("Failed to list findings", err.Error(), nil)
	}

	kept := findings[:0]
	for _, f := range findings {
		if f.Confidence >= findingsMinConfidence {
			kept = append(kept, f)
		}
	}

	if findingsOutput == "jsonl" {
		return report.JSONL(cmd.OutOrStdout(), kept)
	}
	report.Findings(cmd.OutOrStdout(), kept, rt.client.Clock().Now())
	return nil
}
