package commands

import (
	"fmt"
	"strings"

	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/report"
	"github.com/dyluth/agentbus/pkg/conflict"
	"github.com/spf13/cobra"
)

var (
	reviewLevel    string
	reviewOutput   string
	scanTask       string
	scanTopic      string
	reviewReviewer string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List conflicts waiting for human review",
	Long: `List the conflict review queue, most severe level first.

Output Formats:
  default - Table with level, status, confidence delta and cluster
  jsonl   - One conflict per line

Examples:
  # Everything pending
  busd review

  # Only critical conflicts, as JSONL
  busd review --level CRITICAL -o jsonl`,
	RunE: runReview,
}

var reviewScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Detect conflicts among findings and queue them for review",
	Long: `Run conflict detection over the findings of one task or one topic and
queue every new conflict. Rescanning is safe; known conflicts are skipped.

Examples:
  busd review scan --task 5f0c...
  busd review scan --topic cache`,
	RunE: runReviewScan,
}

var reviewStartCmd = &cobra.Command{
	Use:   "start CONFLICT_ID",
	Short: "Mark a pending conflict as under human review",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewStart,
}

func init() {
	reviewCmd.Flags().StringVarP(&reviewLevel, "level", "l", "", "Only this level: LOW, MEDIUM, HIGH or CRITICAL")
	reviewCmd.Flags().StringVarP(&reviewOutput, "output", "o", "default", "Output format: default or jsonl")

	reviewScanCmd.Flags().StringVar(&scanTask, "task", "", "Scan findings for this task id")
	reviewScanCmd.Flags().StringVar(&scanTopic, "topic", "", "Scan findings tagged with this topic")
	reviewScanCmd.MarkFlagsMutuallyExclusive("task", "topic")
	reviewScanCmd.MarkFlagsOneRequired("task", "topic")

	reviewStartCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "Who is reviewing (required)")
	reviewStartCmd.MarkFlagRequired("reviewer")

	reviewCmd.AddCommand(reviewScanCmd, reviewStartCmd)
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	level := conflict.Level(strings.ToUpper(reviewLevel))
	if level != "" {
		if err := level.Validate(); err != nil {
			return printer.Error("Invalid level", err.Error(), []string{"Use LOW, MEDIUM, HIGH or CRITICAL"})
		}
	}
	if reviewOutput != "default" && reviewOutput != "jsonl" {
		return printer.Error("Invalid output format", fmt.Sprintf("Unknown format %q.", reviewOutput), []string{"Use default or jsonl"})
	}

	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	wf, err := rt.workflow()
	if err != nil {
		return err
	}

	ids, err := wf.GetReviewQueue(ctx, level)
	if err != nil {
		return printer.Error("Failed to read review queue", err.Error(), nil)
	}
	pairs := make([]*conflict.Pair, 0, len(ids))
	for _, id := range ids {
		p, err := wf.GetConflict(ctx, id)
		if err != nil {
			return printer.Error("Failed to read conflict", err.Error(), nil)
		}
		if p != nil {
			pairs = append(pairs, p)
		}
	}

	out := cmd.OutOrStdout()
	if reviewOutput == "jsonl" {
		return report.JSONL(out, pairs)
	}
	report.Conflicts(out, pairs, rt.client.Clock().Now(), func(kind, v string) string {
		if kind == "level" {
			return printer.Level(v)
		}
		return printer.Status(v)
	})
	return nil
}

func runReviewScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	wf, err := rt.workflow()
	if err != nil {
		return err
	}

	var (
		queued int
		scope  string
	)
	if scanTask != "" {
		scope = "task " + scanTask
		queued, err = wf.ScanTask(ctx, scanTask)
	} else {
		scope = "topic " + scanTopic
		queued, err = wf.ScanTopic(ctx, scanTopic)
	}
	if err != nil {
		return printer.Error("Conflict scan failed", err.Error(), nil)
	}

	printer.Success("Queued %d new %s for %s\n", queued, pluralize(queued, "conflict"), scope)
	return nil
}

func runReviewStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	wf, err := rt.workflow()
	if err != nil {
		return err
	}

	ok, err := wf.StartReview(ctx, args[0], reviewReviewer)
	if err != nil {
		return printer.Error("Failed to start review", err.Error(), nil)
	}
	if !ok {
		return printer.ErrorWithContext("Conflict is not pending", "It does not exist or someone already picked it up.",
			map[string]string{"Conflict": args[0]}, []string{"Run 'busd review' to see the current queue"})
	}
	printer.Success("Review of %s started by %s\n", args[0], reviewReviewer)
	return nil
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}
