package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/report"
	"github.com/dyluth/agentbus/internal/timespec"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/spf13/cobra"
)

var (
	tasksStatus string
	tasksSince  string
	tasksOutput string
	tasksAgent  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and operate the shared task ledger",
	Long: `List tasks on the bus, oldest first.

Filters:
  --status - Only tasks in this status (PENDING, IN_PROGRESS, ...)
  --since  - Only tasks created after this time (duration or RFC3339)

Examples:
  busd tasks
  busd tasks --status PENDING --since 2h
  busd tasks -o jsonl | jq .assignee`,
	RunE: runTasks,
}

var tasksClaimCmd = &cobra.Command{
	Use:   "claim TASK_ID",
	Short: "Claim a pending task for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksClaim,
}

var tasksReleaseCmd = &cobra.Command{
	Use:   "release TASK_ID",
	Short: "Return a claimed task to the pending pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRelease,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status")
	tasksCmd.Flags().StringVar(&tasksSince, "since", "", "Show tasks created after time (duration or RFC3339)")
	tasksCmd.Flags().StringVarP(&tasksOutput, "output", "o", "default", "Output format: default or jsonl")

	for _, c := range []*cobra.Command{tasksClaimCmd, tasksReleaseCmd} {
		c.Flags().StringVar(&tasksAgent, "agent", "", "Agent id (required)")
		c.MarkFlagRequired("agent")
	}

	tasksCmd.AddCommand(tasksClaimCmd, tasksReleaseCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	status := bus.TaskStatus(strings.ToUpper(tasksStatus))
	if status != "" {
		if err := status.Validate(); err != nil {
			return printer.Error("Invalid status", err.Error(), nil)
		}
	}
	if tasksOutput != "default" && tasksOutput != "jsonl" {
		return printer.Error("Invalid output format", fmt.Sprintf("Unknown format %q.", tasksOutput), []string{"Use default or jsonl"})
	}

	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	now := rt.client.Clock().Now()
	var since time.Time
	if tasksSince != "" {
		since, err = timespec.Parse(tasksSince, now)
		if err != nil {
			return printer.Error("Invalid --since", err.Error(), nil)
		}
	}

	all, err := rt.client.ListTasks(ctx)
	if err != nil {
		return printer.Error("Failed to list tasks", err.Error(), nil)
	}
	tasks := all[:0]
	for _, t := range all {
		if status != "" && t.Status != status {
			continue
		}
		if !since.IsZero() && t.CreatedAt.Before(since) {
			continue
		}
		tasks = append(tasks, t)
	}

	if tasksOutput == "jsonl" {
		return report.JSONL(cmd.OutOrStdout(), tasks)
	}
	report.Tasks(cmd.OutOrStdout(), tasks, now)
	return nil
}

func runTasksClaim(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ok, err := rt.client.ClaimTask(ctx, args[0], tasksAgent)
	if err != nil {
		return printer.Error("Claim failed", err.Error(), nil)
	}
	if !ok {
		return printer.ErrorWithContext("Task not claimed", "It does not exist, is already assigned, or is finished.",
			map[string]string{"Task": args[0], "Agent": tasksAgent}, nil)
	}
	printer.Success("Task %s claimed by %s\n", args[0], tasksAgent)
	return nil
}

func runTasksRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ok, err := rt.client.ReleaseTask(ctx, args[0], tasksAgent)
	if err != nil {
		return printer.Error("Release failed", err.Error(), nil)
	}
	if !ok {
		return printer.ErrorWithContext("Task not released", "It does not exist, is finished, or is held by another agent.",
			map[string]string{"Task": args[0], "Agent": tasksAgent}, nil)
	}
	printer.Success("Task %s released\n", args[0])
	return nil
}
