package commands

import (
	"strings"

	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/conflict"
	"github.com/spf13/cobra"
)

var resolveNotes string

var resolveCmd = &cobra.Command{
	Use:   "resolve CONFLICT_ID DECISION",
	Short: "Record a human decision on a conflict",
	Long: `Record the reviewer's decision on a conflict. The conflict leaves every
review queue and the decision is appended to today's history.

Decisions:
  first    - the first finding is right
  second   - the second finding is right
  both     - both findings stand
  merged   - the findings were merged into a new one
  escalate - hand the conflict to someone else

A resolved conflict is final; resolving it again fails.

Examples:
  busd resolve 1b4e28ba-2fa1-11d2-883f-0016d3cca427 first --notes "reproduced locally"`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "Resolution notes")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	id := args[0]
	decision := conflict.Decision(strings.ToLower(args[1]))
	if _, err := decision.Status(); err != nil {
		return printer.Error("Invalid decision", err.Error(),
			[]string{"Use first, second, both, merged or escalate"})
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

	ok, err := wf.RecordHumanDecision(ctx, id, decision, resolveNotes)
	if err != nil {
		if bus.IsValidationError(err) {
			return printer.Error("Invalid decision", err.Error(), nil)
		}
		return printer.Error("Failed to record decision", err.Error(), nil)
	}
	if !ok {
		return printer.ErrorWithContext("Conflict cannot be resolved",
			"It does not exist, has expired or was already resolved.",
			map[string]string{"Conflict": id},
			[]string{"Run 'busd review' to see open conflicts"})
	}

	printer.Success("Conflict %s resolved: %s\n", id, decision)
	return nil
}
