package commands

import (
	"time"

	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/watch"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/spf13/cobra"
)

var (
	sendFrom  string
	sendTo    string
	sendTopic string
	sendWait  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send TEXT",
	Short: "Send a text message to an agent or topic",
	Long: `Send a plain-text message on behalf of an agent.

With --to the message goes to one agent's queue and is delivered by the
background worker (busd deliver); --wait blocks until it leaves PENDING.
With --topic it is fanned out to every current subscriber immediately.

Examples:
  busd send --from ops --to reviewer-1 "please rescan T-42"
  busd send --from ops --to reviewer-1 --wait 10s "ping"
  busd send --from ops --topic builds "main is green"`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sender agent id (required)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient agent id")
	sendCmd.Flags().StringVar(&sendTopic, "topic", "", "Topic to publish to")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "Wait this long for delivery (direct messages only)")
	sendCmd.MarkFlagRequired("from")
	sendCmd.MarkFlagsMutuallyExclusive("to", "topic")
	sendCmd.MarkFlagsOneRequired("to", "topic")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	dm, err := rt.delivery()
	if err != nil {
		return printer.Error("Invalid delivery settings", err.Error(), nil)
	}
	content := bus.TextPayload(args[0])

	if sendTopic != "" {
		id, err := dm.Publish(ctx, sendFrom, sendTopic, content)
		if err != nil {
			return printer.Error("Publish failed", err.Error(), nil)
		}
		subs, err := dm.Subscribers(ctx, sendTopic)
		if err != nil {
			return printer.Error("Publish failed", err.Error(), nil)
		}
		printer.Success("Published %s to %s (%d %s)\n", id, sendTopic, len(subs), pluralize(len(subs), "subscriber"))
		return nil
	}

	id, err := dm.SendDirect(ctx, sendFrom, sendTo, content)
	if err != nil {
		return printer.Error("Send failed", err.Error(), nil)
	}
	printer.Success("Queued %s for %s\n", id, sendTo)

	if sendWait <= 0 {
		return nil
	}
	msg, err := watch.PollForDelivery(ctx, dm, sendTo, id, sendWait)
	if err != nil {
		return printer.ErrorWithContext("Message not delivered", err.Error(),
			map[string]string{"Message": id, "To": sendTo},
			[]string{"Check that busd deliver is running"})
	}
	printer.Info("Message %s is %s after %d %s\n", id, msg.Status, msg.Attempts, pluralize(msg.Attempts, "attempt"))
	return nil
}
