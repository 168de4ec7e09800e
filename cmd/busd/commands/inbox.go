package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dyluth/agentbus/internal/filter"
	"github.com/dyluth/agentbus/internal/printer"
	"github.com/dyluth/agentbus/internal/report"
	"github.com/dyluth/agentbus/internal/timespec"
	"github.com/dyluth/agentbus/internal/watch"
	"github.com/dyluth/agentbus/pkg/delivery"
	"github.com/spf13/cobra"
)

var (
	inboxUnread bool
	inboxTopic  string
	inboxFrom   string
	inboxSince  string
	inboxWatch  bool
	inboxOutput string
)

var inboxCmd = &cobra.Command{
	Use:   "inbox AGENT_ID",
	Short: "Show an agent's message queue",
	Long: `Show the messages queued for an agent, oldest first.

Filters:
  --unread - Only messages that are neither read nor expired
  --topic  - Glob on the topic ("session" matches session traffic)
  --from   - Only messages from this sender
  --since  - Only messages created after this time (duration or RFC3339)

With --watch the queue is printed and then followed: every new message is
printed as its notification arrives, until interrupted.

Examples:
  busd inbox reviewer-1 --unread
  busd inbox reviewer-1 --topic 'builds.*' --since 1h
  busd inbox reviewer-1 --watch -o jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runInbox,
}

func init() {
	inboxCmd.Flags().BoolVar(&inboxUnread, "unread", false, "Only unread messages")
	inboxCmd.Flags().StringVar(&inboxTopic, "topic", "", "Topic glob")
	inboxCmd.Flags().StringVar(&inboxFrom, "from", "", "Sender agent id")
	inboxCmd.Flags().StringVar(&inboxSince, "since", "", "Show messages created after time (duration or RFC3339)")
	inboxCmd.Flags().BoolVarP(&inboxWatch, "watch", "w", false, "Follow new messages")
	inboxCmd.Flags().StringVarP(&inboxOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(inboxCmd)
}

func runInbox(cmd *cobra.Command, args []string) error {
	if inboxOutput != "default" && inboxOutput != "jsonl" {
		return printer.Error("Invalid output format", fmt.Sprintf("Unknown format %q.", inboxOutput), []string{"Use default or jsonl"})
	}

	ctx := cmd.Context()
	rt, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	now := rt.client.Clock().Now()
	criteria := &filter.Criteria{
		TopicGlob:  inboxTopic,
		From:       inboxFrom,
		UnreadOnly: inboxUnread,
	}
	if inboxSince != "" {
		criteria.Since, err = timespec.Parse(inboxSince, now)
		if err != nil {
			return printer.Error("Invalid --since", err.Error(), nil)
		}
	}
	if err := criteria.Validate(); err != nil {
		return printer.Error("Invalid filter", err.Error(), nil)
	}

	dm, err := rt.delivery()
	if err != nil {
		return printer.Error("Invalid delivery settings", err.Error(), nil)
	}
	agentID := args[0]
	out := cmd.OutOrStdout()

	if inboxWatch {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if inboxOutput == "default" {
			printer.Info("Watching inbox of %s (Ctrl+C to stop)\n", agentID)
		}
		return watch.Inbox(ctx, rt.client, dm, agentID, criteria, func(msg *delivery.Message) error {
			if inboxOutput == "jsonl" {
				return report.JSONL(out, []*delivery.Message{msg})
			}
			_, err := fmt.Fprintf(out, "%s  %-16s %-12s %s\n",
				msg.CreatedAt.Format("15:04:05"), msg.From, topicLabel(msg), msg.Content.Text())
			return err
		})
	}

	msgs, err := dm.GetMessages(ctx, agentID)
	if err != nil {
		return printer.Error("Failed to read inbox", err.Error(), nil)
	}
	msgs = criteria.Apply(msgs, now)

	if inboxOutput == "jsonl" {
		return report.JSONL(out, msgs)
	}
	report.Messages(out, msgs, now)
	return nil
}

func topicLabel(msg *delivery.Message) string {
	switch {
	case msg.Topic != "":
		return msg.Topic
	case msg.SessionID != "":
		return "session"
	default:
		return "direct"
	}
}
