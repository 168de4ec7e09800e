// Package watch follows delivery activity for the CLI.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/internal/filter"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/delivery"
)

// PollInterval is how often PollForDelivery re-reads the queue.
var PollInterval = 200 * time.Millisecond

// PollForDelivery polls agentID's queue until messageID leaves PENDING.
// Returns the message in its final state or an error on timeout.
func PollForDelivery(ctx context.Context, dm *delivery.Manager, agentID, messageID string, timeout time.Duration) (*delivery.Message, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		msg, err := dm.GetMessage(ctx, agentID, messageID)
		if err != nil {
			return nil, fmt.Errorf("failed to query message: %w", err)
		}
		if msg == nil {
			return nil, fmt.Errorf("message %s not found in queue for %s", messageID, agentID)
		}
		if msg.Status != delivery.StatusPending {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for delivery after %v", timeout)
		case <-ticker.C:
		}
	}
}

// Inbox streams agentID's messages that match c to emit, until ctx is
// cancelled. Messages already queued are emitted first, oldest first; after
// that each wake-up notification emits the message it names. Every message
// is emitted at most once.
func Inbox(ctx context.Context, client *bus.Client, dm *delivery.Manager, agentID string, c *filter.Criteria, emit func(*delivery.Message) error) error {
	// subscribe before reading the backlog so nothing slips between the two
	sub := client.Redis().Subscribe(ctx, bus.AgentNotifyChannel(agentID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	seen := make(map[string]struct{})
	deliver := func(msg *delivery.Message) error {
		if _, ok := seen[msg.ID]; ok {
			return nil
		}
		seen[msg.ID] = struct{}{}
		if !c.Matches(msg, client.Clock().Now()) {
			return nil
		}
		return emit(msg)
	}

	backlog, err := dm.GetMessages(ctx, agentID)
	if err != nil {
		return err
	}
	for _, msg := range backlog {
		if err := deliver(msg); err != nil {
			return err
		}
	}

	hints := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case hint, ok := <-hints:
			if !ok {
				return nil
			}
			msg, err := dm.GetMessage(ctx, agentID, hint.Payload)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if msg == nil {
				continue
			}
			if err := deliver(msg); err != nil {
				return err
			}
		}
	}
}
