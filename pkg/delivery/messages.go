package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/redis/go-redis/v9"
)

// maxRewriteAttempts bounds optimistic-lock retries on a recipient's queue.
const maxRewriteAttempts = 8

// persist appends msg to its recipient's queue and refreshes the queue expiry.
func (m *Manager) persist(ctx context.Context, msg *Message) error {
	encoded, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	key := bus.CommsMessagesKey(msg.To)
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, encoded)
		pipe.Expire(ctx, key, m.cfg.MessageTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	return nil
}

// updateMessage finds messageID in agentID's queue and rewrites it in place
// when mutate returns true. The queue is WATCHed, so a concurrent append or
// rewrite makes the transaction fail and the scan starts over. Returns the
// message as last seen (nil if absent) and whether it was rewritten.
//
// Each call is a linear scan of the queue; per-agent queues are expected to
// stay small.
func (m *Manager) updateMessage(ctx context.Context, agentID, messageID string, mutate func(*Message) bool) (*Message, bool, error) {
	key := bus.CommsMessagesKey(agentID)

	var (
		found   *Message
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		found, changed = nil, false
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		for i, item := range raw {
			msg, err := decodeMessage(item)
			if err != nil || msg.ID != messageID {
				continue
			}
			found = msg
			if !mutate(msg) {
				return nil
			}
			encoded, err := encodeMessage(msg)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LSet(ctx, key, int64(i), encoded)
				return nil
			})
			if err == nil {
				changed = true
			}
			return err
		}
		return nil
	}

	for i := 0; i < maxRewriteAttempts; i++ {
		err := m.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to update message %s: %w", messageID, err)
		}
		return found, changed, nil
	}
	return nil, false, fmt.Errorf("failed to update message %s: queue for %s kept changing", messageID, agentID)
}

// GetMessages returns every message in agentID's queue, oldest first.
// Entries that fail to decode are skipped.
func (m *Manager) GetMessages(ctx context.Context, agentID string) ([]*Message, error) {
	raw, err := m.rdb.LRange(ctx, bus.CommsMessagesKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	msgs := make([]*Message, 0, len(raw))
	for _, item := range raw {
		msg, err := decodeMessage(item)
		if err != nil {
			m.logger.Warn().Err(err).Str("agent", agentID).Msg("skipping malformed message")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// GetUnreadMessages returns messages that are neither read nor expired.
func (m *Manager) GetUnreadMessages(ctx context.Context, agentID string) ([]*Message, error) {
	msgs, err := m.GetMessages(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	unread := msgs[:0]
	for _, msg := range msgs {
		if msg.Unread(now) {
			unread = append(unread, msg)
		}
	}
	return unread, nil
}

// GetMessage returns one message from agentID's queue.
// Returns (nil, nil) when it is not there.
func (m *Manager) GetMessage(ctx context.Context, agentID, messageID string) (*Message, error) {
	msgs, err := m.GetMessages(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, nil
}

// MarkRead marks a message READ. Returns false if the message is absent or
// has expired. Marking an already read message again succeeds without a write.
func (m *Manager) MarkRead(ctx context.Context, agentID, messageID string) (bool, error) {
	now := m.now()
	msg, _, err := m.updateMessage(ctx, agentID, messageID, func(msg *Message) bool {
		if msg.Status == StatusRead || msg.Status == StatusExpired || msg.Expired(now) {
			return false
		}
		msg.Status = StatusRead
		msg.ReadAt = now
		return true
	})
	if err != nil {
		return false, err
	}
	return msg != nil && msg.Status == StatusRead, nil
}
