package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
)

// Status is the delivery state of one persisted message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusDelivered, StatusRead, StatusFailed, StatusExpired:
		return nil
	default:
		return fmt.Errorf("unknown delivery status: %q", s)
	}
}

// Message is one recipient's copy of a published or direct message. Every
// subscriber of a publish gets its own copy under the same ID.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Topic     string      `json:"topic,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Content   bus.Payload `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Status    Status      `json:"delivery_status"`
	Attempts  int         `json:"delivery_attempts"`
	ReadAt    time.Time   `json:"read_at,omitempty"`
}

// Expired reports whether the message is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Unread reports whether the recipient still has something to look at.
func (m *Message) Unread(now time.Time) bool {
	return m.Status != StatusRead && m.Status != StatusExpired && !m.Expired(now)
}

// Subscription records an agent's interest in a topic.
type Subscription struct {
	AgentID   string    `json:"agent_id"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
}

// Handler is an in-process binding invoked when a message is delivered to an
// agent. Bindings are not persisted; they are lost when the process exits.
type Handler func(ctx context.Context, msg *Message) error

// retryEntry is one item on the shared comms:retry list.
type retryEntry struct {
	MessageID   string    `json:"message_id"`
	Recipient   string    `json:"recipient"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func encodeMessage(m *Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return string(data), nil
}

func decodeMessage(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.ExpiresAt = m.ExpiresAt.UTC()
	if !m.ReadAt.IsZero() {
		m.ReadAt = m.ReadAt.UTC()
	}
	return &m, nil
}
