// Package delivery persists messages in per-recipient queues and delivers
// them in the background with bounded retries.
//
// The persisted queue is authoritative. Pub/sub on comms:notify:{agent} is
// only a hint that tells a recipient to look at its queue.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dyluth/agentbus/pkg/delivery"

// directTopic keys handlers for messages that were not published to a topic.
const directTopic = ""

// Manager owns subscriptions, message queues and the retry worker for one
// process. Handler bindings are per process; everything else lives in Redis.
type Manager struct {
	client *bus.Client
	rdb    redis.UniversalClient
	cfg    Config
	logger zerolog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]map[string]Handler // agent -> topic -> handler
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With().Str("component", "delivery").Logger()
	}
}

// WithTracerProvider sets the provider for retry pass spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewManager creates a delivery manager on top of client.
func NewManager(client *bus.Client, cfg Config, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("bus client cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid delivery config: %w", err)
	}
	m := &Manager{
		client:   client,
		rdb:      client.Redis(),
		cfg:      cfg,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[string]map[string]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) now() time.Time {
	return m.client.Clock().Now().UTC()
}

// Subscribe records agentID's interest in topic. A non-nil handler is bound
// in this process and invoked for every message delivered on the topic.
func (m *Manager) Subscribe(ctx context.Context, agentID, topic string, handler Handler) error {
	if agentID == "" {
		return &bus.ValidationError{Entity: "subscription", Field: "agent_id", Reason: "cannot be empty"}
	}
	if topic == "" {
		return &bus.ValidationError{Entity: "subscription", Field: "topic", Reason: "cannot be empty"}
	}

	subsKey := bus.CommsSubscriptionsKey(agentID)
	topicKey := bus.CommsTopicSubscribersKey(topic)
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, subsKey, topic, bus.FormatTimestamp(m.now()))
		pipe.Expire(ctx, subsKey, m.cfg.SubscriptionTTL)
		pipe.SAdd(ctx, topicKey, agentID)
		pipe.Expire(ctx, topicKey, m.cfg.SubscriptionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if handler != nil {
		m.bind(agentID, topic, handler)
	}
	m.logger.Debug().Str("agent", agentID).Str("topic", topic).Msg("subscribed")
	return nil
}

// Unsubscribe removes the subscription and any local handler.
// Returns false if agentID was not subscribed to topic.
func (m *Manager) Unsubscribe(ctx context.Context, agentID, topic string) (bool, error) {
	var removed *redis.IntCmd
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, bus.CommsSubscriptionsKey(agentID), topic)
		pipe.SRem(ctx, bus.CommsTopicSubscribersKey(topic), agentID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to unsubscribe: %w", err)
	}

	m.mu.Lock()
	delete(m.handlers[agentID], topic)
	m.mu.Unlock()
	return removed.Val() > 0, nil
}

// Subscriptions lists agentID's topics, oldest subscription first.
func (m *Manager) Subscriptions(ctx context.Context, agentID string) ([]Subscription, error) {
	hash, err := m.rdb.HGetAll(ctx, bus.CommsSubscriptionsKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	subs := make([]Subscription, 0, len(hash))
	for topic, ts := range hash {
		created, err := bus.ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription timestamp for %s: %w", topic, err)
		}
		subs = append(subs, Subscription{AgentID: agentID, Topic: topic, CreatedAt: created})
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].Topic < subs[j].Topic
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

// Subscribers lists the agents currently subscribed to topic, sorted.
func (m *Manager) Subscribers(ctx context.Context, topic string) ([]string, error) {
	agents, err := m.rdb.SMembers(ctx, bus.CommsTopicSubscribersKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read subscribers: %w", err)
	}
	sort.Strings(agents)
	return agents, nil
}

// HandleDirect binds a handler for messages sent to agentID outside any topic,
// including session messages.
func (m *Manager) HandleDirect(agentID string, handler Handler) {
	m.bind(agentID, directTopic, handler)
}

func (m *Manager) bind(agentID, topic string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[agentID] == nil {
		m.handlers[agentID] = make(map[string]Handler)
	}
	m.handlers[agentID][topic] = handler
}

func (m *Manager) handler(agentID, topic string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[agentID][topic]
}

// Publish fans content out to every current subscriber of topic. Each
// subscriber gets its own persisted copy; agents that subscribe later do not
// see it. A topic with no subscribers still returns a message id.
func (m *Manager) Publish(ctx context.Context, from, topic string, content bus.Payload) (string, error) {
	if from == "" {
		return "", &bus.ValidationError{Entity: "message", Field: "from", Reason: "cannot be empty"}
	}
	if topic == "" {
		return "", &bus.ValidationError{Entity: "message", Field: "topic", Reason: "cannot be empty"}
	}
	if err := content.Validate(); err != nil {
		return "", &bus.ValidationError{Entity: "message", Field: "content", Reason: err.Error()}
	}

	recipients, err := m.Subscribers(ctx, topic)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	for _, to := range recipients {
		msg := m.newMessage(id, from, to, content)
		msg.Topic = topic
		if err := m.persist(ctx, msg); err != nil {
			return id, err
		}
		if err := m.attempt(ctx, msg); err != nil {
			m.logger.Warn().Err(err).Str("message_id", id).Str("to", to).Msg("inline delivery failed, scheduling retry")
			if err := m.recordFailure(ctx, msg); err != nil {
				return id, err
			}
		}
	}

	m.logger.Debug().
		Str("event_type", "message_published").
		Str("message_id", id).
		Str("topic", topic).
		Int("recipients", len(recipients)).
		Msg("message published")
	return id, nil
}

// SendOption customizes a direct message.
type SendOption func(*Message)

// InSession tags the message with a session id.
func InSession(sessionID string) SendOption {
	return func(msg *Message) {
		msg.SessionID = sessionID
	}
}

// SendDirect persists a message in to's queue and schedules it on the retry
// queue; the background worker performs the delivery attempt.
func (m *Manager) SendDirect(ctx context.Context, from, to string, content bus.Payload, opts ...SendOption) (string, error) {
	if from == "" || to == "" {
		return "", &bus.ValidationError{Entity: "message", Field: "from/to", Reason: "cannot be empty"}
	}
	if err := content.Validate(); err != nil {
		return "", &bus.ValidationError{Entity: "message", Field: "content", Reason: err.Error()}
	}

	msg := m.newMessage(uuid.New().String(), from, to, content)
	for _, opt := range opts {
		opt(msg)
	}
	if err := m.persist(ctx, msg); err != nil {
		return "", err
	}
	if err := m.enqueueRetry(ctx, retryEntry{
		MessageID:   msg.ID,
		Recipient:   to,
		NextAttempt: msg.CreatedAt,
		ExpiresAt:   msg.ExpiresAt,
	}); err != nil {
		return msg.ID, err
	}
	return msg.ID, nil
}

func (m *Manager) newMessage(id, from, to string, content bus.Payload) *Message {
	now := m.now()
	return &Message{
		ID:        id,
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.MessageTTL),
		Status:    StatusPending,
	}
}

// attempt performs one delivery: the wake-up hint is published and the local
// handler, if one is bound, is invoked. A successful attempt marks the
// message DELIVERED.
func (m *Manager) attempt(ctx context.Context, msg *Message) error {
	if err := m.rdb.Publish(ctx, bus.AgentNotifyChannel(msg.To), msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	if h := m.handler(msg.To, msg.Topic); h != nil {
		if err := h(ctx, msg); err != nil {
			return fmt.Errorf("handler for %s rejected message: %w", msg.To, err)
		}
	}

	_, _, err := m.updateMessage(ctx, msg.To, msg.ID, func(stored *Message) bool {
		if stored.Status != StatusPending {
			return false
		}
		stored.Status = StatusDelivered
		stored.Attempts++
		return true
	})
	return err
}
