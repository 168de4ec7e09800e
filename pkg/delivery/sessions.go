package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionStatus is the state of a delivery-layer session.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionClosed SessionStatus = "CLOSED"
)

// Session groups direct messages between a fixed set of participants. It is
// stored at comms:sessions:{id} and is unrelated to speech-act sessions.
type Session struct {
	ID           string        `json:"id"`
	Participants []string      `json:"participants"`
	Topic        string        `json:"topic"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ClosedAt     time.Time     `json:"closed_at,omitempty"`
}

// HasParticipant reports whether agentID takes part in the session.
func (s *Session) HasParticipant(agentID string) bool {
	for _, p := range s.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// SessionToHash converts a Session to a Redis hash.
func SessionToHash(s *Session) (map[string]interface{}, error) {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	return map[string]interface{}{
		"id":           s.ID,
		"participants": string(participants),
		"topic":        s.Topic,
		"status":       string(s.Status),
		"created_at":   bus.FormatTimestamp(s.CreatedAt),
		"closed_at":    bus.FormatTimestamp(s.ClosedAt),
	}, nil
}

// HashToSession converts a Redis hash to a Session.
func HashToSession(hash map[string]string) (*Session, error) {
	var participants []string
	if err := json.Unmarshal([]byte(hash["participants"]), &participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	created, err := bus.ParseTimestamp(hash["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	closed, err := bus.ParseTimestamp(hash["closed_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid closed_at field: %w", err)
	}
	return &Session{
		ID:           hash["id"],
		Participants: participants,
		Topic:        hash["topic"],
		Status:       SessionStatus(hash["status"]),
		CreatedAt:    created,
		ClosedAt:     closed,
	}, nil
}

// StartSession opens an ACTIVE session between at least two distinct agents.
// The session expires with MessageTTL.
func (m *Manager) StartSession(ctx context.Context, topic string, participants ...string) (*Session, error) {
	seen := make(map[string]struct{}, len(participants))
	unique := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			return nil, &bus.ValidationError{Entity: "session", Field: "participants", Reason: "cannot contain an empty agent id"}
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	if len(unique) < 2 {
		return nil, &bus.ValidationError{Entity: "session", Field: "participants", Reason: "needs at least two distinct agents"}
	}

	s := &Session{
		ID:           uuid.New().String(),
		Participants: unique,
		Topic:        topic,
		Status:       SessionActive,
		CreatedAt:    m.now(),
	}
	hash, err := SessionToHash(s)
	if err != nil {
		return nil, err
	}
	key := bus.CommsSessionKey(s.ID)
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		pipe.Expire(ctx, key, m.cfg.MessageTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a delivery session.
// Returns (nil, nil) if it does not exist or has expired.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	hash, err := m.rdb.HGetAll(ctx, bus.CommsSessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	s, err := HashToSession(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	return s, nil
}

// CloseSession moves an ACTIVE session to CLOSED.
// Returns false if the session is absent or already closed.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := m.client.Transition(ctx, bus.CommsSessionKey(sessionID), "status",
		[]string{string(SessionActive)},
		map[string]string{
			"status":    string(SessionClosed),
			"closed_at": bus.FormatTimestamp(m.now()),
		})
	if err != nil {
		return false, err
	}
	return res == bus.TransitionApplied, nil
}

// SendToSession sends content from one participant to every other
// participant of an ACTIVE session. Returns false if the session is absent,
// closed, or from is not a participant.
func (m *Manager) SendToSession(ctx context.Context, sessionID, from string, content bus.Payload) (bool, error) {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s == nil || s.Status != SessionActive || !s.HasParticipant(from) {
		return false, nil
	}
	for _, to := range s.Participants {
		if to == from {
			continue
		}
		if _, err := m.SendDirect(ctx, from, to, content, InSession(sessionID)); err != nil {
			return false, err
		}
	}
	return true, nil
}
