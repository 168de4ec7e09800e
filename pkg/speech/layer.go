// Package speech implements a SIP-style session protocol between two agents.
//
// A session is opened with an invite, confirmed with an ack or refused with a
// cancel, and closed with a bye from either side:
//
//	INITIATED -> ACTIVE -> TERMINATED
//	INITIATED -> REJECTED
//
// State lives in the session:{id} hash and every transition is a single
// compare-and-set, so an illegal or lost transition changes nothing and
// reports false. Control messages travel as ordinary direct messages through
// pkg/delivery, which makes them durable but not real-time.
package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/delivery"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultSessionTTL is how long a session hash lives after its last write.
const DefaultSessionTTL = 24 * time.Hour

// Layer runs the session protocol on behalf of one agent.
type Layer struct {
	agentID  string
	client   *bus.Client
	delivery *delivery.Manager
	ttl      time.Duration
	logger   zerolog.Logger
}

// Option customizes a Layer.
type Option func(*Layer)

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(l *Layer) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

// NewLayer binds a session layer to agentID.
func NewLayer(agentID string, client *bus.Client, dm *delivery.Manager, opts ...Option) (*Layer, error) {
	if agentID == "" {
		return nil, &bus.ValidationError{Entity: "layer", Field: "agent_id", Reason: "cannot be empty"}
	}
	if client == nil || dm == nil {
		return nil, fmt.Errorf("bus client and delivery manager are required")
	}
	l := &Layer{
		agentID:  agentID,
		client:   client,
		delivery: dm,
		ttl:      DefaultSessionTTL,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "speech").Str("agent", agentID).Logger()
	return l, nil
}

// AgentID returns the agent this layer acts for.
func (l *Layer) AgentID() string {
	return l.agentID
}

func (l *Layer) now() time.Time {
	return l.client.Clock().Now().UTC()
}

// Initiate opens a session with target and sends it an invite.
func (l *Layer) Initiate(ctx context.Context, target, sessionType string, metadata map[string]string) (*Session, error) {
	now := l.now()
	s := &Session{
		ID:        uuid.New().String(),
		Initiator: l.agentID,
		Target:    target,
		Type:      sessionType,
		State:     StateInitiated,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	hash, err := SessionToHash(s)
	if err != nil {
		return nil, err
	}
	key := bus.SessionKey(s.ID)
	_, err = l.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		pipe.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write session: %w", err)
	}

	if err := l.send(ctx, target, &Envelope{
		Kind:        KindInvite,
		SessionID:   s.ID,
		SessionType: sessionType,
		Metadata:    s.Metadata,
	}); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("event_type", "session_initiated").
		Str("session_id", s.ID).
		Str("target", target).
		Str("session_type", sessionType).
		Msg("session initiated")
	return s, nil
}

// GetSession retrieves a session.
// Returns (nil, nil) if it does not exist or has expired.
func (l *Layer) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	hash, err := l.client.Redis().HGetAll(ctx, bus.SessionKey(sessionID)).Result()
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

// Accept moves an INITIATED session addressed to this agent to ACTIVE and
// acks the initiator. Returns false if the session is unknown, addressed to
// someone else, or no longer INITIATED.
func (l *Layer) Accept(ctx context.Context, sessionID string) (bool, error) {
	s, ok, err := l.transition(ctx, sessionID, true, StateInitiated, StateActive, "")
	if err != nil || !ok {
		return false, err
	}
	return true, l.send(ctx, s.Initiator, &Envelope{Kind: KindAck, SessionID: s.ID})
}

// Reject moves an INITIATED session addressed to this agent to REJECTED and
// sends the initiator a cancel carrying reason.
func (l *Layer) Reject(ctx context.Context, sessionID, reason string) (bool, error) {
	s, ok, err := l.transition(ctx, sessionID, true, StateInitiated, StateRejected, reason)
	if err != nil || !ok {
		return false, err
	}
	return true, l.send(ctx, s.Initiator, &Envelope{Kind: KindCancel, SessionID: s.ID, Reason: reason})
}

// Terminate ends an ACTIVE session from either side and sends a bye to the
// other participant.
func (l *Layer) Terminate(ctx context.Context, sessionID string) (bool, error) {
	s, ok, err := l.transition(ctx, sessionID, false, StateActive, StateTerminated, "")
	if err != nil || !ok {
		return false, err
	}
	return true, l.send(ctx, s.Other(l.agentID), &Envelope{Kind: KindBye, SessionID: s.ID})
}

// Send delivers an in-session speech act to the other participant. It only
// succeeds while the session is ACTIVE.
func (l *Layer) Send(ctx context.Context, sessionID string, act bus.SpeechAct, body bus.Payload) (bool, error) {
	if err := act.Validate(); err != nil {
		return false, &bus.ValidationError{Entity: "session", Field: "speech_act", Reason: err.Error()}
	}
	s, err := l.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s == nil || s.State != StateActive {
		return false, nil
	}
	other := s.Other(l.agentID)
	if other == "" {
		return false, nil
	}
	return true, l.send(ctx, other, &Envelope{Kind: KindAct, SessionID: s.ID, Act: act, Body: body})
}

// transition applies from -> to on a session this agent takes part in. When
// targetOnly is set only the session's target may make the move.
func (l *Layer) transition(ctx context.Context, sessionID string, targetOnly bool, from, to State, reason string) (*Session, bool, error) {
	s, err := l.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return nil, false, nil
	}
	if targetOnly && s.Target != l.agentID {
		return s, false, nil
	}
	if s.Other(l.agentID) == "" {
		return s, false, nil
	}

	set := map[string]string{
		"state":      string(to),
		"updated_at": bus.FormatTimestamp(l.now()),
	}
	if reason != "" {
		set["reason"] = reason
	}
	res, err := l.client.Transition(ctx, bus.SessionKey(sessionID), "state", []string{string(from)}, set)
	if err != nil {
		return nil, false, err
	}
	if res != bus.TransitionApplied {
		l.logger.Debug().
			Str("session_id", sessionID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("session transition refused")
		return s, false, nil
	}

	s.State = to
	if reason != "" {
		s.Reason = reason
	}
	l.logger.Info().
		Str("event_type", "session_state_changed").
		Str("session_id", sessionID).
		Str("state", string(to)).
		Msg("session state changed")
	return s, true, nil
}

func (l *Layer) send(ctx context.Context, to string, env *Envelope) error {
	content, err := bus.JSONPayload(env)
	if err != nil {
		return err
	}
	if _, err := l.delivery.SendDirect(ctx, l.agentID, to, content, delivery.InSession(env.SessionID)); err != nil {
		return fmt.Errorf("failed to send %s for session %s: %w", env.Kind, env.SessionID, err)
	}
	return nil
}
