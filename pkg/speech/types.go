package speech

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
)

// State is the lifecycle state of a speech-act session.
type State string

const (
	StateInitiated   State = "INITIATED"
	StatePending     State = "PENDING"
	StateActive      State = "ACTIVE"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
	StateRejected    State = "REJECTED"
)

// Validate checks if the State is a valid enum value.
func (s State) Validate() error {
	switch s {
	case StateInitiated, StatePending, StateActive, StateTerminating, StateTerminated, StateRejected:
		return nil
	default:
		return fmt.Errorf("unknown session state: %q", s)
	}
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	return s == StateTerminated || s == StateRejected
}

// Kind names the control or content message a session exchanges.
type Kind string

const (
	KindInvite Kind = "invite"
	KindAck    Kind = "ack"
	KindCancel Kind = "cancel"
	KindBye    Kind = "bye"
	KindAct    Kind = "act"
)

// Session is a two-party conversation between an initiator and a target.
type Session struct {
	ID        string            `json:"session_id"`
	Initiator string            `json:"initiator_agent"`
	Target    string            `json:"target_agent"`
	Type      string            `json:"session_type"`
	State     State             `json:"state"`
	Metadata  map[string]string `json:"metadata"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Validate checks that the session is well formed.
func (s *Session) Validate() error {
	if s.ID == "" {
		return &bus.ValidationError{Entity: "session", Field: "session_id", Reason: "cannot be empty"}
	}
	if s.Initiator == "" {
		return &bus.ValidationError{Entity: "session", Field: "initiator_agent", Reason: "cannot be empty"}
	}
	if s.Target == "" {
		return &bus.ValidationError{Entity: "session", Field: "target_agent", Reason: "cannot be empty"}
	}
	if s.Initiator == s.Target {
		return &bus.ValidationError{Entity: "session", Field: "target_agent", Reason: "cannot be the initiator"}
	}
	if s.Type == "" {
		return &bus.ValidationError{Entity: "session", Field: "session_type", Reason: "cannot be empty"}
	}
	if err := s.State.Validate(); err != nil {
		return &bus.ValidationError{Entity: "session", Field: "state", Reason: err.Error()}
	}
	return nil
}

// Other returns the participant that is not agentID, or "" if agentID is
// not part of the session.
func (s *Session) Other(agentID string) string {
	switch agentID {
	case s.Initiator:
		return s.Target
	case s.Target:
		return s.Initiator
	default:
		return ""
	}
}

// SessionToHash converts a Session to a Redis hash.
func SessionToHash(s *Session) (map[string]interface{}, error) {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return map[string]interface{}{
		"session_id":      s.ID,
		"initiator_agent": s.Initiator,
		"target_agent":    s.Target,
		"session_type":    s.Type,
		"state":           string(s.State),
		"metadata":        string(encoded),
		"reason":          s.Reason,
		"created_at":      bus.FormatTimestamp(s.CreatedAt),
		"updated_at":      bus.FormatTimestamp(s.UpdatedAt),
	}, nil
}

// HashToSession converts a Redis hash to a Session.
func HashToSession(hash map[string]string) (*Session, error) {
	created, err := bus.ParseTimestamp(hash["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	updated, err := bus.ParseTimestamp(hash["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at field: %w", err)
	}
	metadata := map[string]string{}
	if raw := hash["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata field: %w", err)
		}
	}
	return &Session{
		ID:        hash["session_id"],
		Initiator: hash["initiator_agent"],
		Target:    hash["target_agent"],
		Type:      hash["session_type"],
		State:     State(hash["state"]),
		Metadata:  metadata,
		Reason:    hash["reason"],
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

// Envelope is the content of every message the layer sends. Control
// messages carry only Kind and session fields; KindAct carries Act and Body.
type Envelope struct {
	Kind        Kind              `json:"type"`
	SessionID   string            `json:"session_id"`
	SessionType string            `json:"session_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Act         bus.SpeechAct     `json:"speech_act,omitempty"`
	Body        bus.Payload       `json:"body"`
}

// DecodeEnvelope extracts the envelope from a delivered message payload.
func DecodeEnvelope(p bus.Payload) (*Envelope, error) {
	var env Envelope
	if err := p.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode session envelope: %w", err)
	}
	if env.Kind == "" || env.SessionID == "" {
		return nil, fmt.Errorf("not a session envelope")
	}
	return &env, nil
}
