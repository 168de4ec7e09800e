package bus

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default lifetimes for bus entities. Every write to the store carries an expiry;
// abandoned state disappears on its own rather than through explicit deletion.
const (
	DefaultTaskTTLSeconds    = 86400
	DefaultFindingTTLSeconds = 86400
	DefaultPacketTTL         = 24 * time.Hour
	DefaultContextTTL        = 24 * time.Hour
)

// SpeechAct is the communicative intent of a bus write.
type SpeechAct string

const (
	// SpeechActInform shares a fact or result
	SpeechActInform SpeechAct = "INFORM"

	// SpeechActRequest asks another agent to act
	SpeechActRequest SpeechAct = "REQUEST"

	// SpeechActEscalate hands a problem to a human or supervisor
	SpeechActEscalate SpeechAct = "ESCALATE"

	// SpeechActHold asks others to pause work on the subject
	SpeechActHold SpeechAct = "HOLD"
)

// Validate checks if the SpeechAct is a valid enum value.
func (s SpeechAct) Validate() error {
	switch s {
	case SpeechActInform, SpeechActRequest, SpeechActEscalate, SpeechActHold:
		return nil
	default:
		return fmt.Errorf("unknown speech act: %q", s)
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "PENDING"
	TaskStatusInProgress  TaskStatus = "IN_PROGRESS"
	TaskStatusNeedsAssist TaskStatus = "NEEDS_ASSIST"
	TaskStatusCompleted   TaskStatus = "COMPLETED"
	TaskStatusFailed      TaskStatus = "FAILED"
	TaskStatusBlocked     TaskStatus = "BLOCKED"
)

// Validate checks if the TaskStatus is a valid enum value.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusNeedsAssist,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// Terminal reports whether the status refuses further claims.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusBlocked
}

// terminalTaskStatuses is passed to the claim and release scripts.
var terminalTaskStatuses = []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked}

// CustodyEntry is one link in a packet's chain of custody.
type CustodyEntry struct {
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Packet is the envelope recorded alongside every bus write.
// Everything except ChainOfCustody is fixed at dispatch; the chain only grows.
type Packet struct {
	TrackingID     string         `json:"tracking_id"`
	Origin         string         `json:"origin"`
	DispatchedAt   time.Time      `json:"dispatched_at"`
	SpeechAct      SpeechAct      `json:"speech_act"`
	Subject        string         `json:"subject,omitempty"` // store key of the entity this packet traces
	Contents       Payload        `json:"contents"`
	ChainOfCustody []CustodyEntry `json:"chain_of_custody"`
	Digest         string         `json:"digest,omitempty"` // hex blake3 of the envelope
	Signer         string         `json:"signer,omitempty"`
	Signature      string         `json:"signature,omitempty"`
}

// Validate checks if the Packet has valid field values.
func (p *Packet) Validate() error {
	if !isValidUUID(p.TrackingID) {
		return &ValidationError{Entity: "packet", Field: "tracking_id", Reason: "not a valid UUID"}
	}
	if p.Origin == "" {
		return &ValidationError{Entity: "packet", Field: "origin", Reason: "cannot be empty"}
	}
	if err := p.SpeechAct.Validate(); err != nil {
		return &ValidationError{Entity: "packet", Field: "speech_act", Reason: err.Error()}
	}
	if err := p.Contents.Validate(); err != nil {
		return &ValidationError{Entity: "packet", Field: "contents", Reason: err.Error()}
	}
	for i, entry := range p.ChainOfCustody {
		if entry.AgentID == "" || entry.Action == "" {
			return &ValidationError{Entity: "packet", Field: "chain_of_custody", Reason: fmt.Sprintf("entry %d is incomplete", i)}
		}
	}
	return nil
}

// Task is a unit of assignable work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Data        Payload    `json:"data"`
	Type        string     `json:"type"`
	Status      TaskStatus `json:"status"`
	Assignee    string     `json:"assignee"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	TTLSeconds  int        `json:"ttl_seconds"`
}

// TaskParams holds the caller-supplied fields for NewTask.
type TaskParams struct {
	ID          string // generated when empty
	Description string
	Type        string
	Data        Payload
	TTLSeconds  int // DefaultTaskTTLSeconds when zero
	CreatedAt   time.Time
}

// NewTask builds a PENDING, unassigned task.
func NewTask(p TaskParams) (*Task, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	ttl := p.TTLSeconds
	if ttl == 0 {
		ttl = DefaultTaskTTLSeconds
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	created = created.UTC()

	t := &Task{
		ID:          id,
		Description: p.Description,
		Data:        p.Data,
		Type:        p.Type,
		Status:      TaskStatusPending,
		CreatedAt:   created,
		UpdatedAt:   created,
		TTLSeconds:  ttl,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if err := validateKeyPart("task", "id", t.ID); err != nil {
		return err
	}
	if err := t.Status.Validate(); err != nil {
		return &ValidationError{Entity: "task", Field: "status", Reason: err.Error()}
	}
	if t.TTLSeconds < 0 {
		return &ValidationError{Entity: "task", Field: "ttl_seconds", Reason: fmt.Sprintf("must be >= 0, got %d", t.TTLSeconds)}
	}
	if err := t.Data.Validate(); err != nil {
		return &ValidationError{Entity: "task", Field: "data", Reason: err.Error()}
	}
	return nil
}

// Finding is an agent's claim about the world. Findings are immutable once posted.
type Finding struct {
	ID         string    `json:"id"`
	Claim      string    `json:"claim"`
	Confidence float64   `json:"confidence"`
	Citations  []string  `json:"citations"`
	Tags       []string  `json:"tags"`
	Timestamp  time.Time `json:"timestamp"`
	WorkerID   string    `json:"worker_id"`
	TaskID     string    `json:"task_id"`
	SpeechAct  SpeechAct `json:"speech_act"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// FindingParams holds the caller-supplied fields for NewFinding.
type FindingParams struct {
	WorkerID   string
	TaskID     string // empty for free-standing findings
	Claim      string
	Confidence float64
	Citations  []string
	Tags       []string
	SpeechAct  SpeechAct // SpeechActInform when empty
	TTLSeconds int       // DefaultFindingTTLSeconds when zero
	Timestamp  time.Time
}

// NewFinding validates and builds a finding. A confidence outside [0, 1] is a
// ValidationError; it is never clamped.
func NewFinding(p FindingParams) (*Finding, error) {
	act := p.SpeechAct
	if act == "" {
		act = SpeechActInform
	}
	ttl := p.TTLSeconds
	if ttl == 0 {
		ttl = DefaultFindingTTLSeconds
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	f := &Finding{
		ID:         uuid.New().String(),
		Claim:      p.Claim,
		Confidence: p.Confidence,
		Citations:  nonNil(p.Citations),
		Tags:       nonNil(p.Tags),
		Timestamp:  ts.UTC(),
		WorkerID:   p.WorkerID,
		TaskID:     p.TaskID,
		SpeechAct:  act,
		TTLSeconds: ttl,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks if the Finding has valid field values.
func (f *Finding) Validate() error {
	if err := validateKeyPart("finding", "id", f.ID); err != nil {
		return err
	}
	if strings.TrimSpace(f.Claim) == "" {
		return &ValidationError{Entity: "finding", Field: "claim", Reason: "cannot be empty"}
	}
	if err := ValidateConfidence(f.Confidence); err != nil {
		return err
	}
	if f.WorkerID == "" {
		return &ValidationError{Entity: "finding", Field: "worker_id", Reason: "cannot be empty"}
	}
	if err := f.SpeechAct.Validate(); err != nil {
		return &ValidationError{Entity: "finding", Field: "speech_act", Reason: err.Error()}
	}
	if f.TTLSeconds < 0 {
		return &ValidationError{Entity: "finding", Field: "ttl_seconds", Reason: fmt.Sprintf("must be >= 0, got %d", f.TTLSeconds)}
	}
	return nil
}

// ValidateConfidence rejects NaN and anything outside [0, 1]. Both bounds are valid.
func ValidateConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return &ValidationError{Entity: "finding", Field: "confidence", Reason: fmt.Sprintf("must be within [0.0, 1.0], got %v", c)}
	}
	return nil
}

// TimelineEntry is one event in a shared context's timeline.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
}

// SharedContext is scratch space shared between agents, keyed by (scope, name).
// Writes are last-write-wins.
type SharedContext struct {
	Scope      string          `json:"scope"`
	Name       string          `json:"name"`
	Notes      string          `json:"notes"`
	Timeline   []TimelineEntry `json:"timeline"`
	Topics     []string        `json:"topics"`
	SharedData Payload         `json:"shared_data"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate checks if the SharedContext has valid field values.
func (c *SharedContext) Validate() error {
	if err := validateKeyPart("context", "scope", c.Scope); err != nil {
		return err
	}
	if c.Name == "" {
		return &ValidationError{Entity: "context", Field: "name", Reason: "cannot be empty"}
	}
	if err := c.SharedData.Validate(); err != nil {
		return &ValidationError{Entity: "context", Field: "shared_data", Reason: err.Error()}
	}
	return nil
}

// AddTopic appends a topic tag unless it is already present.
func (c *SharedContext) AddTopic(topic string) {
	for _, existing := range c.Topics {
		if existing == topic {
			return
		}
	}
	c.Topics = append(c.Topics, topic)
}

// validateKeyPart rejects values that would break the key naming convention.
func validateKeyPart(entity, field, value string) error {
	if value == "" {
		return &ValidationError{Entity: entity, Field: field, Reason: "cannot be empty"}
	}
	if strings.ContainsAny(value, ": \t\n*") {
		return &ValidationError{Entity: entity, Field: field, Reason: fmt.Sprintf("contains reserved characters: %q", value)}
	}
	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
