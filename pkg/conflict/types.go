package conflict

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/google/uuid"
)

// DefaultDeltaThreshold is the confidence gap a pair must exceed to conflict.
const DefaultDeltaThreshold = 0.2

// DefaultTTLSeconds is the lifetime of a stored conflict.
const DefaultTTLSeconds = 86400

// DefaultHistoryTTL keeps decision history for a month.
const DefaultHistoryTTL = 30 * 24 * time.Hour

// DateLayout is the format of the {date} part of history and metrics keys.
const DateLayout = "2006-01-02"

// Level is the severity of a conflict.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Levels lists every severity, most severe first.
var Levels = []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow}

// Validate checks if the Level is a valid enum value.
func (l Level) Validate() error {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return nil
	default:
		return fmt.Errorf("unknown conflict level: %q", l)
	}
}

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// Status is the resolution state of a conflict.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusHumanReviewing Status = "HUMAN_REVIEWING"
	StatusResolvedBoth   Status = "RESOLVED_BOTH"
	StatusResolvedFirst  Status = "RESOLVED_FIRST"
	StatusResolvedSecond Status = "RESOLVED_SECOND"
	StatusResolvedMerged Status = "RESOLVED_MERGED"
	StatusEscalated      Status = "ESCALATED"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusHumanReviewing, StatusResolvedBoth, StatusResolvedFirst,
		StatusResolvedSecond, StatusResolvedMerged, StatusEscalated:
		return nil
	default:
		return fmt.Errorf("unknown resolution status: %q", s)
	}
}

// Terminal reports whether a human decision has been recorded.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusHumanReviewing
}

// Decision is a reviewer's verdict on a conflict.
type Decision string

const (
	DecisionFirst    Decision = "first"
	DecisionSecond   Decision = "second"
	DecisionBoth     Decision = "both"
	DecisionMerged   Decision = "merged"
	DecisionEscalate Decision = "escalate"
)

// Status maps the decision onto its terminal resolution status.
func (d Decision) Status() (Status, error) {
	switch d {
	case DecisionFirst:
		return StatusResolvedFirst, nil
	case DecisionSecond:
		return StatusResolvedSecond, nil
	case DecisionBoth:
		return StatusResolvedBoth, nil
	case DecisionMerged:
		return StatusResolvedMerged, nil
	case DecisionEscalate:
		return StatusEscalated, nil
	default:
		return "", &bus.ValidationError{Entity: "decision", Field: "decision",
			Reason: fmt.Sprintf("must be one of first, second, both, merged, escalate; got %q", d)}
	}
}

// Pair is a detected disagreement between two findings on the same topic.
// Finding1 is always the lexically smaller finding id.
type Pair struct {
	ID                     string    `json:"id"`
	Finding1               string    `json:"finding_1"`
	Finding2               string    `json:"finding_2"`
	Confidence1            float64   `json:"confidence_1"`
	Confidence2            float64   `json:"confidence_2"`
	ConfidenceDelta        float64   `json:"confidence_delta"`
	Level                  Level     `json:"conflict_level"`
	TopicCluster           string    `json:"topic_cluster"`
	CreatedAt              time.Time `json:"created_at"`
	Status                 Status    `json:"resolution_status"`
	Reviewer               string    `json:"reviewer,omitempty"`
	HumanDecision          Decision  `json:"human_decision,omitempty"`
	HumanDecisionTimestamp time.Time `json:"human_decision_timestamp,omitempty"`
	ResolutionNotes        string    `json:"resolution_notes,omitempty"`
	TTLSeconds             int       `json:"ttl_seconds"`
}

// Validate checks if the Pair has valid field values.
func (p *Pair) Validate() error {
	if p.ID == "" {
		return &bus.ValidationError{Entity: "conflict", Field: "id", Reason: "cannot be empty"}
	}
	if p.Finding1 == "" || p.Finding2 == "" {
		return &bus.ValidationError{Entity: "conflict", Field: "finding_1/finding_2", Reason: "cannot be empty"}
	}
	if err := p.Level.Validate(); err != nil {
		return &bus.ValidationError{Entity: "conflict", Field: "conflict_level", Reason: err.Error()}
	}
	if err := p.Status.Validate(); err != nil {
		return &bus.ValidationError{Entity: "conflict", Field: "resolution_status", Reason: err.Error()}
	}
	if p.TTLSeconds < 0 {
		return &bus.ValidationError{Entity: "conflict", Field: "ttl_seconds", Reason: fmt.Sprintf("must be >= 0, got %d", p.TTLSeconds)}
	}
	return nil
}

// pairNamespace seeds deterministic conflict ids.
var pairNamespace = uuid.MustParse("9b6f3c1e-4f0a-5d2b-8c7e-2a1d0e5f6b3c")

// PairID derives the conflict id from the two finding ids. The ids are sorted
// first, so both argument orders give the same id.
func PairID(findingA, findingB string) string {
	ids := []string{findingA, findingB}
	sort.Strings(ids)
	return uuid.NewSHA1(pairNamespace, []byte(ids[0]+"|"+ids[1])).String()
}

// PairToHash converts a Pair to a Redis hash.
func PairToHash(p *Pair) map[string]interface{} {
	return map[string]interface{}{
		"id":                       p.ID,
		"finding_1":                p.Finding1,
		"finding_2":                p.Finding2,
		"confidence_1":             formatFloat(p.Confidence1),
		"confidence_2":             formatFloat(p.Confidence2),
		"confidence_delta":         formatFloat(p.ConfidenceDelta),
		"conflict_level":           string(p.Level),
		"topic_cluster":            p.TopicCluster,
		"created_at":               bus.FormatTimestamp(p.CreatedAt),
		"resolution_status":        string(p.Status),
		"reviewer":                 p.Reviewer,
		"human_decision":           string(p.HumanDecision),
		"human_decision_timestamp": bus.FormatTimestamp(p.HumanDecisionTimestamp),
		"resolution_notes":         p.ResolutionNotes,
		"ttl_seconds":              p.TTLSeconds,
	}
}

// HashToPair converts a Redis hash to a Pair.
func HashToPair(hash map[string]string) (*Pair, error) {
	c1, err := strconv.ParseFloat(hash["confidence_1"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence_1 field: %w", err)
	}
	c2, err := strconv.ParseFloat(hash["confidence_2"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence_2 field: %w", err)
	}
	delta, err := strconv.ParseFloat(hash["confidence_delta"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence_delta field: %w", err)
	}
	created, err := bus.ParseTimestamp(hash["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}
	decided, err := bus.ParseTimestamp(hash["human_decision_timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid human_decision_timestamp field: %w", err)
	}
	ttl, err := strconv.Atoi(hash["ttl_seconds"])
	if err != nil {
		return nil, fmt.Errorf("invalid ttl_seconds field: %w", err)
	}

	return &Pair{
		ID:                     hash["id"],
		Finding1:               hash["finding_1"],
		Finding2:               hash["finding_2"],
		Confidence1:            c1,
		Confidence2:            c2,
		ConfidenceDelta:        delta,
		Level:                  Level(hash["conflict_level"]),
		TopicCluster:           hash["topic_cluster"],
		CreatedAt:              created,
		Status:                 Status(hash["resolution_status"]),
		Reviewer:               hash["reviewer"],
		HumanDecision:          Decision(hash["human_decision"]),
		HumanDecisionTimestamp: decided,
		ResolutionNotes:        hash["resolution_notes"],
		TTLSeconds:             ttl,
	}, nil
}

// HistoryEntry is one recorded decision in conflict:history:{date}.
type HistoryEntry struct {
	ConflictID   string    `json:"conflict_id"`
	Decision     Decision  `json:"decision"`
	Status       Status    `json:"status"`
	Level        Level     `json:"conflict_level"`
	TopicCluster string    `json:"topic_cluster"`
	Notes        string    `json:"notes,omitempty"`
	Reviewer     string    `json:"reviewer,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
