package conflict

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dyluth/agentbus/internal/clock"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/cluster"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dyluth/agentbus/pkg/conflict"

// FindingSource supplies the findings a batch detection runs over.
// *bus.Client implements it.
type FindingSource interface {
	FindingsForTask(ctx context.Context, taskID string) ([]*bus.Finding, error)
	FindingsForTopic(ctx context.Context, topic string) ([]*bus.Finding, error)
}

// Detector finds same-topic findings whose confidences disagree.
type Detector struct {
	source    FindingSource
	clusterer *cluster.Clusterer
	threshold float64
	clock     clock.Clock
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithClusterer replaces the default topic clusterer.
func WithClusterer(c *cluster.Clusterer) DetectorOption {
	return func(d *Detector) {
		if c != nil {
			d.clusterer = c
		}
	}
}

// WithDeltaThreshold overrides DefaultDeltaThreshold.
func WithDeltaThreshold(t float64) DetectorOption {
	return func(d *Detector) {
		d.threshold = t
	}
}

// WithDetectorClock sets the clock used to stamp new pairs.
func WithDetectorClock(c clock.Clock) DetectorOption {
	return func(d *Detector) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithTracerProvider sets the provider for batch detection spans.
func WithTracerProvider(tp trace.TracerProvider) DetectorOption {
	return func(d *Detector) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithDetectorLogger sets the structured logger.
func WithDetectorLogger(logger zerolog.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger.With().Str("component", "conflict_detector").Logger()
	}
}

// NewDetector creates a Detector. source may be nil when only DetectBetween is used.
func NewDetector(source FindingSource, opts ...DetectorOption) (*Detector, error) {
	defaultClusterer, err := cluster.New()
	if err != nil {
		return nil, err
	}
	d := &Detector{
		source:    source,
		clusterer: defaultClusterer,
		threshold: DefaultDeltaThreshold,
		clock:     clock.Real(),
		tracer:    otel.Tracer(tracerName),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.threshold < 0 || d.threshold >= 1 {
		return nil, fmt.Errorf("delta threshold must be in [0, 1), got %v", d.threshold)
	}
	return d, nil
}

// Classify maps a confidence gap to a severity. The gap is weighted by
// (1 + average confidence) so confident disagreements rank higher:
// CRITICAL above 0.5, HIGH above 0.2, MEDIUM above 0.1, otherwise LOW.
// For a fixed average, a larger delta never lowers the level.
func Classify(delta, average float64) Level {
	weighted := delta * (1 + average)
	switch {
	case weighted > 0.5:
		return LevelCritical
	case weighted > 0.2:
		return LevelHigh
	case weighted > 0.1:
		return LevelMedium
	default:
		return LevelLow
	}
}

// DetectBetween returns the conflict between a and b, or nil when they are on
// different topics or their confidences differ by no more than the threshold.
// The result does not depend on argument order.
func (d *Detector) DetectBetween(a, b *bus.Finding) *Pair {
	if a == nil || b == nil || a.ID == b.ID {
		return nil
	}
	if !d.clusterer.SameTopic(a, b) {
		return nil
	}
	if b.ID < a.ID {
		a, b = b, a
	}

	delta := math.Abs(a.Confidence - b.Confidence)
	if delta <= d.threshold {
		return nil
	}
	average := (a.Confidence + b.Confidence) / 2

	return &Pair{
		ID:              PairID(a.ID, b.ID),
		Finding1:        a.ID,
		Finding2:        b.ID,
		Confidence1:     a.Confidence,
		Confidence2:     b.Confidence,
		ConfidenceDelta: delta,
		Level:           Classify(delta, average),
		TopicCluster:    cluster.SharedLabel(a, b),
		CreatedAt:       d.clock.Now().UTC(),
		Status:          StatusPending,
		TTLSeconds:      DefaultTTLSeconds,
	}
}

// DetectAll compares every pair of findings. This is O(n²) in the number of
// findings, which is fine for tens of findings per task and is the documented
// scaling limit for batch detection.
func (d *Detector) DetectAll(findings []*bus.Finding) []*Pair {
	var pairs []*Pair
	for i := 0; i < len(findings); i++ {
		for j := i + 1; j < len(findings); j++ {
			if p := d.DetectBetween(findings[i], findings[j]); p != nil {
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}

// DetectForTask runs pairwise detection over every live finding for taskID.
func (d *Detector) DetectForTask(ctx context.Context, taskID string) ([]*Pair, error) {
	return d.detectScope(ctx, "conflict.DetectForTask", attribute.String("task_id", taskID),
		func(ctx context.Context) ([]*bus.Finding, error) {
			return d.source.FindingsForTask(ctx, taskID)
		})
}

// DetectForTopic runs pairwise detection over every live finding tagged topic.
func (d *Detector) DetectForTopic(ctx context.Context, topic string) ([]*Pair, error) {
	return d.detectScope(ctx, "conflict.DetectForTopic", attribute.String("topic", topic),
		func(ctx context.Context) ([]*bus.Finding, error) {
			return d.source.FindingsForTopic(ctx, topic)
		})
}

func (d *Detector) detectScope(ctx context.Context, spanName string, scope attribute.KeyValue,
	load func(context.Context) ([]*bus.Finding, error)) ([]*Pair, error) {
	if d.source == nil {
		return nil, fmt.Errorf("detector has no finding source")
	}

	ctx, span := d.tracer.Start(ctx, spanName, trace.WithAttributes(scope))
	defer span.End()

	start := time.Now()
	findings, err := load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load findings failed")
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	pairs := d.DetectAll(findings)
	span.SetAttributes(
		attribute.Int("findings", len(findings)),
		attribute.Int("conflicts", len(pairs)),
	)
	d.logger.Debug().
		Str("event_type", "conflicts_detected").
		Str(string(scope.Key), scope.Value.AsString()).
		Int("findings", len(findings)).
		Int("conflicts", len(pairs)).
		Dur("duration", time.Since(start)).
		Msg("batch conflict detection finished")
	return pairs, nil
}
