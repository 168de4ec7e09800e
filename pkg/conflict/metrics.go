package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMetricsTTL bounds how long a cached metrics hash survives.
const DefaultMetricsTTL = 7 * 24 * time.Hour

// Metrics summarizes the conflicts created on one day.
type Metrics struct {
	Date          string           `json:"date"`
	Total         int              `json:"total"`
	ByLevel       map[Level]int    `json:"by_level"`
	ByStatus      map[Status]int   `json:"by_status"`
	Decisions     map[Decision]int `json:"decisions"`
	Resolved      int              `json:"resolved"`
	AvgResolution float64          `json:"avg_resolution_minutes"`
	MinResolution float64          `json:"min_resolution_minutes"`
	MaxResolution float64          `json:"max_resolution_minutes"`
	TopicClusters []string         `json:"topic_clusters"`
	ComputedAt    time.Time        `json:"computed_at"`
}

// ComputeMetrics scans every stored conflict, keeps those created on date
// (YYYY-MM-DD, UTC) and aggregates them. The result is cached at
// conflict:metrics:{date}. This walks the whole keyspace of conflicts and is
// meant for reports, not hot paths.
func (w *Workflow) ComputeMetrics(ctx context.Context, date string) (*Metrics, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, &bus.ValidationError{Entity: "metrics", Field: "date", Reason: err.Error()}
	}

	ctx, span := w.tracer.Start(ctx, "conflict.ComputeMetrics", trace.WithAttributes(attribute.String("date", date)))
	defer span.End()

	pairs, err := w.conflictsCreatedOn(ctx, date)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, err
	}

	m := &Metrics{
		Date:          date,
		ByLevel:       make(map[Level]int),
		ByStatus:      make(map[Status]int),
		Decisions:     make(map[Decision]int),
		TopicClusters: []string{},
		ComputedAt:    w.client.Clock().Now().UTC(),
	}
	clusters := make(map[string]struct{})
	var totalMinutes float64
	m.MinResolution = math.Inf(1)

	for _, p := range pairs {
		m.Total++
		m.ByLevel[p.Level]++
		m.ByStatus[p.Status]++
		if p.TopicCluster != "" {
			clusters[p.TopicCluster] = struct{}{}
		}
		if !p.Status.Terminal() || p.HumanDecisionTimestamp.IsZero() {
			continue
		}
		m.Resolved++
		m.Decisions[p.HumanDecision]++
		minutes := p.HumanDecisionTimestamp.Sub(p.CreatedAt).Minutes()
		totalMinutes += minutes
		m.MinResolution = math.Min(m.MinResolution, minutes)
		m.MaxResolution = math.Max(m.MaxResolution, minutes)
	}
	if m.Resolved > 0 {
		m.AvgResolution = totalMinutes / float64(m.Resolved)
	} else {
		m.MinResolution = 0
	}
	for c := range clusters {
		m.TopicClusters = append(m.TopicClusters, c)
	}
	sort.Strings(m.TopicClusters)

	if err := w.cacheMetrics(ctx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("conflicts", m.Total), attribute.Int("resolved", m.Resolved))
	return m, nil
}

// CachedMetrics returns the last metrics computed for date.
// Returns (nil, nil) when nothing is cached.
func (w *Workflow) CachedMetrics(ctx context.Context, date string) (*Metrics, error) {
	raw, err := w.client.Redis().HGet(ctx, bus.ConflictMetricsKey(date), "summary").Result()
	if bus.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached metrics: %w", err)
	}
	var m Metrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached metrics: %w", err)
	}
	return &m, nil
}

func (w *Workflow) conflictsCreatedOn(ctx context.Context, date string) ([]*Pair, error) {
	keys, err := w.client.ScanKeys(ctx, bus.ConflictPattern)
	if err != nil {
		return nil, err
	}

	var pairs []*Pair
	for _, key := range keys {
		id, ok := bus.ConflictIDFromKey(key)
		if !ok {
			continue
		}
		pair, err := w.GetConflict(ctx, id)
		if err != nil {
			if bus.IsStoreUnavailable(err) {
				return nil, err
			}
			w.logger.Warn().Err(err).Str("key", key).Msg("skipping malformed conflict")
			continue
		}
		if pair == nil || pair.CreatedAt.UTC().Format(DateLayout) != date {
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// cacheMetrics stores the summary as JSON plus flat counters that tooling can
// HGET without decoding.
func (w *Workflow) cacheMetrics(ctx context.Context, m *Metrics) error {
	summary, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	fields := map[string]interface{}{
		"summary":                summary,
		"total":                  m.Total,
		"resolved":               m.Resolved,
		"avg_resolution_minutes": formatFloat(m.AvgResolution),
		"computed_at":            bus.FormatTimestamp(m.ComputedAt),
	}
	for level, n := range m.ByLevel {
		fields["level:"+string(level)] = n
	}

	key := bus.ConflictMetricsKey(m.Date)
	_, err = w.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, DefaultMetricsTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache metrics: %w", err)
	}
	return nil
}
