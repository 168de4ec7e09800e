package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// queueScript stores a new conflict and appends it to its severity queue.
// Nothing is written when the conflict already exists.
//
//	KEYS[1]  conflict key
//	KEYS[2]  queue key
//	ARGV[1]  conflict id
//	ARGV[2]  ttl seconds
//	ARGV[3..] field, value, ...
var queueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))
return 1
`)

// decideScript records a decision on a conflict still under review, removes it
// from every severity queue and appends the history entry.
//
//	KEYS[1]    conflict key
//	KEYS[2]    history key
//	KEYS[3..]  severity queue keys
//	ARGV[1]    conflict id
//	ARGV[2]    terminal status
//	ARGV[3]    decision
//	ARGV[4]    decided at
//	ARGV[5]    notes
//	ARGV[6]    history entry JSON
//	ARGV[7]    history ttl seconds
var decideScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local status = redis.call('HGET', KEYS[1], 'resolution_status')
if status ~= 'PENDING' and status ~= 'HUMAN_REVIEWING' then
  return 0
end
redis.call('HSET', KEYS[1],
  'resolution_status', ARGV[2],
  'human_decision', ARGV[3],
  'human_decision_timestamp', ARGV[4],
  'resolution_notes', ARGV[5])
for i = 3, #KEYS do
  redis.call('LREM', KEYS[i], 0, ARGV[1])
end
redis.call('RPUSH', KEYS[2], ARGV[6])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[7]))
return 1
`)

// pendingScript lists the PENDING ids across severity queues in order and
// drops ids whose conflict has expired. Ids under review stay queued until a
// decision removes them.
//
//	KEYS[1..]  severity queue keys
//	ARGV[1]    conflict key prefix
//	ARGV[2]    pending status
var pendingScript = redis.NewScript(`
local out = {}
local seen = {}
for i = 1, #KEYS do
  local ids = redis.call('LRANGE', KEYS[i], 0, -1)
  for _, id in ipairs(ids) do
    local status = redis.call('HGET', ARGV[1] .. id, 'resolution_status')
    if not status then
      redis.call('LREM', KEYS[i], 0, id)
    elseif status == ARGV[2] and not seen[id] then
      seen[id] = true
      table.insert(out, id)
    end
  end
end
return out
`)

// Workflow moves conflicts through human review. Every status change is a
// single server-side script, so a terminal status is never overwritten.
type Workflow struct {
	client     *bus.Client
	detector   *Detector
	historyTTL time.Duration
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// WorkflowOption customizes a Workflow.
type WorkflowOption func(*Workflow)

// WithHistoryTTL overrides DefaultHistoryTTL.
func WithHistoryTTL(ttl time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if ttl > 0 {
			w.historyTTL = ttl
		}
	}
}

// WithWorkflowLogger sets the structured logger.
func WithWorkflowLogger(logger zerolog.Logger) WorkflowOption {
	return func(w *Workflow) {
		w.logger = logger.With().Str("component", "conflict_workflow").Logger()
	}
}

// WithWorkflowTracerProvider sets the provider for scan and metrics spans.
// Without it the workflow shares the detector's tracer.
func WithWorkflowTracerProvider(tp trace.TracerProvider) WorkflowOption {
	return func(w *Workflow) {
		if tp != nil {
			w.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewWorkflow creates a Workflow. detector is used by ScanTask and may be nil
// when the caller queues pairs itself.
func NewWorkflow(client *bus.Client, detector *Detector, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		client:     client,
		detector:   detector,
		historyTTL: DefaultHistoryTTL,
		logger:     zerolog.Nop(),
	}
	if detector != nil {
		w.tracer = detector.tracer
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w
}

// QueueForReview persists pair as PENDING and appends it to the queue for its
// level. Returns false when the conflict is already stored, which makes
// re-detecting the same findings harmless.
func (w *Workflow) QueueForReview(ctx context.Context, pair *Pair) (bool, error) {
	queued := *pair
	queued.Status = StatusPending
	if queued.TTLSeconds == 0 {
		queued.TTLSeconds = DefaultTTLSeconds
	}
	if err := queued.Validate(); err != nil {
		return false, err
	}

	args := []interface{}{queued.ID, queued.TTLSeconds}
	for field, value := range PairToHash(&queued) {
		args = append(args, field, value)
	}
	res, err := queueScript.Run(ctx, w.client.Redis(),
		[]string{bus.ConflictKey(queued.ID), bus.ConflictQueueKey(string(queued.Level))}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to queue conflict: %w", err)
	}
	if res != 1 {
		return false, nil
	}

	w.logger.Info().
		Str("event_type", "conflict_queued").
		Str("conflict_id", queued.ID).
		Str("level", string(queued.Level)).
		Str("topic_cluster", queued.TopicCluster).
		Msg("conflict queued for review")
	return true, nil
}

// StartReview marks a PENDING conflict as being reviewed by reviewer.
// Returns false if the conflict is absent or no longer PENDING.
func (w *Workflow) StartReview(ctx context.Context, conflictID, reviewer string) (bool, error) {
	if reviewer == "" {
		return false, &bus.ValidationError{Entity: "review", Field: "reviewer", Reason: "cannot be empty"}
	}
	res, err := w.client.Transition(ctx, bus.ConflictKey(conflictID), "resolution_status",
		[]string{string(StatusPending)},
		map[string]string{
			"resolution_status": string(StatusHumanReviewing),
			"reviewer":          reviewer,
		})
	if err != nil {
		return false, fmt.Errorf("failed to start review: %w", err)
	}
	return res == bus.TransitionApplied, nil
}

// RecordHumanDecision applies a reviewer's decision. An unknown decision is a
// ValidationError. Returns false when the conflict is absent or a decision was
// already recorded; the stored status is never changed twice. On success the
// conflict leaves every severity queue and is appended to the history for the
// decision date.
func (w *Workflow) RecordHumanDecision(ctx context.Context, conflictID string, decision Decision, notes string) (bool, error) {
	status, err := decision.Status()
	if err != nil {
		return false, err
	}

	pair, err := w.GetConflict(ctx, conflictID)
	if err != nil {
		return false, err
	}
	if pair == nil || pair.Status.Terminal() {
		return false, nil
	}

	now := w.client.Clock().Now().UTC()
	entry, err := json.Marshal(HistoryEntry{
		ConflictID:   conflictID,
		Decision:     decision,
		Status:       status,
		Level:        pair.Level,
		TopicCluster: pair.TopicCluster,
		Notes:        notes,
		Reviewer:     pair.Reviewer,
		DecidedAt:    now,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal history entry: %w", err)
	}

	keys := []string{bus.ConflictKey(conflictID), bus.ConflictHistoryKey(now.Format(DateLayout))}
	for _, level := range Levels {
		keys = append(keys, bus.ConflictQueueKey(string(level)))
	}
	res, err := decideScript.Run(ctx, w.client.Redis(), keys,
		conflictID, string(status), string(decision), bus.FormatTimestamp(now), notes,
		string(entry), int64(w.historyTTL/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record decision: %w", err)
	}
	if res != 1 {
		return false, nil
	}

	w.logger.Info().
		Str("event_type", "conflict_resolved").
		Str("conflict_id", conflictID).
		Str("decision", string(decision)).
		Str("status", string(status)).
		Msg("human decision recorded")
	return true, nil
}

// GetConflict retrieves a conflict by ID.
// Returns (nil, nil) if it does not exist or has expired.
func (w *Workflow) GetConflict(ctx context.Context, conflictID string) (*Pair, error) {
	hash, err := w.client.Redis().HGetAll(ctx, bus.ConflictKey(conflictID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	pair, err := HashToPair(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize conflict: %w", err)
	}
	return pair, nil
}

// GetReviewQueue returns the PENDING ids at level, oldest first. An empty
// level returns every queue, most severe first. Conflicts under review are
// left out, and ids whose conflict has expired are removed from the queue.
func (w *Workflow) GetReviewQueue(ctx context.Context, level Level) ([]string, error) {
	levels := Levels
	if level != "" {
		if err := level.Validate(); err != nil {
			return nil, &bus.ValidationError{Entity: "review queue", Field: "level", Reason: err.Error()}
		}
		levels = []Level{level}
	}

	keys := make([]string, len(levels))
	for i, l := range levels {
		keys[i] = bus.ConflictQueueKey(string(l))
	}
	ids, err := pendingScript.Run(ctx, w.client.Redis(), keys, bus.ConflictKey(""), string(StatusPending)).StringSlice()
	if err != nil && !bus.IsNotFound(err) {
		return nil, fmt.Errorf("failed to read review queue: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// History returns the decisions recorded on date (YYYY-MM-DD) in the order
// they were made.
func (w *Workflow) History(ctx context.Context, date string) ([]HistoryEntry, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, &bus.ValidationError{Entity: "history", Field: "date", Reason: err.Error()}
	}
	raw, err := w.client.Redis().LRange(ctx, bus.ConflictHistoryKey(date), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			w.logger.Warn().Err(err).Str("date", date).Msg("skipping malformed history entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ScanTask detects every conflict among the findings for taskID and queues
// the new ones. Returns the number of newly queued conflicts.
func (w *Workflow) ScanTask(ctx context.Context, taskID string) (int, error) {
	if w.detector == nil {
		return 0, fmt.Errorf("workflow has no detector")
	}
	return w.scan(ctx, "conflict.ScanTask", attribute.String("task_id", taskID),
		func(ctx context.Context) ([]*Pair, error) { return w.detector.DetectForTask(ctx, taskID) })
}

// ScanTopic is ScanTask for the findings tagged with topic.
func (w *Workflow) ScanTopic(ctx context.Context, topic string) (int, error) {
	if w.detector == nil {
		return 0, fmt.Errorf("workflow has no detector")
	}
	return w.scan(ctx, "conflict.ScanTopic", attribute.String("topic", topic),
		func(ctx context.Context) ([]*Pair, error) { return w.detector.DetectForTopic(ctx, topic) })
}

func (w *Workflow) scan(ctx context.Context, spanName string, scope attribute.KeyValue,
	detect func(context.Context) ([]*Pair, error)) (int, error) {
	ctx, span := w.tracer.Start(ctx, spanName, trace.WithAttributes(scope))
	defer span.End()

	pairs, err := detect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection failed")
		return 0, err
	}

	queued := 0
	for _, pair := range pairs {
		ok, err := w.QueueForReview(ctx, pair)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "queue failed")
			return queued, err
		}
		if ok {
			queued++
		}
	}
	span.SetAttributes(attribute.Int("queued", queued))
	return queued, nil
}
