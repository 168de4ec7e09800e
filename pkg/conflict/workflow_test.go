package conflict

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/agentbus/internal/testutil"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWorkflow(t *testing.T) (*Workflow, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	d := newDetector(t, env.Client, WithDetectorClock(env.Clock))
	return NewWorkflow(env.Client, d), env
}

func testPair(id string, level Level) *Pair {
	return &Pair{
		ID:              id,
		Finding1:        "f-" + id + "-1",
		Finding2:        "f-" + id + "-2",
		Confidence1:     0.9,
		Confidence2:     0.3,
		ConfidenceDelta: 0.6,
		Level:           level,
		TopicCluster:    "task:" + id,
		CreatedAt:       testutil.Epoch,
		Status:          StatusPending,
		TTLSeconds:      DefaultTTLSeconds,
	}
}

func TestPairHashRoundTrip(t *testing.T) {
	p := testPair("c1", LevelHigh)
	p.Status = StatusResolvedMerged
	p.HumanDecision = DecisionMerged
	p.HumanDecisionTimestamp = testutil.Epoch.Add(90 * time.Minute)
	p.ResolutionNotes = "combined"
	p.Reviewer = "alice"

	hash := make(map[string]string)
	for k, v := range PairToHash(p) {
		hash[k] = fmt.Sprint(v)
	}
	got, err := HashToPair(hash)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPairID(t *testing.T) {
	assert.Equal(t, PairID("a", "b"), PairID("b", "a"))
	assert.NotEqual(t, PairID("a", "b"), PairID("a", "c"))
}

func TestDecisionStatus(t *testing.T) {
	want := map[Decision]Status{
		DecisionFirst:    StatusResolvedFirst,
		DecisionSecond:   StatusResolvedSecond,
		DecisionBoth:     StatusResolvedBoth,
		DecisionMerged:   StatusResolvedMerged,
		DecisionEscalate: StatusEscalated,
	}
	for d, s := range want {
		got, err := d.Status()
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.True(t, got.Terminal())
	}

	_, err := Decision("maybe").Status()
	assert.True(t, bus.IsValidationError(err))
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusHumanReviewing.Terminal())
}

func TestQueueForReview(t *testing.T) {
	w, env := setupWorkflow(t)
	ctx := context.Background()

	ok, err := w.QueueForReview(ctx, testPair("c1", LevelCritical))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.QueueForReview(ctx, testPair("c1", LevelCritical))
	require.NoError(t, err)
	assert.False(t, ok, "second queue of the same conflict is a no-op")

	ok, err = w.QueueForReview(ctx, testPair("c2", LevelLow))
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := w.GetReviewQueue(ctx, LevelCritical)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	ids, err = w.GetReviewQueue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	_, err = w.GetReviewQueue(ctx, Level("SEVERE"))
	assert.True(t, bus.IsValidationError(err))

	got, err := w.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, testPair("c1", LevelCritical), got)
	assert.Equal(t, time.Duration(DefaultTTLSeconds)*time.Second, env.Redis.TTL(bus.ConflictKey("c1")))

	t.Run("invalid pair", func(t *testing.T) {
		bad := testPair("c3", Level("NOPE"))
		_, err := w.QueueForReview(ctx, bad)
		assert.True(t, bus.IsValidationError(err))
	})
}

func TestRecordHumanDecision(t *testing.T) {
	w, env := setupWorkflow(t)
	ctx := context.Background()

	for _, level := range Levels {
		_, err := w.QueueForReview(ctx, testPair("c-"+string(level), level))
		require.NoError(t, err)
	}
	// simulate a stale entry left in another queue after reassessment
	require.NoError(t, env.Client.Redis().RPush(ctx, bus.ConflictQueueKey(string(LevelLow)), "c-CRITICAL").Err())

	env.Advance(45 * time.Minute)

	ok, err := w.RecordHumanDecision(ctx, "c-CRITICAL", DecisionMerged, "combined both claims")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := w.GetConflict(ctx, "c-CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedMerged, got.Status)
	assert.Equal(t, DecisionMerged, got.HumanDecision)
	assert.Equal(t, "combined both claims", got.ResolutionNotes)
	assert.Equal(t, testutil.Epoch.Add(45*time.Minute), got.HumanDecisionTimestamp)

	ids, err := w.GetReviewQueue(ctx, "")
	require.NoError(t, err)
	assert.NotContains(t, ids, "c-CRITICAL")
	assert.Len(t, ids, 3)

	t.Run("second decision does not change status", func(t *testing.T) {
		ok, err := w.RecordHumanDecision(ctx, "c-CRITICAL", DecisionFirst, "changed my mind")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := w.GetConflict(ctx, "c-CRITICAL")
		require.NoError(t, err)
		assert.Equal(t, StatusResolvedMerged, got.Status)
		assert.Equal(t, "combined both claims", got.ResolutionNotes)
	})

	t.Run("unknown decision", func(t *testing.T) {
		_, err := w.RecordHumanDecision(ctx, "c-HIGH", Decision("maybe"), "")
		assert.True(t, bus.IsValidationError(err))
	})

	t.Run("missing conflict", func(t *testing.T) {
		ok, err := w.RecordHumanDecision(ctx, "nope", DecisionBoth, "")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("history", func(t *testing.T) {
		entries, err := w.History(ctx, testutil.Epoch.Format(DateLayout))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "c-CRITICAL", entries[0].ConflictID)
		assert.Equal(t, DecisionMerged, entries[0].Decision)
		assert.Equal(t, LevelCritical, entries[0].Level)

		_, err = w.History(ctx, "last tuesday")
		assert.True(t, bus.IsValidationError(err))
	})
}

func TestGetReviewQueue_DropsExpiredConflicts(t *testing.T) {
	w, env := setupWorkflow(t)
	ctx := context.Background()

	_, err := w.QueueForReview(ctx, testPair("a", LevelHigh))
	require.NoError(t, err)
	env.Advance(23 * time.Hour)
	_, err = w.QueueForReview(ctx, testPair("b", LevelHigh))
	require.NoError(t, err)
	env.Advance(2 * time.Hour)

	got, err := w.GetConflict(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, got, "conflict a has expired")

	ids, err := w.GetReviewQueue(ctx, LevelHigh)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	queued, err := env.Client.Redis().LRange(ctx, bus.ConflictQueueKey(string(LevelHigh)), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, queued, "expired id removed from the queue")
}

func TestGetReviewQueue_EmptyLevels(t *testing.T) {
	w, _ := setupWorkflow(t)

	ids, err := w.GetReviewQueue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{}, ids)
}

func TestStartReview(t *testing.T) {
	w, _ := setupWorkflow(t)
	ctx := context.Background()
	_, err := w.QueueForReview(ctx, testPair("c1", LevelHigh))
	require.NoError(t, err)

	ok, err := w.StartReview(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.StartReview(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "only PENDING conflicts can be picked up")

	got, err := w.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusHumanReviewing, got.Status)
	assert.Equal(t, "alice", got.Reviewer)

	ids, err := w.GetReviewQueue(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ids, "conflicts under review are not pending")

	ok, err = w.RecordHumanDecision(ctx, "c1", DecisionEscalate, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.StartReview(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "resolved conflicts never return to review")

	ok, err = w.StartReview(ctx, "missing", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = w.StartReview(ctx, "c1", "")
	assert.True(t, bus.IsValidationError(err))
}

func TestScanTask(t *testing.T) {
	w, env := setupWorkflow(t)
	ctx := context.Background()

	env.PostFinding(t, bus.FindingParams{WorkerID: "w1", TaskID: "T1", Claim: "api is up", Confidence: 0.9})
	env.PostFinding(t, bus.FindingParams{WorkerID: "w2", TaskID: "T1", Claim: "api is down", Confidence: 0.3})

	n, err := w.ScanTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.ScanTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rescanning does not requeue")

	ids, err := w.GetReviewQueue(ctx, LevelCritical)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	_, err = NewWorkflow(env.Client, nil).ScanTask(ctx, "T1")
	assert.Error(t, err)
}

func TestScanTopic(t *testing.T) {
	w, env := setupWorkflow(t)
	ctx := context.Background()

	env.PostFinding(t, bus.FindingParams{WorkerID: "w1", TaskID: "T1", Claim: "cache is safe", Confidence: 0.95, Tags: []string{"cache"}})
	env.PostFinding(t, bus.FindingParams{WorkerID: "w2", TaskID: "T2", Claim: "cache is unsafe", Confidence: 0.4, Tags: []string{"cache"}})
	env.PostFinding(t, bus.FindingParams{WorkerID: "w3", TaskID: "T3", Claim: "disk is full", Confidence: 0.1, Tags: []string{"disk"}})

	n, err := w.ScanTopic(ctx, "cache")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = NewWorkflow(env.Client, nil).ScanTopic(ctx, "cache")
	assert.Error(t, err)
}
