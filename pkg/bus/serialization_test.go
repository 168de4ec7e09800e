package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stringify mimics what HGETALL hands back for a hash written with HSET.
func stringify(hash map[string]interface{}) map[string]string {
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func TestTimestamps(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 0, 123456789, time.FixedZone("X", 3600))
	s := FormatTimestamp(ts)
	assert.Equal(t, "2025-03-01T11:30:00.123456789Z", s)

	back, err := ParseTimestamp(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(back))

	assert.Equal(t, "", FormatTimestamp(time.Time{}))
	zero, err := ParseTimestamp("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestTaskHashRoundTrip(t *testing.T) {
	data, err := JSONPayload(map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	task, err := NewTask(TaskParams{Type: "fetch", Description: "fetch page", Data: data})
	require.NoError(t, err)
	task.Assignee = "worker-1"

	got, err := HashToTask(stringify(TaskToHash(task)))
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestFindingHashRoundTrip(t *testing.T) {
	f, err := NewFinding(FindingParams{
		WorkerID:   "worker-1",
		TaskID:     "task-1",
		Claim:      "latency is dominated by DNS",
		Confidence: 0.1 + 0.2,
		Citations:  []string{"https://a", "https://b"},
		Tags:       []string{"dns", "latency"},
		SpeechAct:  SpeechActHold,
	})
	require.NoError(t, err)

	hash, err := FindingToHash(f)
	require.NoError(t, err)
	got, err := HashToFinding(stringify(hash))
	require.NoError(t, err)
	assert.Equal(t, f, got)

	t.Run("bad confidence field", func(t *testing.T) {
		raw := stringify(hash)
		raw["confidence"] = "high"
		_, err := HashToFinding(raw)
		assert.Error(t, err)
	})
}

func TestPacketHashRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	p := &Packet{
		TrackingID:   uuid.New().String(),
		Origin:       "agent-a",
		DispatchedAt: now,
		SpeechAct:    SpeechActRequest,
		Subject:      "task:1",
		Contents:     TextPayload("please"),
		ChainOfCustody: []CustodyEntry{
			{AgentID: "agent-a", Action: "create", Timestamp: now},
			{AgentID: "agent-b", Action: "read", Timestamp: now.Add(time.Second)},
		},
		Digest: "abc",
	}

	custody, err := CustodyToValues(p.ChainOfCustody)
	require.NoError(t, err)
	values := make([]string, len(custody))
	for i, v := range custody {
		values[i] = v.(string)
	}

	got, err := HashToPacket(stringify(PacketToHash(p)), values)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestContextHashRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	shared, err := CBORPayload(map[string]int{"files": 4})
	require.NoError(t, err)
	sc := &SharedContext{
		Scope:      "project",
		Name:       "caching",
		Notes:      "evaluate eviction",
		Timeline:   []TimelineEntry{{Timestamp: now, Event: "kickoff"}},
		Topics:     []string{"cache"},
		SharedData: shared,
		UpdatedAt:  now,
	}

	hash, err := ContextToHash(sc)
	require.NoError(t, err)
	got, err := HashToContext(stringify(hash))
	require.NoError(t, err)
	assert.Equal(t, sc, got)
}
