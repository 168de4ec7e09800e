package bus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/agentbus/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T, opts ...Option) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func createTestTask(t *testing.T, client *Client, params TaskParams) *Task {
	t.Helper()
	task, err := NewTask(params)
	require.NoError(t, err)
	require.NoError(t, client.CreateTask(context.Background(), "planner", task))
	return task
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("rejects nil options", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis options cannot be nil")
	})
}

func TestClose(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	client, err := NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	assert.NoError(t, client.Close())

	err = client.Ping(context.Background())
	assert.True(t, IsStoreUnavailable(err))
}

func TestCreateAndGetTask(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	task := createTestTask(t, client, TaskParams{Type: "research", Description: "survey", TTLSeconds: 120})

	got, err := client.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)
	assert.Equal(t, 120*time.Second, mr.TTL(TaskKey(task.ID)))

	t.Run("missing task returns nil", func(t *testing.T) {
		got, err := client.GetTask(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("rejects empty origin", func(t *testing.T) {
		other, err := NewTask(TaskParams{})
		require.NoError(t, err)
		err = client.CreateTask(ctx, "", other)
		assert.True(t, IsValidationError(err))
	})
}

func TestClaimTask(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		task := createTestTask(t, client, TaskParams{})

		ok, err := client.ClaimTask(ctx, task.ID, "A")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = client.ClaimTask(ctx, task.ID, "B")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := client.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", got.Assignee)
		assert.Equal(t, TaskStatusInProgress, got.Status)
	})

	t.Run("missing task", func(t *testing.T) {
		ok, err := client.ClaimTask(ctx, "nope", "A")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty assignee", func(t *testing.T) {
		_, err := client.ClaimTask(ctx, "nope", "")
		assert.True(t, IsValidationError(err))
	})

	t.Run("terminal task cannot be claimed", func(t *testing.T) {
		task := createTestTask(t, client, TaskParams{})
		ok, err := client.ClaimTask(ctx, task.ID, "A")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = client.UpdateTaskStatus(ctx, task.ID, "A", TaskStatusCompleted)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = client.ReleaseTask(ctx, task.ID, "")
		require.NoError(t, err)
		assert.False(t, ok, "completed task must not return to PENDING")

		ok, err = client.ClaimTask(ctx, task.ID, "B")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClaimTask_Concurrent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	task := createTestTask(t, client, TaskParams{})

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			ok, err := client.ClaimTask(ctx, task.ID, agent)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, agent)
				mu.Unlock()
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := client.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Assignee)
}

func TestReleaseTask(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	task := createTestTask(t, client, TaskParams{})

	ok, err := client.ClaimTask(ctx, task.ID, "A")
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("other agent cannot release", func(t *testing.T) {
		ok, err := client.ReleaseTask(ctx, task.ID, "B")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("holder releases", func(t *testing.T) {
		ok, err := client.ReleaseTask(ctx, task.ID, "A")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := client.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Assignee)
		assert.Equal(t, TaskStatusPending, got.Status)
	})

	t.Run("released task can be claimed again", func(t *testing.T) {
		ok, err := client.ClaimTask(ctx, task.ID, "B")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestUpdateTaskStatus(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	task := createTestTask(t, client, TaskParams{})
	_, err := client.ClaimTask(ctx, task.ID, "A")
	require.NoError(t, err)

	t.Run("non-assignee refused", func(t *testing.T) {
		ok, err := client.UpdateTaskStatus(ctx, task.ID, "B", TaskStatusFailed)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("claim states are rejected", func(t *testing.T) {
		_, err := client.UpdateTaskStatus(ctx, task.ID, "A", TaskStatusPending)
		assert.True(t, IsValidationError(err))
		_, err = client.UpdateTaskStatus(ctx, task.ID, "A", TaskStatus("bogus"))
		assert.True(t, IsValidationError(err))
	})

	t.Run("needs assist then completed", func(t *testing.T) {
		ok, err := client.UpdateTaskStatus(ctx, task.ID, "A", TaskStatusNeedsAssist)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = client.UpdateTaskStatus(ctx, task.ID, "A", TaskStatusCompleted)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = client.UpdateTaskStatus(ctx, task.ID, "A", TaskStatusFailed)
		require.NoError(t, err)
		assert.False(t, ok, "terminal status is final")
	})
}

func TestGetUnassignedTask(t *testing.T) {
	fake := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	client, _ := setupTestClient(t, WithClock(fake))
	ctx := context.Background()

	got, err := client.GetUnassignedTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	base := fake.Now()
	newer := createTestTask(t, client, TaskParams{ID: "newer", CreatedAt: base.Add(2 * time.Minute)})
	oldest := createTestTask(t, client, TaskParams{ID: "oldest", CreatedAt: base})
	createTestTask(t, client, TaskParams{ID: "middle", CreatedAt: base.Add(time.Minute)})

	got, err = client.GetUnassignedTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, oldest.ID, got.ID)

	_, err = client.ClaimTask(ctx, "oldest", "A")
	require.NoError(t, err)
	_, err = client.ClaimTask(ctx, "middle", "B")
	require.NoError(t, err)

	got, err = client.GetUnassignedTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	tasks, err := client.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"oldest", "middle", "newer"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestFindings(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	sub := client.Redis().Subscribe(ctx, FindingEventsChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ts := time.Now().UTC()
	first, err := NewFinding(FindingParams{WorkerID: "w1", TaskID: "t1", Claim: "cache hit rate is high", Confidence: 0.9, Tags: []string{"cache"}, Timestamp: ts})
	require.NoError(t, err)
	second, err := NewFinding(FindingParams{WorkerID: "w2", TaskID: "t1", Claim: "dns is slow", Confidence: 0.4, Tags: []string{"dns"}, Timestamp: ts.Add(time.Second)})
	require.NoError(t, err)
	other, err := NewFinding(FindingParams{WorkerID: "w3", TaskID: "t2", Claim: "cache misses spike", Confidence: 0.0, Tags: []string{"cache"}, Timestamp: ts.Add(2 * time.Second)})
	require.NoError(t, err)

	for _, f := range []*Finding{second, first, other} {
		require.NoError(t, client.PostFinding(ctx, f))
	}

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, msg.Payload)

	got, err := client.GetFinding(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Equal(t, time.Duration(DefaultFindingTTLSeconds)*time.Second, mr.TTL(FindingKey(first.ID)))

	byTask, err := client.FindingsForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, byTask, 2)
	assert.Equal(t, first.ID, byTask[0].ID)
	assert.Equal(t, second.ID, byTask[1].ID)

	byTopic, err := client.FindingsForTopic(ctx, "cache")
	require.NoError(t, err)
	require.Len(t, byTopic, 2)
	assert.Equal(t, other.ID, byTopic[1].ID)

	t.Run("expired finding is gone", func(t *testing.T) {
		mr.FastForward(time.Duration(DefaultFindingTTLSeconds+1) * time.Second)
		got, err := client.GetFinding(ctx, first.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("invalid finding never reaches the store", func(t *testing.T) {
		bad := *first
		bad.Confidence = 1.5
		err := client.PostFinding(ctx, &bad)
		assert.True(t, IsValidationError(err))
	})
}

type stubSigner struct{}

func (stubSigner) KeyID() string { return "key-1" }

func (stubSigner) Sign(digest []byte) (string, error) {
	return "sig:" + hex.EncodeToString(digest), nil
}

type stubVerifier struct{}

func (stubVerifier) Verify(keyID string, digest []byte, signature string) error {
	if keyID != "key-1" || signature != "sig:"+hex.EncodeToString(digest) {
		return errors.New("bad signature")
	}
	return nil
}

func TestPackets(t *testing.T) {
	client, mr := setupTestClient(t, WithSigner(stubSigner{}), WithPacketTTL(time.Hour))
	ctx := context.Background()

	p, err := client.Dispatch(ctx, "agent-a", SpeechActRequest, "task:1", "create", TextPayload("do it"))
	require.NoError(t, err)
	assert.Equal(t, "key-1", p.Signer)
	assert.NotEmpty(t, p.Digest)
	assert.Equal(t, time.Hour, mr.TTL(PacketKey(p.TrackingID)))

	t.Run("custody only grows", func(t *testing.T) {
		ok, err := client.AppendCustody(ctx, p.TrackingID, "agent-b", "read")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = client.AppendCustody(ctx, p.TrackingID, "agent-c", "forward")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := client.GetPacket(ctx, p.TrackingID)
		require.NoError(t, err)
		require.Len(t, got.ChainOfCustody, 3)
		assert.Equal(t, "agent-a", got.ChainOfCustody[0].AgentID)
		assert.Equal(t, "create", got.ChainOfCustody[0].Action)
		assert.Equal(t, "agent-c", got.ChainOfCustody[2].AgentID)
	})

	t.Run("signature verifies after custody appends", func(t *testing.T) {
		got, err := client.GetPacket(ctx, p.TrackingID)
		require.NoError(t, err)
		assert.NoError(t, VerifyPacket(got, stubVerifier{}))

		tampered := *got
		tampered.Contents = TextPayload("do something else")
		assert.Error(t, VerifyPacket(&tampered, stubVerifier{}))

		assert.Error(t, VerifyPacket(got, nil))
	})

	t.Run("append to missing packet", func(t *testing.T) {
		ok, err := client.AppendCustody(ctx, "00000000-0000-0000-0000-000000000000", "agent-b", "read")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing packet returns nil", func(t *testing.T) {
		got, err := client.GetPacket(ctx, "00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestEntityWritesAreTraced(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	task := createTestTask(t, client, TaskParams{})
	_, err := client.ClaimTask(ctx, task.ID, "A")
	require.NoError(t, err)

	keys, err := client.ScanKeys(ctx, "packet:*:custody")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	subjects := map[string]bool{}
	for _, key := range keys {
		id := key[len("packet:") : len(key)-len(":custody")]
		p, err := client.GetPacket(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, TaskKey(task.ID), p.Subject)
		assert.Empty(t, p.Signature)
		assert.NoError(t, VerifyPacket(p, nil))
		subjects[p.ChainOfCustody[0].Action] = true
	}
	assert.True(t, subjects["create"])
	assert.True(t, subjects["claim"])
	assert.True(t, mr.Exists(TaskKey(task.ID)))
}

func TestSharedContext_LastWriteWins(t *testing.T) {
	fake := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	client, mr := setupTestClient(t, WithClock(fake))
	ctx := context.Background()

	got, err := client.GetContext(ctx, "project", "caching")
	require.NoError(t, err)
	assert.Nil(t, got)

	first := &SharedContext{Scope: "project", Name: "caching", Notes: "first", Topics: []string{"lru"}}
	require.NoError(t, client.ShareContext(ctx, "agent-a", first))

	fake.Advance(time.Minute)
	second := &SharedContext{Scope: "project", Name: "caching", Notes: "second"}
	require.NoError(t, client.ShareContext(ctx, "agent-b", second))

	got, err = client.GetContext(ctx, "project", "caching")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Notes)
	assert.Empty(t, got.Topics)
	assert.Equal(t, fake.Now().UTC(), got.UpdatedAt)
	assert.Equal(t, DefaultContextTTL, mr.TTL(ContextKey("project", "caching")))

	err = client.ShareContext(ctx, "", second)
	assert.True(t, IsValidationError(err))
}

func TestTransition(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	rdb := client.Redis()
	require.NoError(t, rdb.HSet(ctx, "thing:1", "state", "OPEN").Err())

	res, err := client.Transition(ctx, "thing:1", "state", []string{"CLOSED"}, map[string]string{"state": "DONE"})
	require.NoError(t, err)
	assert.Equal(t, TransitionRejected, res)

	res, err = client.Transition(ctx, "thing:1", "state", []string{"OPEN", "PAUSED"}, map[string]string{"state": "CLOSED", "by": "x"})
	require.NoError(t, err)
	assert.Equal(t, TransitionApplied, res)
	assert.Equal(t, "CLOSED", rdb.HGet(ctx, "thing:1", "state").Val())
	assert.Equal(t, "x", rdb.HGet(ctx, "thing:1", "by").Val())

	res, err = client.Transition(ctx, "thing:2", "state", []string{"OPEN"}, map[string]string{"state": "CLOSED"})
	require.NoError(t, err)
	assert.Equal(t, TransitionMissing, res)
}
