package speech

import (
	"testing"
	"time"

	"github.com/dyluth/agentbus/internal/testutil"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	env      *testutil.Env
	delivery *delivery.Manager
	a, b     *Layer
}

func setupPair(t *testing.T) *pair {
	t.Helper()
	env := testutil.NewEnv(t)
	dm, err := delivery.NewManager(env.Client, delivery.DefaultConfig())
	require.NoError(t, err)
	a, err := NewLayer("agent-a", env.Client, dm)
	require.NoError(t, err)
	b, err := NewLayer("agent-b", env.Client, dm)
	require.NoError(t, err)
	return &pair{env: env, delivery: dm, a: a, b: b}
}

// envelopes decodes every session message queued for agentID.
func (p *pair) envelopes(t *testing.T, agentID string) []*Envelope {
	t.Helper()
	msgs, err := p.delivery.GetMessages(t.Context(), agentID)
	require.NoError(t, err)
	out := make([]*Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := DecodeEnvelope(msg.Content)
		require.NoError(t, err)
		assert.Equal(t, env.SessionID, msg.SessionID)
		out = append(out, env)
	}
	return out
}

func kinds(envs []*Envelope) []Kind {
	out := make([]Kind, len(envs))
	for i, e := range envs {
		out[i] = e.Kind
	}
	return out
}

func TestNewLayer(t *testing.T) {
	env := testutil.NewEnv(t)
	dm, err := delivery.NewManager(env.Client, delivery.DefaultConfig())
	require.NoError(t, err)

	_, err = NewLayer("", env.Client, dm)
	assert.True(t, bus.IsValidationError(err))

	_, err = NewLayer("agent-a", env.Client, nil)
	require.Error(t, err)

	l, err := NewLayer("agent-a", env.Client, dm)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", l.AgentID())
}

func TestSessionLifecycle(t *testing.T) {
	p := setupPair(t)
	ctx := t.Context()

	s, err := p.a.Initiate(ctx, "agent-b", "context_sync", map[string]string{"scope": "repo"})
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, s.State)
	assert.Equal(t, DefaultSessionTTL, p.env.Redis.TTL(bus.SessionKey(s.ID)))

	invites := p.envelopes(t, "agent-b")
	require.Len(t, invites, 1)
	assert.Equal(t, KindInvite, invites[0].Kind)
	assert.Equal(t, "context_sync", invites[0].SessionType)
	assert.Equal(t, "repo", invites[0].Metadata["scope"])

	p.env.Advance(time.Second)
	ok, err := p.b.Accept(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := p.a.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, testutil.Epoch.Add(time.Second), got.UpdatedAt)
	assert.Equal(t, []Kind{KindAck}, kinds(p.envelopes(t, "agent-a")))

	ok, err = p.a.Terminate(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = p.b.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, []Kind{KindInvite, KindBye}, kinds(p.envelopes(t, "agent-b")))
}

func TestTerminate_FromTarget(t *testing.T) {
	p := setupPair(t)
	ctx := t.Context()

	s, err := p.a.Initiate(ctx, "agent-b", "review", nil)
	require.NoError(t, err)
	ok, err := p.b.Accept(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.b.Terminate(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []Kind{KindAck, KindBye}, kinds(p.envelopes(t, "agent-a")))
	assert.Equal(t, []Kind{KindInvite}, kinds(p.envelopes(t, "agent-b")))
}

func TestReject(t *testing.T) {
	p := setupPair(t)
	ctx := t.Context()

	s, err := p.a.Initiate(ctx, "agent-b", "pairing", nil)
	require.NoError(t, err)

	ok, err := p.b.Reject(ctx, s.ID, "busy with release")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := p.a.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, got.State)
	assert.Equal(t, "busy with release", got.Reason)

	cancels := p.envelopes(t, "agent-a")
	require.Len(t, cancels, 1)
	assert.Equal(t, KindCancel, cancels[0].Kind)
	assert.Equal(t, "busy with release", cancels[0].Reason)

	t.Run("rejected sessions admit nothing", func(t *testing.T) {
		ok, err := p.b.Accept(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = p.a.Terminate(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := p.a.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, StateRejected, got.State)
	})
}

func TestIllegalTransitions(t *testing.T) {
	p := setupPair(t)
	ctx := t.Context()

	s, err := p.a.Initiate(ctx, "agent-b", "review", nil)
	require.NoError(t, err)

	t.Run("initiator cannot accept its own invite", func(t *testing.T) {
		ok, err := p.a.Accept(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("cannot terminate before accept", func(t *testing.T) {
		ok, err := p.a.Terminate(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("outsiders cannot touch the session", func(t *testing.T) {
		c, err := NewLayer("agent-c", p.env.Client, p.delivery)
		require.NoError(t, err)
		ok, err := c.Terminate(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = c.Send(ctx, s.ID, bus.SpeechActInform, bus.TextPayload("hi"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("accept twice", func(t *testing.T) {
		ok, err := p.b.Accept(ctx, s.ID)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = p.b.Accept(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("terminated sessions admit nothing", func(t *testing.T) {
		ok, err := p.a.Terminate(ctx, s.ID)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = p.b.Terminate(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = p.b.Reject(ctx, s.ID, "late")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown session", func(t *testing.T) {
		ok, err := p.b.Accept(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := p.b.GetSession(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSend(t *testing.T) {
	p := setupPair(t)
	ctx := t.Context()

	s, err := p.a.Initiate(ctx, "agent-b", "context_sync", nil)
	require.NoError(t, err)

	ok, err := p.a.Send(ctx, s.ID, bus.SpeechActRequest, bus.TextPayload("too early"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.b.Accept(ctx, s.ID)
	require.NoError(t, err)

	ok, err = p.a.Send(ctx, s.ID, bus.SpeechActRequest, bus.TextPayload("send me the schema"))
	require.NoError(t, err)
	assert.True(t, ok)

	envs := p.envelopes(t, "agent-b")
	require.Len(t, envs, 2)
	assert.Equal(t, KindAct, envs[1].Kind)
	assert.Equal(t, bus.SpeechActRequest, envs[1].Act)
	assert.Equal(t, "send me the schema", envs[1].Body.Text())

	_, err = p.a.Send(ctx, s.ID, bus.SpeechAct("SHOUT"), bus.TextPayload("x"))
	assert.True(t, bus.IsValidationError(err))
}

func TestInitiate_Validation(t *testing.T) {
	p := setupPair(t)

	_, err := p.a.Initiate(t.Context(), "", "review", nil)
	assert.True(t, bus.IsValidationError(err))

	_, err = p.a.Initiate(t.Context(), "agent-a", "review", nil)
	assert.True(t, bus.IsValidationError(err))

	_, err = p.a.Initiate(t.Context(), "agent-b", "", nil)
	assert.True(t, bus.IsValidationError(err))
}

func TestSessionHashRoundTrip(t *testing.T) {
	s := &Session{
		ID:        "s-1",
		Initiator: "agent-a",
		Target:    "agent-b",
		Type:      "review",
		State:     StateRejected,
		Metadata:  map[string]string{"pr": "12"},
		Reason:    "no capacity",
		CreatedAt: testutil.Epoch,
		UpdatedAt: testutil.Epoch.Add(time.Minute),
	}

	hash, err := SessionToHash(s)
	require.NoError(t, err)
	str := make(map[string]string, len(hash))
	for k, v := range hash {
		str[k] = v.(string)
	}

	got, err := HashToSession(str)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSession_Other(t *testing.T) {
	s := &Session{Initiator: "agent-a", Target: "agent-b"}
	assert.Equal(t, "agent-b", s.Other("agent-a"))
	assert.Equal(t, "agent-a", s.Other("agent-b"))
	assert.Empty(t, s.Other("agent-c"))
}

func TestDecodeEnvelope(t *testing.T) {
	_, err := DecodeEnvelope(bus.TextPayload("plain"))
	require.Error(t, err)

	payload, err := bus.JSONPayload(map[string]string{"hello": "world"})
	require.NoError(t, err)
	_, err = DecodeEnvelope(payload)
	require.Error(t, err)
}
