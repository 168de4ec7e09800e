package delivery

import (
	"testing"

	"github.com/dyluth/agentbus/internal/testutil"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverySessions(t *testing.T) {
	m, env := setupManager(t, DefaultConfig())
	ctx := t.Context()

	s, err := m.StartSession(ctx, "release-planning", "alice", "bob", "carol", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, s.Participants)
	assert.Equal(t, SessionActive, s.Status)
	assert.Equal(t, DefaultConfig().MessageTTL, env.Redis.TTL(bus.CommsSessionKey(s.ID)))

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.Participants, got.Participants)
	assert.Equal(t, "release-planning", got.Topic)
	assert.Equal(t, testutil.Epoch, got.CreatedAt)

	ok, err := m.SendToSession(ctx, s.ID, "alice", bus.TextPayload("ship friday?"))
	require.NoError(t, err)
	assert.True(t, ok)

	for _, agent := range []string{"bob", "carol"} {
		msgs, err := m.GetMessages(ctx, agent)
		require.NoError(t, err)
		require.Len(t, msgs, 1, agent)
		assert.Equal(t, s.ID, msgs[0].SessionID)
		assert.Equal(t, "alice", msgs[0].From)
	}
	own, err := m.GetMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, own)

	t.Run("outsiders cannot send", func(t *testing.T) {
		ok, err := m.SendToSession(ctx, s.ID, "mallory", bus.TextPayload("hi"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("close", func(t *testing.T) {
		closed, err := m.CloseSession(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, closed)

		closed, err = m.CloseSession(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, closed)

		ok, err := m.SendToSession(ctx, s.ID, "alice", bus.TextPayload("too late"))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := m.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionClosed, got.Status)
		assert.Equal(t, testutil.Epoch, got.ClosedAt)
	})

	t.Run("missing session", func(t *testing.T) {
		got, err := m.GetSession(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)

		closed, err := m.CloseSession(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, closed)
	})
}

func TestStartSession_Validation(t *testing.T) {
	m, _ := setupManager(t, DefaultConfig())

	_, err := m.StartSession(t.Context(), "solo", "alice")
	assert.True(t, bus.IsValidationError(err))

	_, err = m.StartSession(t.Context(), "dupes", "alice", "alice")
	assert.True(t, bus.IsValidationError(err))

	_, err = m.StartSession(t.Context(), "blank", "alice", "")
	assert.True(t, bus.IsValidationError(err))
}
