package filter

import (
	"testing"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/dyluth/agentbus/pkg/delivery"
	"github.com/stretchr/testify/assert"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func msg(from, topic, session string, status delivery.Status, created time.Time) *delivery.Message {
	return &delivery.Message{
		ID:        from + topic + session,
		From:      from,
		To:        "bob",
		Topic:     topic,
		SessionID: session,
		Content:   bus.TextPayload("hi"),
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
		Status:    status,
	}
}

func TestCriteria_Matches(t *testing.T) {
	m := msg("alice", "builds.ci", "", delivery.StatusDelivered, base)

	tests := []struct {
		name     string
		criteria *Criteria
		now      time.Time
		want     bool
	}{
		{"nil matches", nil, base, true},
		{"empty matches", &Criteria{}, base, true},
		{"since before", &Criteria{Since: base.Add(-time.Minute)}, base, true},
		{"since after", &Criteria{Since: base.Add(time.Minute)}, base, false},
		{"until after", &Criteria{Until: base.Add(time.Minute)}, base, true},
		{"until before", &Criteria{Until: base.Add(-time.Minute)}, base, false},
		{"topic glob", &Criteria{TopicGlob: "builds.*"}, base, true},
		{"topic mismatch", &Criteria{TopicGlob: "deploys.*"}, base, false},
		{"from", &Criteria{From: "alice"}, base, true},
		{"from mismatch", &Criteria{From: "carol"}, base, false},
		{"unread", &Criteria{UnreadOnly: true}, base, true},
		{"unread after expiry", &Criteria{UnreadOnly: true}, base.Add(2 * time.Hour), false},
		{"all combined", &Criteria{Since: base, TopicGlob: "builds.ci", From: "alice", UnreadOnly: true}, base, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(m, tt.now))
		})
	}
}

func TestCriteria_SessionTopic(t *testing.T) {
	m := msg("alice", "", "s-1", delivery.StatusPending, base)
	assert.True(t, (&Criteria{TopicGlob: "session"}).Matches(m, base))

	read := msg("alice", "", "s-1", delivery.StatusRead, base)
	assert.False(t, (&Criteria{UnreadOnly: true}).Matches(read, base))
}

func TestCriteria_Validate(t *testing.T) {
	assert.NoError(t, (*Criteria)(nil).Validate())
	assert.NoError(t, (&Criteria{TopicGlob: "a.*"}).Validate())
	assert.Error(t, (&Criteria{TopicGlob: "[a"}).Validate())
	assert.Error(t, (&Criteria{Since: base, Until: base.Add(-time.Second)}).Validate())
}

func TestCriteria_HasFilters(t *testing.T) {
	assert.False(t, (*Criteria)(nil).HasFilters())
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{From: "a"}).HasFilters())
	assert.True(t, (&Criteria{UnreadOnly: true}).HasFilters())
}

func TestCriteria_Apply(t *testing.T) {
	msgs := []*delivery.Message{
		msg("alice", "a", "", delivery.StatusDelivered, base),
		msg("carol", "a", "", delivery.StatusDelivered, base),
		msg("alice", "b", "", delivery.StatusDelivered, base),
	}
	got := (&Criteria{From: "alice"}).Apply(msgs, base)
	assert.Equal(t, []*delivery.Message{msgs[0], msgs[2]}, got)
}
