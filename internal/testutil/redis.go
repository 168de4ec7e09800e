// Package testutil provides store-backed fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/agentbus/internal/clock"
	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Epoch is the starting time of every fake clock handed out by this package.
var Epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// Env bundles a bus client, the miniredis instance behind it and the fake
// clock it stamps writes with.
type Env struct {
	Client *bus.Client
	Redis  *miniredis.Miniredis
	Clock  *clock.FakeClock
}

// NewEnv starts a miniredis server and connects a bus client to it. Both are
// closed when the test ends.
func NewEnv(t *testing.T, opts ...bus.Option) *Env {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	fake := clock.Fake(Epoch)
	opts = append([]bus.Option{bus.WithClock(fake)}, opts...)
	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &Env{Client: client, Redis: mr, Clock: fake}
}

// Advance moves both the fake clock and miniredis' TTL clock forward.
func (e *Env) Advance(d time.Duration) {
	e.Clock.Advance(d)
	e.Redis.FastForward(d)
}

// PostFinding builds and posts a finding, failing the test on error.
func (e *Env) PostFinding(t *testing.T, p bus.FindingParams) *bus.Finding {
	t.Helper()
	if p.Timestamp.IsZero() {
		p.Timestamp = e.Clock.Now()
	}
	f, err := bus.NewFinding(p)
	require.NoError(t, err)
	require.NoError(t, e.Client.PostFinding(t.Context(), f))
	return f
}
