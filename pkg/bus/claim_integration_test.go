//go:build integration

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a real Redis so the claim script runs under the
// server's own Lua engine rather than miniredis.
func setupRedisContainer(t *testing.T) *Client {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	require.NoError(t, err)
	opts.PoolSize = 64

	client, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClaimTask_ConcurrentAgainstRedis(t *testing.T) {
	client := setupRedisContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for round := 0; round < 10; round++ {
		task, err := NewTask(TaskParams{Type: "race"})
		require.NoError(t, err)
		require.NoError(t, client.CreateTask(ctx, "planner", task))

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(agent string) {
				defer wg.Done()
				ok, err := client.ClaimTask(ctx, task.ID, agent)
				assert.NoError(t, err)
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}(fmt.Sprintf("agent-%d", i))
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins, "round %d", round)
	}
}
