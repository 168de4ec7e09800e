//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisImage is the server image used by integration environments.
const RedisImage = "redis:7-alpine"

// ContainerEnv is a bus client connected to a throwaway Redis container.
type ContainerEnv struct {
	T      *testing.T
	Ctx    context.Context
	URL    string
	Client *bus.Client
}

// NewContainerEnv starts a Redis container and connects a bus client to it
// using the real clock. The container is terminated when the test ends.
func NewContainerEnv(t *testing.T, opts ...bus.Option) *ContainerEnv {
	t.Helper()
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        RedisImage,
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

	url := fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	redisOpts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client, err := bus.NewClient(redisOpts, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &ContainerEnv{T: t, Ctx: ctx, URL: url, Client: client}
}

// WaitFor polls cond every 100ms until it returns true or timeout passes.
func (e *ContainerEnv) WaitFor(timeout time.Duration, what string, cond func() bool) {
	e.T.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Fail(e.T, fmt.Sprintf("%s did not happen within %s", what, timeout))
}
