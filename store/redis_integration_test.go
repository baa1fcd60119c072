//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStoreAgainstRedis(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(startRedis(t), "it:")

	created, err := s.Create(ctx, sampleRecord("T1"), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Create(ctx, sampleRecord("T1"), 2*time.Second)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("T1"), got)

	assert.Eventually(t, func() bool {
		exists, err := s.Exists(ctx, "T1")
		return err == nil && !exists
	}, 5*time.Second, 100*time.Millisecond, "record expires on its own")
}
