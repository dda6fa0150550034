//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stepflow/stepflow/scheduler/timerstore"
)

func startRedisContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestStore_ScheduleDueDelete(t *testing.T) {
	t.Parallel()
	addr := startRedisContainer(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := New(Options{Client: rdb})
	require.NoError(t, err)

	ctx := context.Background()
	past := timerstore.Timer{RunID: "run-1", Label: "sleep_0", FireAt: time.Now().Add(-time.Minute), Payload: map[string]any{"x": 1}}
	future := timerstore.Timer{RunID: "run-2", Label: "sleep_0", FireAt: time.Now().Add(time.Hour)}

	require.NoError(t, store.Schedule(ctx, past))
	require.NoError(t, store.Schedule(ctx, future))

	due, err := store.Due(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "run-1", due[0].RunID)

	require.NoError(t, store.Delete(ctx, "run-1", "sleep_0"))
	due, err = store.Due(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = store.Due(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "run-2", due[0].RunID)
}
