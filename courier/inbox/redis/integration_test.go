//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testRedisImage = "redis:7-alpine"

func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		testRedisImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint
}

func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	addr := setupRedisContainer(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, opts...)
	require.NoError(t, err)

	return store
}

func TestIntegration_Store_AddRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	record, err := inbox.NewRecord("cmd-1", "billing",
		inbox.WithCommandType(courier.MessageTypeCommand),
		inbox.WithCommandBody([]byte(`{"order":42}`)),
		inbox.WithExpireAfter(time.Hour),
	)
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, record))

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Get(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, courier.MessageTypeCommand, got.CommandType)
	assert.Equal(t, []byte(`{"order":42}`), got.CommandBody)
	assert.Equal(t, time.Hour, got.ExpireAfter)

	err = store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"})
	require.ErrorIs(t, err, courier.ErrDuplicateKey)
}

func TestIntegration_Store_ExpiryReapsRecord(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &inbox.Record{
		CommandID:   "cmd-1",
		ContextKey:  "billing",
		ExpireAfter: time.Second,
	}))

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	require.Eventually(t, func() bool {
		exists, err := store.Exists(ctx, "cmd-1", "billing")

		return err == nil && !exists
	}, 5*time.Second, 100*time.Millisecond)

	// The identity is free again once the server reaped the key.
	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))
}

func TestIntegration_Store_Purge(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	now := time.Now().UTC()

	require.NoError(t, store.Add(ctx, &inbox.Record{
		CommandID:  "cmd-old",
		ContextKey: "billing",
		Timestamp:  now.Add(-2 * time.Hour),
	}))
	require.NoError(t, store.Add(ctx, &inbox.Record{
		CommandID:  "cmd-fresh",
		ContextKey: "billing",
	}))

	removed, err := store.Purge(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := store.Exists(ctx, "cmd-old", "billing")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(ctx, "cmd-fresh", "billing")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIntegration_Store_OpenThroughRegistry(t *testing.T) {
	addr := setupRedisContainer(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	opened, err := inbox.Open(DriverName, Config{
		Client:    client,
		KeyPrefix: "billing:inbox:",
	})
	require.NoError(t, err)

	require.NoError(t, opened.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))

	exists, err := opened.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)
}
