//go:build unit

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, opts...)
	require.NoError(t, err)

	return store, mr
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	t.Run("nil client", func(t *testing.T) {
		t.Parallel()

		store, err := New(nil)
		require.ErrorIs(t, err, ErrClientRequired)
		assert.Nil(t, store)
	})

	t.Run("typed nil client", func(t *testing.T) {
		t.Parallel()

		var client *redis.Client

		_, err := New(client)
		require.ErrorIs(t, err, ErrClientRequired)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		assert.Equal(t, defaultKeyPrefix, store.keyPrefix)
		assert.NotNil(t, store.logger)
	})

	t.Run("options", func(t *testing.T) {
		t.Parallel()

		logger := &log.NopLogger{}
		store, _ := newTestStore(t, WithKeyPrefix("billing:inbox:"), WithLogger(logger))
		assert.Equal(t, "billing:inbox:", store.keyPrefix)
		assert.Same(t, logger, store.logger)
	})

	t.Run("ignores blank prefix", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t, WithKeyPrefix("   "))
		assert.Equal(t, defaultKeyPrefix, store.keyPrefix)
	})

	t.Run("ignores typed nil logger", func(t *testing.T) {
		t.Parallel()

		var logger *log.NopLogger

		store, _ := newTestStore(t, WithLogger(logger))
		assert.NotSame(t, logger, store.logger)
	})
}

func TestStore_NilReceiver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var store *Store

	require.ErrorIs(t, store.Add(ctx, &inbox.Record{}), inbox.ErrStoreRequired)

	_, err := store.Exists(ctx, "cmd-1", "billing")
	require.ErrorIs(t, err, inbox.ErrStoreRequired)

	_, err = store.Get(ctx, "cmd-1", "billing")
	require.ErrorIs(t, err, inbox.ErrStoreRequired)

	_, err = store.Purge(ctx, time.Now())
	require.ErrorIs(t, err, inbox.ErrStoreRequired)
}

func TestStore_AddValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	require.ErrorIs(t, store.Add(ctx, nil), inbox.ErrRecordRequired)
	require.ErrorIs(t, store.Add(ctx, &inbox.Record{ContextKey: "billing"}), inbox.ErrCommandIDRequired)
	require.ErrorIs(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1"}), inbox.ErrContextKeyRequired)
}

func TestStore_AddRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	recordedAt := time.Date(2026, 5, 20, 10, 30, 0, 123456000, time.UTC)

	record, err := inbox.NewRecord("cmd-1", "billing",
		inbox.WithCommandType(courier.MessageTypeCommand),
		inbox.WithCommandBody([]byte(`{"order":42}`)),
		inbox.WithExpireAfter(time.Hour),
		inbox.WithTimestamp(recordedAt),
	)
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, record))

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Get(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", got.CommandID)
	assert.Equal(t, "billing", got.ContextKey)
	assert.Equal(t, courier.MessageTypeCommand, got.CommandType)
	assert.Equal(t, []byte(`{"order":42}`), got.CommandBody)
	assert.True(t, recordedAt.Equal(got.Timestamp))
	assert.Equal(t, time.Hour, got.ExpireAfter)
}

func TestStore_StampsTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))

	got, err := store.Get(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), got.Timestamp, time.Minute)
	assert.Zero(t, got.ExpireAfter)
}

func TestStore_DuplicateAdd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))

	err := store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"})
	require.ErrorIs(t, err, courier.ErrDuplicateKey)
	assert.ErrorContains(t, err, `add "cmd-1" in context "billing"`)
}

func TestStore_ContextsAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))
	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "shipping"}))

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "cmd-1", "archiving")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_ColonsInIdentityDoNotAlias(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	// Both would collapse to the same key under naive joining.
	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "c", ContextKey: "a:b"}))
	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "b:c", ContextKey: "a"}))

	got, err := store.Get(ctx, "c", "a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", got.ContextKey)

	got, err = store.Get(ctx, "b:c", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ContextKey)
}

func TestEncodeKeyPart(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a%3Ab", encodeKeyPart("a:b"))
	assert.Equal(t, "50%25", encodeKeyPart("50%"))
	assert.Equal(t, "plain", encodeKeyPart("plain"))

	store, _ := newTestStore(t)
	assert.NotEqual(t, store.key("c", "a:b"), store.key("b:c", "a"))
}

func TestStore_ExpiryReapsRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.Add(ctx, &inbox.Record{
		CommandID:   "cmd-1",
		ContextKey:  "billing",
		ExpireAfter: 500 * time.Millisecond,
	}))

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(time.Second)

	exists, err = store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(ctx, "cmd-1", "billing")
	require.ErrorIs(t, err, inbox.ErrRecordNotFound)

	// The identity is free again.
	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))
}

func TestStore_BackdatedExpiredRecordNotWritten(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, &inbox.Record{
		CommandID:   "cmd-1",
		ContextKey:  "billing",
		Timestamp:   time.Now().UTC().Add(-2 * time.Hour),
		ExpireAfter: time.Hour,
	}))

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Add(ctx, &inbox.Record{
		CommandID:   "cmd-1",
		ContextKey:  "billing",
		CommandBody: []byte("fresh"),
	}))

	got, err := store.Get(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got.CommandBody)
}

func TestStore_Purge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestStore(t)

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

	// A foreign key under the prefix must survive the sweep.
	require.NoError(t, mr.Set(defaultKeyPrefix+"foreign", "not-json"))

	removed, err := store.Purge(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := store.Exists(ctx, "cmd-old", "billing")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(ctx, "cmd-fresh", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	foreign, err := mr.Get(defaultKeyPrefix + "foreign")
	require.NoError(t, err)
	assert.Equal(t, "not-json", foreign)
}

func TestStore_PurgeZeroCutoffKeepsRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(ctx, &inbox.Record{CommandID: "cmd-1", ContextKey: "billing"}))

	removed, err := store.Purge(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, removed)

	exists, err := store.Exists(ctx, "cmd-1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDriver_Open(t *testing.T) {
	t.Parallel()

	t.Run("registered", func(t *testing.T) {
		t.Parallel()

		assert.Contains(t, inbox.Drivers(), DriverName)
	})

	t.Run("config by value", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		store, err := inbox.Open(DriverName, Config{
			Client:    client,
			KeyPrefix: "billing:inbox:",
		})
		require.NoError(t, err)

		redisStore, ok := store.(*Store)
		require.True(t, ok)
		assert.Equal(t, "billing:inbox:", redisStore.keyPrefix)
	})

	t.Run("config by pointer", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		store, err := inbox.Open(DriverName, &Config{Client: client})
		require.NoError(t, err)
		assert.IsType(t, &Store{}, store)
	})

	t.Run("nil pointer config", func(t *testing.T) {
		t.Parallel()

		_, err := inbox.Open(DriverName, (*Config)(nil))
		require.ErrorIs(t, err, ErrClientRequired)
	})

	t.Run("missing client", func(t *testing.T) {
		t.Parallel()

		_, err := inbox.Open(DriverName, Config{})
		require.ErrorIs(t, err, ErrClientRequired)
	})

	t.Run("wrong config type", func(t *testing.T) {
		t.Parallel()

		_, err := inbox.Open(DriverName, 42)
		require.ErrorContains(t, err, "config must be")
	})
}
