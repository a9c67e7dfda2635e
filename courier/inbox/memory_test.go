//go:build unit

package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addRecord(t *testing.T, store *InMemoryStore, commandID, contextKey string, opts ...RecordOption) *Record {
	t.Helper()

	record, err := NewRecord(commandID, contextKey, opts...)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), record))

	return record
}

func TestInMemoryStore_AddAndExists(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	addRecord(t, store, "c1", "billing")

	exists, err := store.Exists(ctx, "c1", "billing")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "c2", "billing")
	require.NoError(t, err)
	assert.False(t, exists)

	// The same command in another consuming context is a distinct identity.
	exists, err = store.Exists(ctx, "c1", "shipping")
	require.NoError(t, err)
	assert.False(t, exists)

	addRecord(t, store, "c1", "shipping")

	exists, err = store.Exists(ctx, "c1", "shipping")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInMemoryStore_AddDuplicate(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()

	record := addRecord(t, store, "c1", "billing")

	err := store.Add(context.Background(), record)
	require.ErrorIs(t, err, courier.ErrDuplicateKey)
	assert.ErrorContains(t, err, "c1")
}

func TestInMemoryStore_AddValidation(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	require.ErrorIs(t, store.Add(ctx, nil), ErrRecordRequired)
	require.ErrorIs(t, store.Add(ctx, &Record{ContextKey: "billing"}), ErrCommandIDRequired)
	require.ErrorIs(t, store.Add(ctx, &Record{CommandID: "c1", ContextKey: "   "}), ErrContextKeyRequired)
}

func TestInMemoryStore_RacingAddsOneWinner(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()

	const writers = 16

	var wg sync.WaitGroup

	results := make(chan error, writers)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			record := &Record{CommandID: "c1", ContextKey: "billing"}
			results <- store.Add(context.Background(), record)
		}()
	}

	wg.Wait()
	close(results)

	wins := 0
	duplicates := 0

	for err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, courier.ErrDuplicateKey)

			duplicates++
		}
	}

	assert.Equal(t, 1, wins, "exactly one racing writer wins")
	assert.Equal(t, writers-1, duplicates)
}

func TestInMemoryStore_ExpiredRecordsAreAbsent(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	// Written an hour ago with a one-minute retention: long expired.
	addRecord(t, store, "stale", "billing",
		WithTimestamp(time.Now().UTC().Add(-time.Hour)),
		WithExpireAfter(time.Minute),
	)

	exists, err := store.Exists(ctx, "stale", "billing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(ctx, "stale", "billing")
	require.ErrorIs(t, err, ErrRecordNotFound)

	// An expired identity is free for reuse.
	addRecord(t, store, "stale", "billing", WithExpireAfter(time.Hour))

	exists, err = store.Exists(ctx, "stale", "billing")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInMemoryStore_GetReturnsDetachedClone(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	addRecord(t, store, "c1", "billing", WithCommandBody([]byte("payload")))

	first, err := store.Get(ctx, "c1", "billing")
	require.NoError(t, err)

	first.CommandBody[0] = 'X'

	second, err := store.Get(ctx, "c1", "billing")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), second.CommandBody)
}

func TestInMemoryStore_AddStoresDetachedClone(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()

	record, err := NewRecord("c1", "billing", WithCommandBody([]byte("payload")))
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), record))

	record.CommandBody[0] = 'X'
	record.CommandType = courier.MessageTypeDocument

	stored, err := store.Get(context.Background(), "c1", "billing")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), stored.CommandBody)
	assert.Empty(t, string(stored.CommandType))
}

func TestInMemoryStore_Purge(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	now := time.Now().UTC()

	addRecord(t, store, "old", "billing", WithTimestamp(now.Add(-time.Hour)))
	addRecord(t, store, "expired", "billing",
		WithTimestamp(now.Add(-10*time.Minute)),
		WithExpireAfter(time.Minute),
	)
	addRecord(t, store, "fresh", "billing")

	removed, err := store.Purge(context.Background(), now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "the hour-old record and the expired record go away")
	assert.Equal(t, 1, store.Len())

	exists, err := store.Exists(context.Background(), "fresh", "billing")
	require.NoError(t, err)
	assert.True(t, exists)
}
