package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
)

type identity struct {
	commandID  string
	contextKey string
}

// InMemoryStore is the reference Store. It carries the contract's exact
// semantics for the unit suites and for local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[identity]*Record
}

// NewInMemoryStore returns an empty in-memory inbox store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[identity]*Record),
	}
}

// Exists reports whether a live record with the identity is present.
// Records past their expiry count as absent.
func (store *InMemoryStore) Exists(_ context.Context, commandID, contextKey string) (bool, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	record, ok := store.records[identity{commandID: commandID, contextKey: contextKey}]
	if !ok || expired(record, time.Now().UTC()) {
		return false, nil
	}

	return true, nil
}

// Add inserts a clone of the record, stamping Timestamp when unset. A live
// record under the same identity fails with courier.ErrDuplicateKey; an
// expired one is replaced.
func (store *InMemoryStore) Add(_ context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	now := time.Now().UTC()
	key := identity{commandID: record.CommandID, contextKey: record.ContextKey}

	if existing, ok := store.records[key]; ok && !expired(existing, now) {
		return fmt.Errorf("add %q in context %q: %w", record.CommandID, record.ContextKey, courier.ErrDuplicateKey)
	}

	stored := record.Clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = now
	}

	store.records[key] = stored

	return nil
}

// Get fetches one live record by identity.
func (store *InMemoryStore) Get(_ context.Context, commandID, contextKey string) (*Record, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	record, ok := store.records[identity{commandID: commandID, contextKey: contextKey}]
	if !ok || expired(record, time.Now().UTC()) {
		return nil, fmt.Errorf("get %q in context %q: %w", commandID, contextKey, ErrRecordNotFound)
	}

	return record.Clone(), nil
}

// Purge removes records written before olderThan plus any past their expiry.
func (store *InMemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := time.Now().UTC()
	removed := 0

	for key, record := range store.records {
		if record.Timestamp.Before(olderThan) || expired(record, now) {
			delete(store.records, key)

			removed++
		}
	}

	return removed, nil
}

// Len returns the number of live records.
func (store *InMemoryStore) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	now := time.Now().UTC()
	live := 0

	for _, record := range store.records {
		if !expired(record, now) {
			live++
		}
	}

	return live
}

func expired(record *Record, now time.Time) bool {
	expiresAt, ok := record.ExpiresAt()

	return ok && !expiresAt.After(now)
}
