package inbox

import (
	"context"
	"time"
)

// Store persists processed-command records keyed by the composite
// (command id, context key) identity.
//
// Implementations: InMemoryStore, postgres.Store, redis.Store.
//
//go:generate mockgen --destination=store_mock.go --package=inbox . Store
type Store interface {
	// Exists reports whether a record with the identity is present.
	Exists(ctx context.Context, commandID, contextKey string) (bool, error)

	// Add inserts the record. An identity already present fails with
	// courier.ErrDuplicateKey; of two racing writers exactly one wins.
	Add(ctx context.Context, record *Record) error

	// Get fetches one record by identity, ErrRecordNotFound when absent.
	Get(ctx context.Context, commandID, contextKey string) (*Record, error)

	// Purge removes records written before olderThan and returns how many
	// went away. Stores enforcing TTLs natively may have nothing to do.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}
