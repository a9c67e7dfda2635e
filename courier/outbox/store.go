package outbox

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
)

// Tx is an opaque handle to the caller's ambient transaction, so a deposit
// commits atomically with the business side effects of the same unit of work.
// Each store documents the concrete type it accepts: outbox/postgres takes
// *sql.Tx, outbox/mongo takes mongo.SessionContext, the in-memory store
// ignores it. A nil Tx deposits standalone.
type Tx = any

// Store is the durable journal of outgoing messages awaiting publish.
//
//go:generate mockgen --destination=store_mock.go --package=outbox . Store
type Store interface {
	// Deposit inserts one message inside the caller's ambient transaction.
	// A duplicate MessageID fails with ErrDuplicateMessageID: an integrity
	// violation signalling a caller bug, not a retry path.
	Deposit(ctx context.Context, tx Tx, message *courier.Message) error

	// Undispatched returns pending messages ordered by CreatedID ascending,
	// at most maxCount. Messages created after olderThan are excluded so rows
	// whose owning transaction may not have committed yet are not swept; a
	// zero olderThan disables the age filter. Pure read.
	Undispatched(ctx context.Context, maxCount int, olderThan time.Time) ([]*courier.Message, error)

	// MarkDispatched sets the dispatched timestamp on the given ids.
	// Compare-and-set: only rows still undispatched transition, so two racing
	// markers converge without error. Returns how many rows transitioned.
	MarkDispatched(ctx context.Context, ids []string, dispatchedAt time.Time) (int, error)

	// Dispatched returns already-dispatched messages older than olderThan,
	// at most maxCount, for out-of-band purge and audit.
	Dispatched(ctx context.Context, olderThan time.Time, maxCount int) ([]*courier.Message, error)

	// Get fetches a single message by id. Missing ids fail with
	// ErrMessageNotFound.
	Get(ctx context.Context, messageID string) (*courier.Message, error)

	// Delete removes the given ids, dispatched or not, and returns how many
	// rows were removed. Retention hook, not part of the dispatch path.
	Delete(ctx context.Context, ids []string) (int, error)

	// Len reports how many messages are still undispatched.
	Len(ctx context.Context) (int, error)
}
