// Package postgres implements the outbox store on PostgreSQL.
//
// One row per message, keyed by a BIGSERIAL created_id that is the
// authoritative FIFO ordering key, with a unique constraint on
// message_id backing duplicate detection. Deposits join the caller's
// ambient *sql.Tx so a message commits atomically with the business
// write of the same unit of work; every other operation runs standalone
// against the primary of a courier postgres hub.
//
// The driver registers itself as "postgres" for outbox.Open.
package postgres
