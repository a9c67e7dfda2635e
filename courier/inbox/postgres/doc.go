// Package postgres implements the inbox store on PostgreSQL.
//
// One row per processed command, keyed by the composite primary key
// (command_id, context_key). Add is a single conditional upsert: the
// insert wins, a live row under the same identity loses with
// courier.ErrDuplicateKey, and an expired row is replaced in place. Of
// two racing writers exactly one wins. Expiry is evaluated against the
// database clock, so every consumer sees the same liveness.
//
// The driver registers itself as "postgres" for inbox.Open.
package postgres
