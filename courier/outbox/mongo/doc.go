// Package mongo implements the outbox store on MongoDB.
//
// One document per message, ordered by a created_id sequence drawn from a
// counter collection so FIFO sweeps have an authoritative ordering key even
// when creation timestamps collide. The counter is incremented outside any
// caller transaction, exactly like a SQL sequence: an aborted deposit leaves
// a gap, never a reordering. Duplicate detection rides on a unique index
// over message_id, and dispatch marking is a conditional UpdateMany
// (dispatched_at still unset) so concurrent dispatchers converge.
//
// The driver registers itself as "mongo" for outbox.Open.
package mongo
