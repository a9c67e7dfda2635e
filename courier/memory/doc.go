// Package memory provides an in-process message broker implementing the
// full gateway contract: visibility timeouts, per-group FIFO serialization,
// receive-budget dead-lettering, and long-poll receives.
//
// It backs the unit suites and local development. Nothing is persisted;
// a restart loses all queued messages.
package memory
