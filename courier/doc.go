// Package courier provides the core contracts of the courier messaging
// reliability layer: the message model, the broker gateway boundary, the
// shared error taxonomy, and context tracking helpers.
//
// The library guarantees that a state change and the message announcing it
// commit together (outbox), that inbound messages are processed at most once
// despite broker redelivery (inbox), and that channels are resolved or
// provisioned idempotently against the backend (channel).
//
// Typical usage at process start:
//
//	ctx = courier.ContextWithLogger(ctx, logger)
//	ctx = courier.ContextWithTracer(ctx, tracer)
//
// Specialized integrations live in subpackages: outbox, inbox, channel, pump,
// rabbitmq, natsjs, memory, postgres.
package courier
