// Package rabbitmq implements the courier gateway on a RabbitMQ broker
// using the amqp091 client.
//
// Channels map to durable queues (quorum by default) reached through the
// default exchange, or through a named topic exchange when one is
// configured. Publishes run in confirm mode with a bounded confirmation
// wait. Receives are basic.Get polls paced by the channel's long-poll
// window; a delivery stays locked for as long as its channel holds the
// unacked tag. Dead-letter policies declare a per-queue dead-letter
// exchange, and quorum queues additionally enforce the receive budget at
// the broker through a delivery limit.
package rabbitmq
