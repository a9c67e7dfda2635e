// Package natsjs implements the courier gateway on NATS JetStream using
// the nats.go client.
//
// Channels map to work-queue streams holding a single subject each, with
// one durable pull consumer per stream. Publishes wait for the stream
// acknowledgment, and descriptors with a dedup scope get the native
// duplicate-window suppression keyed by message id. Receives are pull
// fetches whose server-side wait is the channel's long-poll window, and a
// delivery stays locked until it is acked, terminated, or its ack wait
// expires. Dead-letter routing is not native here: exhausted deliveries
// are republished by the consuming pump, so consumers carry no delivery
// limit of their own.
package natsjs
