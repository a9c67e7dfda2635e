package courier

import (
	"context"
	"time"
)

// EnsureResult is the outcome of an EnsureChannel call.
type EnsureResult string

const (
	EnsureExists   EnsureResult = "exists"
	EnsureCreated  EnsureResult = "created"
	EnsureNotFound EnsureResult = "notfound"
)

// Delivery is a received message locked for one consumer until its
// visibility timeout expires or the lock token is acked, nacked, or deleted.
type Delivery struct {
	Message *Message

	// LockToken identifies the backend lock on this delivery. All ack-side
	// gateway operations take it.
	LockToken string

	// ReceiveCount is how many times the backend has handed out this
	// message, where the backend reports it. First delivery is 1.
	ReceiveCount int
}

// Gateway is the boundary this library consumes from a messaging backend.
//
// Implementations: rabbitmq.Gateway, natsjs.Gateway, memory.Broker.
// Consumers should accept the narrowest interface they need (the dispatcher
// takes a publisher, the pump takes a receiver); Gateway is the full
// contract implementors satisfy.
//
//go:generate mockgen --destination=gateway_mock.go --package=courier . Gateway
type Gateway interface {
	// EnsureChannel resolves or provisions the described channel per its
	// creation policy. A notfound outcome is accompanied by
	// ErrChannelNotFound.
	EnsureChannel(ctx context.Context, descriptor ChannelDescriptor) (EnsureResult, ChannelRef, error)

	// Publish sends the message to the resolved channel. Failures wrap
	// ErrTransport and are retriable.
	Publish(ctx context.Context, ref ChannelRef, message *Message) error

	// Receive returns the next delivery, waiting up to the channel's
	// long-poll duration. An empty channel returns (nil, nil).
	Receive(ctx context.Context, ref ChannelRef) (*Delivery, error)

	// Ack completes the delivery and removes the message from the channel.
	Ack(ctx context.Context, lockToken string) error

	// Nack releases the lock immediately, making the message re-receivable.
	Nack(ctx context.Context, lockToken string) error

	// ChangeLockDuration extends or shortens the remaining lock on a
	// delivery, for handlers outliving the default visibility timeout.
	ChangeLockDuration(ctx context.Context, lockToken string, duration time.Duration) error

	// Delete removes the message without the normal ack path, for
	// dead-letter routing performed by the pump.
	Delete(ctx context.Context, lockToken string) error
}
