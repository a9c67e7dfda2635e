package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultConfirmTimeout bounds how long a publish waits for its broker
	// confirmation before giving up.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer sizes the confirmation listener so the broker
	// never blocks delivering acks.
	confirmChannelBuffer = 256
)

var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrReconnectAfterClose    = errors.New("cannot reconnect: publisher was explicitly closed")
	ErrReconnectWhileOpen     = errors.New("cannot reconnect: publisher is still open, call Close first")
)

// ConfirmableChannel is the channel surface confirm-mode publishing needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ConfirmablePublisher publishes in confirm mode and waits for the broker
// acknowledgment before returning.
//
// Publishes are serialized per publisher instance so each confirmation
// matches its publish without delivery-tag correlation state. Shard across
// publisher instances for higher throughput.
type ConfirmablePublisher struct {
	publishMu sync.Mutex

	mu             sync.RWMutex
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      *sync.Once
	closed         bool
	shutdown       bool
	confirmTimeout time.Duration

	logger log.Logger
}

// PublisherOption configures a ConfirmablePublisher at construction.
type PublisherOption func(*ConfirmablePublisher)

// WithConfirmTimeout bounds the per-publish confirmation wait.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithPublisherLogger attaches a logger for channel close events.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// NewConfirmablePublisher puts the channel into confirm mode and wires the
// confirmation listener and close monitor.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	pub := &ConfirmablePublisher{
		confirmTimeout: DefaultConfirmTimeout,
		logger:         &log.NopLogger{},
		closeOnce:      &sync.Once{},
		closedCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms

	pub.startCloseMonitor(ch, closeNotify)

	return pub, nil
}

// startCloseMonitor marks the publisher down when the watched channel
// dies, unblocking any publish waiting on a confirmation. An event from a
// channel that has since been replaced or discarded is ignored.
func (pub *ConfirmablePublisher) startCloseMonitor(watched ConfirmableChannel, closeNotify <-chan *amqp.Error) {
	runtime.SafeGo(pub.logger, "rabbitmq.publisher_close_monitor", runtime.KeepRunning, func() {
		amqpErr, ok := <-closeNotify
		if !ok {
			// Graceful close: Close already marked the publisher down.
			return
		}

		pub.mu.Lock()
		if pub.ch != watched {
			pub.mu.Unlock()

			return
		}

		wasShutdown := pub.shutdown
		pub.closed = true
		pub.ch = nil
		closeOnce := pub.closeOnce
		closedCh := pub.closedCh
		pub.mu.Unlock()

		closeOnce.Do(func() { close(closedCh) })

		if !wasShutdown && amqpErr != nil {
			pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq publisher channel closed",
				log.String("reason", amqpErr.Error()))
		}
	})
}

// Publish sends one frame and synchronously waits for its confirmation.
func (pub *ConfirmablePublisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		pub.mu.RUnlock()

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()

		return ErrPublisherNotReady
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// The pending confirmation would desynchronize the next wait.
		// Invalidate the channel so the close monitor marks the publisher
		// down once publishMu is released.
		pub.invalidateChannel(publishChannel)
	}

	return err
}

// isConfirmStreamCorrupted reports whether the error leaves a stale entry
// in the confirmation stream.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidateChannel marks the publisher closed and closes the underlying
// channel. Must be called while holding publishMu.
func (pub *ConfirmablePublisher) invalidateChannel(ch ConfirmableChannel) {
	pub.mu.Lock()
	pub.closed = true
	pub.ch = nil
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Interface(ch) {
		_ = ch.Close()
	}
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close drains pending confirmations and permanently closes the publisher.
// After Close, Reconnect is rejected; build a new publisher instead.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	currentCh := pub.ch
	pub.ch = nil
	closeOnce := pub.closeOnce
	closedCh := pub.closedCh
	confirms := pub.confirms
	confirmTimeout := pub.confirmTimeout
	pub.mu.Unlock()

	closeOnce.Do(func() { close(closedCh) })

	if !nilcheck.Interface(currentCh) {
		if err := currentCh.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	drainConfirms(confirms, confirmTimeout)

	return nil
}

// Reconnect replaces the underlying channel with a fresh one after an
// operational close. After an explicit Close, the publisher is terminal
// and Reconnect is rejected.
func (pub *ConfirmablePublisher) Reconnect(ch ConfirmableChannel) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if !pub.closed {
		return ErrReconnectWhileOpen
	}

	if pub.shutdown {
		return ErrReconnectAfterClose
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})
	pub.closeOnce = &sync.Once{}
	pub.closed = false

	pub.startCloseMonitor(ch, closeNotify)

	return nil
}

// Closed reports whether the publisher can no longer publish.
func (pub *ConfirmablePublisher) Closed() bool {
	if pub == nil {
		return true
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.closed
}

// drainConfirms consumes confirmations left in flight at close so the
// client library is never blocked sending them.
func drainConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}
