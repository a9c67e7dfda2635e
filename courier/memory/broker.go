package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
)

const (
	defaultPrefix = "mem/"

	// receivePollInterval paces the scan loop inside a long-poll receive.
	receivePollInterval = 5 * time.Millisecond
)

// Broker is the in-process backend. It satisfies both the gateway contract
// consumers use and the transport contract the channel resolver drives.
type Broker struct {
	prefix   string
	logger   log.Logger
	resolver *channel.Resolver

	mu       sync.Mutex
	channels map[string]*memoryChannel
	locks    map[string]*lockedDelivery
}

var (
	_ courier.Gateway   = (*Broker)(nil)
	_ channel.Transport = (*Broker)(nil)
)

type memoryChannel struct {
	identifier string
	descriptor courier.ChannelDescriptor
	queue      []*queuedMessage
}

type queuedMessage struct {
	message      *courier.Message
	receiveCount int
	lockToken    string
	lockedUntil  time.Time
}

type lockedDelivery struct {
	channel *memoryChannel
	queued  *queuedMessage
}

// BrokerOption mutates broker configuration at construction.
type BrokerOption func(*Broker)

// WithPrefix sets the namespace prepended to routing keys when deriving
// channel identifiers. The default is "mem/".
func WithPrefix(prefix string) BrokerOption {
	return func(broker *Broker) {
		if strings.TrimSpace(prefix) != "" {
			broker.prefix = prefix
		}
	}
}

// NewBroker returns an empty broker with its own channel resolver.
func NewBroker(logger log.Logger, opts ...BrokerOption) (*Broker, error) {
	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	broker := &Broker{
		prefix:   defaultPrefix,
		logger:   logger,
		channels: make(map[string]*memoryChannel),
		locks:    make(map[string]*lockedDelivery),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(broker)
		}
	}

	resolver, err := channel.NewResolver(broker, logger)
	if err != nil {
		return nil, fmt.Errorf("build broker resolver: %w", err)
	}

	broker.resolver = resolver

	return broker, nil
}

// LookupChannel reports whether the identifier names an existing channel.
// Absence is authoritative, not an error.
func (broker *Broker) LookupChannel(_ context.Context, reference string) (bool, error) {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	_, ok := broker.channels[reference]

	return ok, nil
}

// CreateChannel provisions the described channel. Creating an existing
// identifier is idempotent and keeps the original attributes.
func (broker *Broker) CreateChannel(_ context.Context, descriptor courier.ChannelDescriptor) (string, error) {
	descriptor = descriptor.Normalize()

	identifier := strings.TrimSpace(descriptor.Reference)
	if identifier == "" {
		identifier = broker.QualifyChannel(descriptor.RoutingKey)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()

	if existing, ok := broker.channels[identifier]; ok {
		return existing.identifier, nil
	}

	broker.channels[identifier] = &memoryChannel{
		identifier: identifier,
		descriptor: descriptor,
	}

	return identifier, nil
}

// ListChannels returns every channel identifier, sorted.
func (broker *Broker) ListChannels(_ context.Context) ([]string, error) {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	identifiers := make([]string, 0, len(broker.channels))
	for identifier := range broker.channels {
		identifiers = append(identifiers, identifier)
	}

	sort.Strings(identifiers)

	return identifiers, nil
}

// QualifyChannel derives the identifier for a routing key by prepending the
// broker's namespace prefix.
func (broker *Broker) QualifyChannel(routingKey string) string {
	return broker.prefix + routingKey
}

// EnsureChannel resolves or provisions the described channel through the
// broker's resolver, honoring the descriptor's creation policy.
func (broker *Broker) EnsureChannel(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.EnsureResult, courier.ChannelRef, error) {
	if broker == nil || broker.resolver == nil {
		return courier.EnsureNotFound, courier.ChannelRef{}, ErrBrokerRequired
	}

	return broker.resolver.Ensure(ctx, descriptor)
}

// Publish appends a clone of the message to the channel's queue.
func (broker *Broker) Publish(_ context.Context, ref courier.ChannelRef, message *courier.Message) error {
	if broker == nil {
		return ErrBrokerRequired
	}

	if message == nil {
		return courier.ErrMessageRequired
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()

	target, ok := broker.channels[ref.Identifier]
	if !ok {
		return fmt.Errorf("publish to %q: %w", ref.Identifier, courier.ErrChannelNotFound)
	}

	target.queue = append(target.queue, &queuedMessage{message: message.Clone()})

	return nil
}

// Receive returns the next visible message, locked for the channel's
// visibility timeout. An empty channel blocks up to the channel's long-poll
// wait, then returns (nil, nil).
func (broker *Broker) Receive(ctx context.Context, ref courier.ChannelRef) (*courier.Delivery, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}

	wait, err := broker.longPollWait(ref.Identifier)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)

	for {
		delivery, err := broker.tryReceive(ref.Identifier)
		if err != nil || delivery != nil {
			return delivery, err
		}

		if wait <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}

		if err := backoff.SleepWithContext(ctx, receivePollInterval); err != nil {
			return nil, fmt.Errorf("receive wait: %w", err)
		}
	}
}

// Ack completes the delivery and removes the message.
func (broker *Broker) Ack(_ context.Context, lockToken string) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	held, err := broker.heldLocked(lockToken)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	removeQueued(held.channel, held.queued)
	delete(broker.locks, lockToken)

	return nil
}

// Nack releases the lock, making the message immediately re-receivable.
// The receive count is kept, so nacks consume the dead-letter budget.
func (broker *Broker) Nack(_ context.Context, lockToken string) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	held, err := broker.heldLocked(lockToken)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}

	held.queued.lockToken = ""
	held.queued.lockedUntil = time.Time{}
	delete(broker.locks, lockToken)

	return nil
}

// ChangeLockDuration resets the remaining lock to the given duration from
// now. Zero releases the lock immediately.
func (broker *Broker) ChangeLockDuration(_ context.Context, lockToken string, duration time.Duration) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	held, err := broker.heldLocked(lockToken)
	if err != nil {
		return fmt.Errorf("change lock duration: %w", err)
	}

	held.queued.lockedUntil = time.Now().UTC().Add(duration)

	return nil
}

// Delete removes the message without the normal ack path.
func (broker *Broker) Delete(_ context.Context, lockToken string) error {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	held, err := broker.heldLocked(lockToken)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	removeQueued(held.channel, held.queued)
	delete(broker.locks, lockToken)

	return nil
}

// Depth returns how many messages the channel holds, locked ones included.
func (broker *Broker) Depth(identifier string) int {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	target, ok := broker.channels[identifier]
	if !ok {
		return 0
	}

	return len(target.queue)
}

func (broker *Broker) longPollWait(identifier string) (time.Duration, error) {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	target, ok := broker.channels[identifier]
	if !ok {
		return 0, fmt.Errorf("receive from %q: %w", identifier, courier.ErrChannelNotFound)
	}

	return target.descriptor.LongPollWait, nil
}

func (broker *Broker) tryReceive(identifier string) (*courier.Delivery, error) {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	target, ok := broker.channels[identifier]
	if !ok {
		return nil, fmt.Errorf("receive from %q: %w", identifier, courier.ErrChannelNotFound)
	}

	now := time.Now().UTC()
	fifo := target.descriptor.IsFIFO()

	// Groups with an in-flight delivery block their later messages on FIFO
	// channels. Ungrouped messages never block each other.
	busyGroups := make(map[string]struct{})

	for index := 0; index < len(target.queue); index++ {
		queued := target.queue[index]
		group := queued.message.GroupKey()

		if queued.lockedUntil.After(now) {
			if fifo && group != "" {
				busyGroups[group] = struct{}{}
			}

			continue
		}

		if fifo && group != "" {
			if _, busy := busyGroups[group]; busy {
				continue
			}
		}

		if policy := target.descriptor.DeadLetter; policy != nil && queued.receiveCount >= policy.MaxReceives {
			broker.deadLetterLocked(target, queued)

			index--

			continue
		}

		// A lapsed lock means redelivery; the previous token is superseded.
		if queued.lockToken != "" {
			delete(broker.locks, queued.lockToken)
		}

		queued.receiveCount++
		queued.lockToken = uuid.New().String()
		queued.lockedUntil = now.Add(lockDurationFor(target.descriptor))

		broker.locks[queued.lockToken] = &lockedDelivery{channel: target, queued: queued}

		return &courier.Delivery{
			Message:      queued.message.Clone(),
			LockToken:    queued.lockToken,
			ReceiveCount: queued.receiveCount,
		}, nil
	}

	return nil, nil
}

// deadLetterLocked moves the message to the channel's dead-letter
// destination, creating it on first use. The receive count restarts there.
func (broker *Broker) deadLetterLocked(source *memoryChannel, queued *queuedMessage) {
	policy := source.descriptor.DeadLetter
	identifier := broker.prefix + policy.RoutingKey

	target, ok := broker.channels[identifier]
	if !ok {
		descriptor := courier.ChannelDescriptor{RoutingKey: policy.RoutingKey}.Normalize()
		target = &memoryChannel{identifier: identifier, descriptor: descriptor}
		broker.channels[identifier] = target
	}

	if queued.lockToken != "" {
		delete(broker.locks, queued.lockToken)
	}

	removeQueued(source, queued)

	target.queue = append(target.queue, &queuedMessage{message: queued.message})

	broker.logger.Log(context.Background(), log.LevelWarn, "message dead lettered after exhausted receive budget",
		log.String("message_id", queued.message.MessageID),
		log.String("channel", source.identifier),
		log.String("dead_letter", identifier),
		log.Int("receives", queued.receiveCount),
	)
}

func (broker *Broker) heldLocked(lockToken string) (*lockedDelivery, error) {
	held, ok := broker.locks[lockToken]
	if !ok || held.queued.lockToken != lockToken {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLockToken, lockToken)
	}

	return held, nil
}

func removeQueued(target *memoryChannel, queued *queuedMessage) {
	for index, candidate := range target.queue {
		if candidate == queued {
			target.queue = append(target.queue[:index], target.queue[index+1:]...)

			return
		}
	}
}

func lockDurationFor(descriptor courier.ChannelDescriptor) time.Duration {
	if descriptor.LockDuration > 0 {
		return descriptor.LockDuration
	}

	return courier.DefaultLockDuration
}
