package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// amqpChannel is the full channel surface the gateway drives: declaration,
// existence probes, and the pull-consume operations.
type amqpChannel interface {
	AMQPChannel
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	IsClosed() bool
	Close() error
}

// pendingDelivery binds a lock token to the delivery tag and the channel
// that owns it. A delivery can only be resolved on its own channel.
type pendingDelivery struct {
	tag uint64
	ch  amqpChannel
}

// Gateway is the RabbitMQ implementation of the courier gateway and of the
// resolver's transport contract.
//
// It holds one shared channel for declares and basic.Get consumption,
// replaced transparently when the broker kills it, and one confirm-mode
// publisher rebuilt on demand after its channel dies.
type Gateway struct {
	conn   *Connection
	logger log.Logger
	tracer trace.Tracer
	cfg    GatewayConfig

	resolver *channel.Resolver

	openOps     func(ctx context.Context) (amqpChannel, error)
	openConfirm func(ctx context.Context) (ConfirmableChannel, error)

	opsMu sync.Mutex
	ops   amqpChannel

	pubMu     sync.Mutex
	publisher *ConfirmablePublisher

	pendingMu sync.Mutex
	pending   map[string]pendingDelivery
}

var (
	_ courier.Gateway   = (*Gateway)(nil)
	_ channel.Transport = (*Gateway)(nil)
)

// NewGateway builds a gateway over the connection hub with its own channel
// resolver.
func NewGateway(conn *Connection, logger log.Logger, opts ...GatewayOption) (*Gateway, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	gw := &Gateway{
		conn:    conn,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		cfg:     DefaultGatewayConfig(),
		pending: make(map[string]pendingDelivery),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(gw)
		}
	}

	gw.cfg.normalize()

	if gw.openOps == nil {
		gw.openOps = func(ctx context.Context) (amqpChannel, error) {
			return conn.OpenChannel(ctx)
		}
	}

	if gw.openConfirm == nil {
		gw.openConfirm = func(ctx context.Context) (ConfirmableChannel, error) {
			return conn.OpenChannel(ctx)
		}
	}

	resolver, err := channel.NewResolver(gw, logger)
	if err != nil {
		return nil, fmt.Errorf("build rabbitmq resolver: %w", err)
	}

	gw.resolver = resolver

	return gw, nil
}

// QualifyChannel derives the queue name for a routing key under the
// configured namespace.
func (gw *Gateway) QualifyChannel(routingKey string) string {
	if gw.cfg.Namespace == "" {
		return routingKey
	}

	return gw.cfg.Namespace + "." + routingKey
}

// LookupChannel probes queue existence with a passive declare. The probe
// runs on a throwaway channel because a missing queue fails the declare
// and takes the channel down with it.
func (gw *Gateway) LookupChannel(ctx context.Context, reference string) (bool, error) {
	ch, err := gw.openOps(ctx)
	if err != nil {
		return false, courier.TransportError(err)
	}

	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclarePassive(reference, true, false, false, false, nil); err != nil {
		if isAMQPCode(err, amqp.NotFound) {
			return false, nil
		}

		return false, courier.TransportError(fmt.Errorf("passive declare %q: %w", reference, err))
	}

	return true, nil
}

// CreateChannel declares the queue described by the descriptor, including
// its dead-letter topology and exchange binding. Declares are idempotent;
// redeclaring with different attributes is a configuration error.
func (gw *Gateway) CreateChannel(ctx context.Context, descriptor courier.ChannelDescriptor) (string, error) {
	descriptor = descriptor.Normalize()

	identifier := strings.TrimSpace(descriptor.Reference)
	if identifier == "" {
		identifier = gw.QualifyChannel(descriptor.RoutingKey)
	}

	ch, err := gw.opsChannel(ctx)
	if err != nil {
		return "", courier.TransportError(err)
	}

	deadQueue := ""

	if policy := descriptor.DeadLetter; policy != nil {
		deadQueue = gw.QualifyChannel(policy.RoutingKey)

		if err := DeclareDeadLetterTopology(ch, deadQueue, gw.deadQueueArgs()); err != nil {
			gw.invalidateOps(ch)

			return "", declareError(err)
		}
	}

	if gw.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(gw.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
			gw.invalidateOps(ch)

			return "", declareError(fmt.Errorf("declare exchange %q: %w", gw.cfg.Exchange, err))
		}
	}

	if _, err := ch.QueueDeclare(identifier, true, false, false, false, gw.queueArgs(descriptor, deadQueue)); err != nil {
		gw.invalidateOps(ch)

		return "", declareError(fmt.Errorf("declare queue %q: %w", identifier, err))
	}

	if gw.cfg.Exchange != "" {
		if err := ch.QueueBind(identifier, descriptor.RoutingKey, gw.cfg.Exchange, false, nil); err != nil {
			gw.invalidateOps(ch)

			return "", declareError(fmt.Errorf("bind queue %q: %w", identifier, err))
		}
	}

	return identifier, nil
}

// deadQueueArgs matches the dead queue's type to the channel queues so the
// broker accepts redeclares from either side.
func (gw *Gateway) deadQueueArgs() amqp.Table {
	if gw.cfg.QueueType != QueueTypeQuorum {
		return nil
	}

	return amqp.Table{argQueueType: string(QueueTypeQuorum)}
}

// ListChannels is unsupported: the AMQP protocol has no queue enumeration,
// that lives in the management API. Descriptors for this backend must use
// direct reference or convention resolution.
func (gw *Gateway) ListChannels(context.Context) ([]string, error) {
	return nil, courier.ConfigurationError("rabbitmq cannot enumerate queues over amqp; use direct or convention resolution")
}

// EnsureChannel resolves or provisions the described channel through the
// gateway's resolver, honoring the descriptor's creation policy.
func (gw *Gateway) EnsureChannel(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.EnsureResult, courier.ChannelRef, error) {
	if gw == nil || gw.resolver == nil {
		return courier.EnsureNotFound, courier.ChannelRef{}, ErrGatewayRequired
	}

	return gw.resolver.Ensure(ctx, descriptor)
}

// Publish sends the message in confirm mode and waits for the broker
// acknowledgment. A publisher whose channel died is rebuilt once within
// the call; failures wrap ErrTransport so dispatching retries with
// backoff.
func (gw *Gateway) Publish(ctx context.Context, ref courier.ChannelRef, message *courier.Message) error {
	if gw == nil {
		return ErrGatewayRequired
	}

	if message == nil {
		return courier.ErrMessageRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := gw.tracer.Start(ctx, "rabbitmq.publish", trace.WithAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("courier.message_id", message.MessageID),
		attribute.String("courier.topic", ref.RoutingKey),
	))
	defer span.End()

	exchange, routingKey := gw.publishTarget(ref)
	publishing := encodePublishing(message)

	err := gw.publishOnce(ctx, exchange, routingKey, publishing)
	if errors.Is(err, ErrPublisherClosed) || errors.Is(err, ErrPublisherNotReady) {
		err = gw.publishOnce(ctx, exchange, routingKey, publishing)
	}

	if err != nil {
		span.RecordError(err)

		return courier.TransportError(fmt.Errorf("publish to %q: %w", ref.Identifier, err))
	}

	return nil
}

// publishTarget picks the exchange and routing key for a publish: the
// default exchange routes straight to the queue by identifier, a named
// exchange routes by logical key through its bindings.
func (gw *Gateway) publishTarget(ref courier.ChannelRef) (exchange, routingKey string) {
	if gw.cfg.Exchange == "" {
		return "", ref.Identifier
	}

	return gw.cfg.Exchange, ref.RoutingKey
}

func (gw *Gateway) publishOnce(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	pub, err := gw.confirmablePublisher(ctx)
	if err != nil {
		return err
	}

	err = pub.Publish(ctx, exchange, routingKey, false, false, publishing)
	if errors.Is(err, ErrPublisherClosed) || errors.Is(err, ErrConfirmTimeout) {
		gw.dropPublisher(pub)
	}

	return err
}

func (gw *Gateway) confirmablePublisher(ctx context.Context) (*ConfirmablePublisher, error) {
	gw.pubMu.Lock()
	defer gw.pubMu.Unlock()

	if gw.publisher != nil {
		return gw.publisher, nil
	}

	ch, err := gw.openConfirm(ctx)
	if err != nil {
		return nil, err
	}

	pub, err := NewConfirmablePublisher(ch,
		WithConfirmTimeout(gw.cfg.ConfirmTimeout),
		WithPublisherLogger(gw.logger),
	)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	gw.publisher = pub

	return pub, nil
}

// dropPublisher discards a dead publisher so the next publish builds a
// fresh one. Only the instance that failed is dropped; a racing publish
// may already have replaced it.
func (gw *Gateway) dropPublisher(pub *ConfirmablePublisher) {
	gw.pubMu.Lock()

	if gw.publisher == pub {
		gw.publisher = nil
	}

	gw.pubMu.Unlock()

	_ = pub.Close()
}

// Receive polls the queue with basic.Get until a message arrives or the
// channel's long-poll window lapses. The delivery stays locked for as long
// as the consuming channel holds its unacked tag.
func (gw *Gateway) Receive(ctx context.Context, ref courier.ChannelRef) (*courier.Delivery, error) {
	if gw == nil {
		return nil, ErrGatewayRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	deadline := time.Now().Add(ref.Descriptor.LongPollWait)

	for {
		delivery, err := gw.tryGet(ctx, ref)
		if err != nil || delivery != nil {
			return delivery, err
		}

		if ref.Descriptor.LongPollWait <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}

		if err := backoff.SleepWithContext(ctx, gw.cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("receive wait: %w", err)
		}
	}
}

func (gw *Gateway) tryGet(ctx context.Context, ref courier.ChannelRef) (*courier.Delivery, error) {
	ch, err := gw.opsChannel(ctx)
	if err != nil {
		return nil, courier.TransportError(err)
	}

	raw, ok, err := ch.Get(ref.Identifier, false)
	if err != nil {
		gw.invalidateOps(ch)

		if isAMQPCode(err, amqp.NotFound) {
			return nil, fmt.Errorf("receive from %q: %w", ref.Identifier, courier.ErrChannelNotFound)
		}

		return nil, courier.TransportError(fmt.Errorf("receive from %q: %w", ref.Identifier, err))
	}

	if !ok {
		return nil, nil
	}

	token := uuid.New().String()

	gw.pendingMu.Lock()
	gw.pending[token] = pendingDelivery{tag: raw.DeliveryTag, ch: ch}
	gw.pendingMu.Unlock()

	return &courier.Delivery{
		Message:      decodeDelivery(&raw),
		LockToken:    token,
		ReceiveCount: receiveCountFrom(&raw),
	}, nil
}

// Ack completes the delivery, removing the message from the queue.
func (gw *Gateway) Ack(_ context.Context, lockToken string) error {
	held, err := gw.takePending(lockToken)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	if err := held.ch.Ack(held.tag, false); err != nil {
		return courier.TransportError(fmt.Errorf("ack %q: %w", lockToken, err))
	}

	return nil
}

// Nack returns the delivery to the queue for immediate redelivery.
func (gw *Gateway) Nack(_ context.Context, lockToken string) error {
	held, err := gw.takePending(lockToken)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}

	if err := held.ch.Nack(held.tag, false, true); err != nil {
		return courier.TransportError(fmt.Errorf("nack %q: %w", lockToken, err))
	}

	return nil
}

// ChangeLockDuration validates the token and does nothing further: an
// unacked delivery stays locked for as long as its channel lives, there is
// no per-message visibility timer to extend.
func (gw *Gateway) ChangeLockDuration(_ context.Context, lockToken string, _ time.Duration) error {
	gw.pendingMu.Lock()
	held, ok := gw.pending[lockToken]
	gw.pendingMu.Unlock()

	if !ok || held.ch.IsClosed() {
		return fmt.Errorf("change lock duration: %w: %q", ErrUnknownLockToken, lockToken)
	}

	return nil
}

// Delete removes the message without the normal ack path. On the wire this
// is still basic.ack: a reject would trip the queue's dead-letter routing,
// and pump-driven dead-lettering has already republished the message.
func (gw *Gateway) Delete(_ context.Context, lockToken string) error {
	held, err := gw.takePending(lockToken)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	if err := held.ch.Ack(held.tag, false); err != nil {
		return courier.TransportError(fmt.Errorf("delete %q: %w", lockToken, err))
	}

	return nil
}

// Close releases the gateway's channels and publisher. The connection hub
// stays open for its owner to close.
func (gw *Gateway) Close() error {
	if gw == nil {
		return nil
	}

	gw.pubMu.Lock()
	pub := gw.publisher
	gw.publisher = nil
	gw.pubMu.Unlock()

	var closeErr error

	if pub != nil {
		if err := pub.Close(); err != nil {
			closeErr = fmt.Errorf("close publisher: %w", err)
		}
	}

	gw.opsMu.Lock()
	ops := gw.ops
	gw.ops = nil
	gw.opsMu.Unlock()

	if ops != nil {
		if err := ops.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close ops channel: %w", err))
		}
	}

	gw.pendingMu.Lock()
	gw.pending = make(map[string]pendingDelivery)
	gw.pendingMu.Unlock()

	return closeErr
}

// opsChannel returns the shared declare-and-consume channel, opening a
// fresh one when the previous died. Pending deliveries of a dead channel
// are pruned; the broker has already requeued them.
func (gw *Gateway) opsChannel(ctx context.Context) (amqpChannel, error) {
	gw.opsMu.Lock()
	defer gw.opsMu.Unlock()

	if gw.ops != nil && !gw.ops.IsClosed() {
		return gw.ops, nil
	}

	if gw.ops != nil {
		gw.ops = nil
		gw.prunePending()
	}

	ch, err := gw.openOps(ctx)
	if err != nil {
		return nil, err
	}

	gw.ops = ch

	return ch, nil
}

// invalidateOps closes and forgets the shared channel after an operation
// error, forcing the next operation to open a fresh one.
func (gw *Gateway) invalidateOps(ch amqpChannel) {
	gw.opsMu.Lock()

	if gw.ops == ch {
		gw.ops = nil
	}

	gw.opsMu.Unlock()

	_ = ch.Close()
	gw.prunePending()
}

// prunePending drops lock tokens whose channel is gone; their deliveries
// are back on the queue already.
func (gw *Gateway) prunePending() {
	gw.pendingMu.Lock()
	defer gw.pendingMu.Unlock()

	for token, held := range gw.pending {
		if held.ch.IsClosed() {
			delete(gw.pending, token)
		}
	}
}

func (gw *Gateway) takePending(lockToken string) (pendingDelivery, error) {
	gw.pendingMu.Lock()
	defer gw.pendingMu.Unlock()

	held, ok := gw.pending[lockToken]
	if !ok {
		return pendingDelivery{}, fmt.Errorf("%w: %q", ErrUnknownLockToken, lockToken)
	}

	delete(gw.pending, lockToken)

	if held.ch.IsClosed() {
		return pendingDelivery{}, fmt.Errorf("%w: %q", ErrUnknownLockToken, lockToken)
	}

	return held, nil
}

// declareError classifies declaration failures: attribute mismatches are
// configuration faults, everything else is transport.
func declareError(err error) error {
	if isAMQPCode(err, amqp.PreconditionFailed) {
		return courier.ConfigurationError("%s", err)
	}

	return courier.TransportError(err)
}

func isAMQPCode(err error, code int) bool {
	var amqpErr *amqp.Error

	return errors.As(err, &amqpErr) && amqpErr.Code == code
}
