package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// jsContext is the slice of the JetStream API the gateway drives: stream
// and consumer management, publishing, and pull subscriptions.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	Streams(opts ...nats.JSOpt) <-chan *nats.StreamInfo
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subject, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// pullConsumer is the slice of a pull subscription the gateway uses.
type pullConsumer interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Gateway is the NATS JetStream implementation of the courier gateway and
// of the resolver's transport contract.
//
// Each channel is a work-queue stream with one durable pull consumer,
// subscribed lazily on first receive and kept for the gateway lifetime.
// The client reconnects on its own, so a fetch error only drops the cached
// subscription and the next receive rebuilds it.
type Gateway struct {
	conn   *Connection
	logger log.Logger
	tracer trace.Tracer
	cfg    GatewayConfig

	resolver *channel.Resolver

	jetStream func(ctx context.Context) (jsContext, error)
	subscribe func(js jsContext, ref courier.ChannelRef) (pullConsumer, error)

	subMu sync.Mutex
	subs  map[string]pullConsumer

	pendingMu sync.Mutex
	pending   map[string]*nats.Msg

	// Terminal message operations, substituted by tests.
	ackMsg    func(msg *nats.Msg) error
	nakMsg    func(msg *nats.Msg) error
	termMsg   func(msg *nats.Msg) error
	extendMsg func(msg *nats.Msg) error
}

var (
	_ courier.Gateway   = (*Gateway)(nil)
	_ channel.Transport = (*Gateway)(nil)
	_ jsContext         = (nats.JetStreamContext)(nil)
	_ pullConsumer      = (*nats.Subscription)(nil)
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
		subs:    make(map[string]pullConsumer),
		pending: make(map[string]*nats.Msg),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(gw)
		}
	}

	gw.cfg.normalize()

	if gw.jetStream == nil {
		gw.jetStream = func(ctx context.Context) (jsContext, error) {
			return conn.JetStream(ctx)
		}
	}

	if gw.subscribe == nil {
		gw.subscribe = func(js jsContext, ref courier.ChannelRef) (pullConsumer, error) {
			stream := streamNameFor(ref.Identifier)

			return js.PullSubscribe(ref.Identifier, stream, nats.Bind(stream, stream))
		}
	}

	gw.ackMsg = func(msg *nats.Msg) error { return msg.Ack() }
	gw.nakMsg = func(msg *nats.Msg) error { return msg.Nak() }
	gw.termMsg = func(msg *nats.Msg) error { return msg.Term() }
	gw.extendMsg = func(msg *nats.Msg) error { return msg.InProgress() }

	resolver, err := channel.NewResolver(gw, logger)
	if err != nil {
		return nil, fmt.Errorf("build natsjs resolver: %w", err)
	}

	gw.resolver = resolver

	return gw, nil
}

// QualifyChannel derives the channel identifier for a routing key under
// the configured namespace. The identifier is the stream subject; the
// stream itself takes the sanitized form.
func (gw *Gateway) QualifyChannel(routingKey string) string {
	if gw.cfg.Namespace == "" {
		return routingKey
	}

	return gw.cfg.Namespace + "." + routingKey
}

// LookupChannel probes stream existence with a stream info fetch.
func (gw *Gateway) LookupChannel(ctx context.Context, reference string) (bool, error) {
	js, err := gw.jetStream(ctx)
	if err != nil {
		return false, courier.TransportError(err)
	}

	if _, err := js.StreamInfo(streamNameFor(reference), nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return false, nil
		}

		return false, courier.TransportError(fmt.Errorf("stream info %q: %w", reference, err))
	}

	return true, nil
}

// CreateChannel declares the stream and durable consumer described by the
// descriptor, and the dead-letter stream when one is configured. Creation
// is idempotent; recreating with different attributes is a configuration
// error.
func (gw *Gateway) CreateChannel(ctx context.Context, descriptor courier.ChannelDescriptor) (string, error) {
	descriptor = descriptor.Normalize()

	identifier := strings.TrimSpace(descriptor.Reference)
	if identifier == "" {
		identifier = gw.QualifyChannel(descriptor.RoutingKey)
	}

	js, err := gw.jetStream(ctx)
	if err != nil {
		return "", courier.TransportError(err)
	}

	if policy := descriptor.DeadLetter; policy != nil {
		dead := deadDescriptor(descriptor, policy)
		if err := gw.ensureStream(ctx, js, gw.QualifyChannel(policy.RoutingKey), dead); err != nil {
			return "", err
		}
	}

	if err := gw.ensureStream(ctx, js, identifier, descriptor); err != nil {
		return "", err
	}

	return identifier, nil
}

// deadDescriptor shapes the dead-letter stream: same retention and lock as
// the origin, standard ordering, no dedup, no further dead-lettering.
func deadDescriptor(origin courier.ChannelDescriptor, policy *courier.DeadLetterPolicy) courier.ChannelDescriptor {
	return courier.ChannelDescriptor{
		RoutingKey:   policy.RoutingKey,
		Retention:    origin.Retention,
		LockDuration: origin.LockDuration,
	}.Normalize()
}

func (gw *Gateway) ensureStream(ctx context.Context, js jsContext, identifier string, descriptor courier.ChannelDescriptor) error {
	stream := streamNameFor(identifier)

	if _, err := js.AddStream(gw.streamConfig(stream, identifier, descriptor), nats.Context(ctx)); err != nil {
		return createError(fmt.Errorf("add stream %q: %w", stream, err))
	}

	if _, err := js.AddConsumer(stream, gw.consumerConfig(stream, identifier, descriptor), nats.Context(ctx)); err != nil {
		return createError(fmt.Errorf("add consumer on %q: %w", stream, err))
	}

	return nil
}

// streamConfig declares the channel's stream: one subject, work-queue
// retention so terminally consumed messages leave the stream, and the
// duplicate window only for channels that opted into dedup.
func (gw *Gateway) streamConfig(stream, subject string, descriptor courier.ChannelDescriptor) *nats.StreamConfig {
	cfg := &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		Replicas:  gw.cfg.Replicas,
		MaxAge:    descriptor.Retention,
	}

	if descriptor.DedupScope != "" {
		cfg.Duplicates = gw.cfg.DedupWindow

		// The server rejects windows longer than the stream age limit.
		if cfg.MaxAge > 0 && cfg.Duplicates > cfg.MaxAge {
			cfg.Duplicates = cfg.MaxAge
		}
	}

	return cfg
}

// consumerConfig declares the channel's durable pull consumer, named after
// its stream. MaxDeliver stays unset: the server redelivers until the pump
// routes an exhausted message to dead-letter itself, since a server-side
// limit would drop the message instead of republishing it.
func (gw *Gateway) consumerConfig(stream, subject string, descriptor courier.ChannelDescriptor) *nats.ConsumerConfig {
	cfg := &nats.ConsumerConfig{
		Durable:       stream,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       descriptor.LockDuration,
		FilterSubject: subject,
	}

	if descriptor.IsFIFO() {
		// One outstanding delivery preserves publish order.
		cfg.MaxAckPending = 1
	}

	return cfg
}

// ListChannels enumerates every stream's subject. Unlike AMQP, the
// JetStream API can list streams, so enumeration resolution works on this
// backend.
func (gw *Gateway) ListChannels(ctx context.Context) ([]string, error) {
	js, err := gw.jetStream(ctx)
	if err != nil {
		return nil, courier.TransportError(err)
	}

	identifiers := make([]string, 0)

	for info := range js.Streams(nats.Context(ctx)) {
		if info == nil || len(info.Config.Subjects) == 0 {
			continue
		}

		identifiers = append(identifiers, info.Config.Subjects[0])
	}

	return identifiers, nil
}

// EnsureChannel resolves or provisions the described channel through the
// gateway's resolver, honoring the descriptor's creation policy.
func (gw *Gateway) EnsureChannel(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.EnsureResult, courier.ChannelRef, error) {
	if gw == nil || gw.resolver == nil {
		return courier.EnsureNotFound, courier.ChannelRef{}, ErrGatewayRequired
	}

	return gw.resolver.Ensure(ctx, descriptor)
}

// Publish sends the message to the channel's subject and waits for the
// stream acknowledgment. Channels with a dedup scope stamp the message id
// header so the stream's duplicate window suppresses republishes.
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

	ctx, span := gw.tracer.Start(ctx, "natsjs.publish", trace.WithAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("courier.message_id", message.MessageID),
		attribute.String("courier.topic", ref.RoutingKey),
	))
	defer span.End()

	js, err := gw.jetStream(ctx)
	if err != nil {
		span.RecordError(err)

		return courier.TransportError(fmt.Errorf("publish to %q: %w", ref.Identifier, err))
	}

	msg := encodeMsg(message, ref.Identifier)
	if scope := ref.Descriptor.DedupScope; scope != "" {
		msg.Header[nats.MsgIdHdr] = []string{scopedMessageID(scope, message.MessageID)}
	}

	ack, err := js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		span.RecordError(err)

		if errors.Is(err, nats.ErrNoStreamResponse) {
			return fmt.Errorf("publish to %q: %w", ref.Identifier, courier.ErrChannelNotFound)
		}

		return courier.TransportError(fmt.Errorf("publish to %q: %w", ref.Identifier, err))
	}

	if ack != nil && ack.Duplicate {
		gw.logger.Log(ctx, log.LevelDebug, "duplicate message suppressed by stream",
			log.String("message_id", message.MessageID),
			log.String("identifier", ref.Identifier),
		)
	}

	return nil
}

// Receive fetches the next delivery from the channel's durable consumer,
// waiting server-side up to the channel's long-poll window. The delivery
// stays locked until resolved or its ack wait expires.
func (gw *Gateway) Receive(ctx context.Context, ref courier.ChannelRef) (*courier.Delivery, error) {
	if gw == nil {
		return nil, ErrGatewayRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("receive wait: %w", err)
	}

	sub, err := gw.consumerFor(ctx, ref)
	if err != nil {
		return nil, err
	}

	wait := ref.Descriptor.LongPollWait
	if wait <= 0 {
		wait = gw.cfg.ProbeWait
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if emptyFetch(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("receive wait: %w", ctxErr)
			}

			return nil, nil
		}

		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("receive wait: %w", err)
		}

		gw.dropConsumer(ref.Identifier, sub)

		if notFound(err) {
			return nil, fmt.Errorf("receive from %q: %w", ref.Identifier, courier.ErrChannelNotFound)
		}

		return nil, courier.TransportError(fmt.Errorf("receive from %q: %w", ref.Identifier, err))
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	raw := msgs[0]
	token := uuid.New().String()

	gw.pendingMu.Lock()
	gw.pending[token] = raw
	gw.pendingMu.Unlock()

	return &courier.Delivery{
		Message:      decodeMsg(raw),
		LockToken:    token,
		ReceiveCount: receiveCountFrom(raw),
	}, nil
}

// Ack completes the delivery, removing the message from its work-queue
// stream.
func (gw *Gateway) Ack(_ context.Context, lockToken string) error {
	msg, err := gw.takePending(lockToken)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	if err := gw.ackMsg(msg); err != nil {
		return courier.TransportError(fmt.Errorf("ack %q: %w", lockToken, err))
	}

	return nil
}

// Nack releases the delivery for immediate redelivery.
func (gw *Gateway) Nack(_ context.Context, lockToken string) error {
	msg, err := gw.takePending(lockToken)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}

	if err := gw.nakMsg(msg); err != nil {
		return courier.TransportError(fmt.Errorf("nack %q: %w", lockToken, err))
	}

	return nil
}

// ChangeLockDuration resets the delivery's ack wait. The server restarts
// the consumer's configured wait rather than honoring an arbitrary
// duration, so handlers extend their lock by calling this periodically.
func (gw *Gateway) ChangeLockDuration(_ context.Context, lockToken string, _ time.Duration) error {
	if gw == nil {
		return ErrGatewayRequired
	}

	gw.pendingMu.Lock()
	msg, ok := gw.pending[lockToken]
	gw.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("change lock duration: %w: %q", ErrUnknownLockToken, lockToken)
	}

	if err := gw.extendMsg(msg); err != nil {
		return courier.TransportError(fmt.Errorf("extend lock %q: %w", lockToken, err))
	}

	return nil
}

// Delete removes the message without the normal ack path. On the wire this
// is a terminate: the server stops redelivering and, on a work-queue
// stream, drops the message without any dead-letter side effect.
func (gw *Gateway) Delete(_ context.Context, lockToken string) error {
	msg, err := gw.takePending(lockToken)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	if err := gw.termMsg(msg); err != nil {
		return courier.TransportError(fmt.Errorf("delete %q: %w", lockToken, err))
	}

	return nil
}

// Close releases the gateway's subscriptions and forgets pending
// deliveries; the server redelivers them after their ack wait. The
// connection hub stays open for its owner to close.
func (gw *Gateway) Close() error {
	if gw == nil {
		return nil
	}

	gw.subMu.Lock()
	subs := gw.subs
	gw.subs = make(map[string]pullConsumer)
	gw.subMu.Unlock()

	var closeErr error

	for identifier, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("unsubscribe %q: %w", identifier, err))
		}
	}

	gw.pendingMu.Lock()
	gw.pending = make(map[string]*nats.Msg)
	gw.pendingMu.Unlock()

	return closeErr
}

// consumerFor returns the channel's cached pull subscription, binding a
// fresh one to the durable consumer when none is held.
func (gw *Gateway) consumerFor(ctx context.Context, ref courier.ChannelRef) (pullConsumer, error) {
	gw.subMu.Lock()
	defer gw.subMu.Unlock()

	if sub, ok := gw.subs[ref.Identifier]; ok {
		return sub, nil
	}

	js, err := gw.jetStream(ctx)
	if err != nil {
		return nil, courier.TransportError(err)
	}

	sub, err := gw.subscribe(js, ref)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("subscribe %q: %w", ref.Identifier, courier.ErrChannelNotFound)
		}

		return nil, courier.TransportError(fmt.Errorf("subscribe %q: %w", ref.Identifier, err))
	}

	gw.subs[ref.Identifier] = sub

	return sub, nil
}

// dropConsumer discards a subscription after a fetch error so the next
// receive binds a fresh one. Only the instance that failed is dropped; a
// racing receive may already have replaced it.
func (gw *Gateway) dropConsumer(identifier string, sub pullConsumer) {
	gw.subMu.Lock()

	if gw.subs[identifier] == sub {
		delete(gw.subs, identifier)
	}

	gw.subMu.Unlock()

	_ = sub.Unsubscribe()
}

func (gw *Gateway) takePending(lockToken string) (*nats.Msg, error) {
	gw.pendingMu.Lock()
	defer gw.pendingMu.Unlock()

	msg, ok := gw.pending[lockToken]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLockToken, lockToken)
	}

	delete(gw.pending, lockToken)

	return msg, nil
}

// streamNameFor derives the stream and durable consumer name from a
// channel identifier. Stream names cannot carry dots, wildcards, or
// whitespace, so every rune outside the safe set maps to an underscore.
func streamNameFor(identifier string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, identifier)
}

// createError classifies creation failures: a name collision with a
// different configuration is a configuration fault, everything else is
// transport.
func createError(err error) error {
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) || errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return courier.ConfigurationError("%s", err)
	}

	return courier.TransportError(err)
}

func notFound(err error) bool {
	return errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrConsumerNotFound) ||
		errors.Is(err, nats.ErrNoMatchingStream)
}

// emptyFetch matches the two shapes an expired pull request comes back as:
// the client's own timeout and the fetch context's deadline.
func emptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
