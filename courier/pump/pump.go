package pump

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Handler processes one received message. Returning nil acks the delivery,
// ErrDefer requeues it, and any other error routes it through the retry and
// dead-letter policy.
type Handler func(ctx context.Context, message *courier.Message) error

// Pump is the receive loop for one channel.
//
// Each delivery moves through lock, inbox admission, handler, and one
// terminal transition: ack, nack-requeue, or dead-letter. Handlers may run
// twice for the same message when a lock lapses mid-handler, which is why
// admission consults the inbox guard first.
type Pump struct {
	gateway    courier.Gateway
	descriptor courier.ChannelDescriptor
	handler    Handler
	logger     log.Logger
	tracer     trace.Tracer
	cfg        PumpConfig

	guard     *inbox.Guard
	sequencer *sequencer

	ref           courier.ChannelRef
	deadLetterRef *courier.ChannelRef

	// Attempt accounting falls back to this in-process map when the backend
	// reports no receive count. A restart resets it.
	attemptsMu sync.Mutex
	attempts   map[string]int

	stop        chan struct{}
	stopOnce    sync.Once
	runStateMu  sync.Mutex
	running     bool
	cancelFunc  context.CancelFunc
	abandonFunc context.CancelFunc
	workerWg    sync.WaitGroup

	metrics pumpMetrics
}

var _ courier.App = (*Pump)(nil)

// NewPump creates a consumer pump for the described channel, invoking
// handler once per admitted delivery.
func NewPump(
	gateway courier.Gateway,
	descriptor courier.ChannelDescriptor,
	handler Handler,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...PumpOption,
) (*Pump, error) {
	if nilcheck.Interface(gateway) {
		return nil, ErrGatewayRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if strings.TrimSpace(descriptor.RoutingKey) == "" {
		return nil, ErrChannelRequired
	}

	descriptor = descriptor.Normalize()
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("courier.noop")
	}

	pump := &Pump{
		gateway:    gateway,
		descriptor: descriptor,
		handler:    handler,
		logger:     logger,
		tracer:     tracer,
		cfg:        DefaultPumpConfig(),
		sequencer:  newSequencer(),
		attempts:   make(map[string]int),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pump)
		}
	}

	pump.cfg.normalize()

	if pump.cfg.ContextKey == "" {
		pump.cfg.ContextKey = descriptor.RoutingKey
	}

	metrics, err := newPumpMetrics(pump.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init pump metrics: %w", err)
	}

	pump.metrics = metrics

	return pump, nil
}

// Run starts the pump workers until Stop is called.
func (pump *Pump) Run(launcher *courier.Launcher) error {
	return pump.RunContext(context.Background(), launcher)
}

// RunContext starts the pump workers until Stop is called or ctx is
// cancelled. The channel and its dead letter destination are ensured before
// the first receive; a validate policy on a missing channel fails here, not
// on first delivery.
func (pump *Pump) RunContext(parentCtx context.Context, launcher *courier.Launcher) error {
	if pump == nil || pump.gateway == nil || pump.handler == nil {
		return ErrPumpRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	// Receives stop at the first stop signal; in-flight processing keeps
	// the second context until the drain grace expires.
	receiveCtx, cancel := context.WithCancel(parentCtx)
	processCtx, abandon := context.WithCancel(parentCtx)

	if !pump.registerRun(cancel, abandon) {
		cancel()
		abandon()

		return ErrPumpRunning
	}

	defer pump.clearRun()
	defer abandon()
	defer cancel()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "consumer pump started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "consumer pump stopped")
	}

	defer runtime.RecoverAndLogWithContext(receiveCtx, pump.logger, "pump", "pump_run")

	if err := pump.resolveChannels(receiveCtx); err != nil {
		return err
	}

	for worker := range pump.cfg.Workers {
		pump.workerWg.Add(1)

		runtime.SafeGo(pump.logger, fmt.Sprintf("pump.worker_%d", worker), runtime.KeepRunning, func() {
			defer pump.workerWg.Done()

			pump.receiveLoop(receiveCtx, processCtx)
		})
	}

	pump.workerWg.Wait()

	return nil
}

// Stop signals the workers to stop receiving. In-flight handlers keep
// running; use Shutdown to wait for them.
func (pump *Pump) Stop() {
	if pump == nil {
		return
	}

	pump.stopOnce.Do(func() {
		pump.runStateMu.Lock()
		cancel := pump.cancelFunc
		stop := pump.stop
		if stop == nil {
			stop = make(chan struct{})
			pump.stop = stop
		}
		pump.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops receiving and waits for in-flight handlers up to the drain
// grace or the context deadline, whichever ends first. Past either bound the
// handlers are abandoned: their contexts are cancelled and their messages
// redeliver once the lock lapses.
func (pump *Pump) Shutdown(ctx context.Context) error {
	if pump == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pump.Stop()

	done := make(chan struct{})

	runtime.SafeGo(pump.logger, "pump.shutdown_wait", runtime.KeepRunning, func() {
		pump.workerWg.Wait()
		close(done)
	})

	grace := time.NewTimer(pump.cfg.DrainGrace)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
		pump.abandonHandlers()

		return fmt.Errorf("pump shutdown: %w", ErrDrainTimeout)
	case <-ctx.Done():
		pump.abandonHandlers()

		return fmt.Errorf("pump shutdown: %w", ctx.Err())
	}
}

func (pump *Pump) resolveChannels(ctx context.Context) error {
	result, ref, err := pump.gateway.EnsureChannel(ctx, pump.descriptor)
	if err != nil {
		return fmt.Errorf("ensure channel %q: %w", pump.descriptor.RoutingKey, err)
	}

	if result == courier.EnsureNotFound {
		return fmt.Errorf("ensure channel %q: %w", pump.descriptor.RoutingKey, courier.ErrChannelNotFound)
	}

	pump.ref = ref
	pump.deadLetterRef = nil

	policy := pump.descriptor.DeadLetter
	if policy == nil || policy.RoutingKey == "" {
		return nil
	}

	_, deadLetterRef, err := pump.gateway.EnsureChannel(ctx, courier.ChannelDescriptor{RoutingKey: policy.RoutingKey})
	if err != nil {
		return fmt.Errorf("ensure dead letter channel %q: %w", policy.RoutingKey, err)
	}

	pump.deadLetterRef = &deadLetterRef

	return nil
}

func (pump *Pump) receiveLoop(receiveCtx, processCtx context.Context) {
	for {
		select {
		case <-pump.stop:
			return
		case <-receiveCtx.Done():
			return
		default:
		}

		delivery, err := pump.gateway.Receive(receiveCtx, pump.ref)
		if err != nil {
			if receiveCtx.Err() != nil {
				return
			}

			pump.logger.Log(receiveCtx, log.LevelWarn, "receive failed; backing off",
				log.String("channel", pump.ref.Identifier),
				log.Err(err),
			)

			if waitErr := backoff.SleepWithContext(receiveCtx, pump.cfg.IdleWait); waitErr != nil {
				return
			}

			continue
		}

		if delivery == nil {
			if pump.descriptor.LongPollWait > 0 {
				continue
			}

			if waitErr := backoff.SleepWithContext(receiveCtx, pump.cfg.IdleWait); waitErr != nil {
				return
			}

			continue
		}

		pump.processDelivery(processCtx, delivery)
	}
}

func (pump *Pump) processDelivery(ctx context.Context, delivery *courier.Delivery) {
	if delivery == nil || delivery.Message == nil {
		return
	}

	message := delivery.Message

	ctx, span := pump.tracer.Start(ctx, "pump.process")
	defer span.End()

	span.SetAttributes(
		attribute.String("courier.message_id", message.MessageID),
		attribute.String("courier.topic", message.Topic),
	)

	if pump.descriptor.IsFIFO() {
		if groupKey := message.GroupKey(); groupKey != "" {
			release, err := pump.sequencer.acquire(ctx, groupKey)
			if err != nil {
				// Abandoned while waiting; the lock lapses and the message
				// redelivers.
				return
			}

			defer release()
		}
	}

	attempt := pump.noteAttempt(delivery)

	record, process, err := pump.admit(ctx, message)
	if err != nil {
		if errors.Is(err, courier.ErrDuplicateKey) {
			pump.logger.Log(ctx, log.LevelWarn, "duplicate command short-circuited to ack",
				log.String("message_id", message.MessageID),
				log.Err(err),
			)

			pump.ack(ctx, delivery)

			return
		}

		span.RecordError(err)
		pump.routeFailure(ctx, delivery, attempt, err)

		return
	}

	if !process {
		pump.ack(ctx, delivery)

		return
	}

	stopRenewal := pump.startLockRenewal(ctx, delivery)

	start := time.Now().UTC()
	handlerErr := pump.invokeHandler(ctx, message)
	pump.recordHandleLatency(ctx, time.Since(start).Seconds())

	stopRenewal()

	if handlerErr != nil {
		span.RecordError(handlerErr)
		pump.routeFailure(ctx, delivery, attempt, handlerErr)

		return
	}

	// Record before ack. A crash between the two redelivers the message and
	// the dedup check short-circuits it; a crash before the record reruns
	// the handler, which is the documented at-least-once tradeoff.
	pump.commitRecord(ctx, record)
	pump.ack(ctx, delivery)
}

// admit consults the inbox guard. A false process with nil error is a
// duplicate the guard chose to skip quietly.
func (pump *Pump) admit(ctx context.Context, message *courier.Message) (*inbox.Record, bool, error) {
	if pump.guard == nil || !pump.guard.Covers(message) {
		return nil, true, nil
	}

	record, err := inbox.RecordForMessage(message, pump.cfg.ContextKey)
	if err != nil {
		return nil, false, courier.ConfigurationError("inbox record for message %q: %s", message.MessageID, err)
	}

	process, err := pump.guard.Admit(ctx, record)
	if err != nil {
		return nil, false, err
	}

	return record, process, nil
}

func (pump *Pump) commitRecord(ctx context.Context, record *inbox.Record) {
	if pump.guard == nil || record == nil {
		return
	}

	err := pump.guard.Commit(ctx, record)
	if err == nil || errors.Is(err, courier.ErrDuplicateKey) {
		return
	}

	pump.logger.Log(ctx, log.LevelWarn, "inbox record not persisted; a redelivery would run the handler again",
		log.String("command_id", record.CommandID),
		log.String("context_key", record.ContextKey),
		log.Err(err),
	)
}

func (pump *Pump) invokeHandler(ctx context.Context, message *courier.Message) (handlerErr error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		pump.logger.Log(ctx, log.LevelError, "handler panicked",
			log.String("message_id", message.MessageID),
			log.String("panic", fmt.Sprint(recovered)),
			log.String("stack_trace", string(debug.Stack())),
		)

		handlerErr = fmt.Errorf("handler panic: %v", recovered)
	}()

	return pump.handler(ctx, message)
}

func (pump *Pump) routeFailure(ctx context.Context, delivery *courier.Delivery, attempt int, cause error) {
	message := delivery.Message

	switch {
	case courier.IsConfiguration(cause):
		pump.deadLetter(ctx, delivery, attempt, cause, "configuration error")
	case attempt >= pump.cfg.MaxAttempts:
		pump.deadLetter(ctx, delivery, attempt, cause, "attempts exhausted")
	case errors.Is(cause, ErrDefer):
		pump.logger.Log(ctx, log.LevelDebug, "handler deferred message; requeueing",
			log.String("message_id", message.MessageID),
			log.Int("attempt", attempt),
		)

		pump.requeue(ctx, delivery, attempt)
	default:
		pump.logger.Log(ctx, log.LevelWarn, "handler failed; requeueing message",
			log.String("message_id", message.MessageID),
			log.Int("attempt", attempt),
			log.Err(cause),
		)

		pump.requeue(ctx, delivery, attempt)
	}
}

// requeue nacks the delivery, after the configured hold when one is set.
// The hold keeps the lock, so the message stays invisible until the nack.
func (pump *Pump) requeue(ctx context.Context, delivery *courier.Delivery, attempt int) {
	if pump.cfg.RequeueDelay != nil {
		if delay := pump.cfg.RequeueDelay(attempt); delay > 0 {
			_ = backoff.SleepWithContext(ctx, delay)
		}
	}

	if err := pump.gateway.Nack(ctx, delivery.LockToken); err != nil {
		pump.logger.Log(ctx, log.LevelWarn, "nack failed; message redelivers after lock expiry",
			log.String("message_id", delivery.Message.MessageID),
			log.Err(err),
		)

		return
	}

	pump.addRequeued(ctx, 1)
}

func (pump *Pump) deadLetter(ctx context.Context, delivery *courier.Delivery, attempt int, cause error, reason string) {
	message := delivery.Message

	if pump.deadLetterRef == nil {
		if err := pump.gateway.Delete(ctx, delivery.LockToken); err != nil {
			pump.logger.Log(ctx, log.LevelError, "undeliverable message could not be deleted",
				log.String("message_id", message.MessageID),
				log.Err(err),
			)

			return
		}

		pump.clearAttempts(message.MessageID)
		pump.addDeadLettered(ctx, 1)
		pump.logger.Log(ctx, log.LevelError, "message dropped; no dead letter channel configured",
			log.String("message_id", message.MessageID),
			log.String("topic", message.Topic),
			log.String("reason", reason),
			log.Int("attempts", attempt),
			log.Err(cause),
		)

		return
	}

	if err := pump.gateway.Publish(ctx, *pump.deadLetterRef, message); err != nil {
		pump.logger.Log(ctx, log.LevelError, "dead letter publish failed; message redelivers after lock expiry",
			log.String("message_id", message.MessageID),
			log.Err(err),
		)

		return
	}

	if err := pump.gateway.Delete(ctx, delivery.LockToken); err != nil {
		pump.logger.Log(ctx, log.LevelWarn, "dead lettered message not deleted from source; a duplicate may redeliver",
			log.String("message_id", message.MessageID),
			log.Err(err),
		)
	}

	pump.clearAttempts(message.MessageID)
	pump.addDeadLettered(ctx, 1)
	pump.logger.Log(ctx, log.LevelError, "message dead lettered",
		log.String("message_id", message.MessageID),
		log.String("topic", message.Topic),
		log.String("reason", reason),
		log.Int("attempts", attempt),
		log.Err(cause),
	)
}

func (pump *Pump) ack(ctx context.Context, delivery *courier.Delivery) {
	if err := pump.gateway.Ack(ctx, delivery.LockToken); err != nil {
		pump.logger.Log(ctx, log.LevelWarn, "ack failed; the lock may have lapsed and the message redelivered",
			log.String("message_id", delivery.Message.MessageID),
			log.Err(err),
		)

		return
	}

	pump.clearAttempts(delivery.Message.MessageID)
	pump.addAcked(ctx, 1)
}

func (pump *Pump) startLockRenewal(ctx context.Context, delivery *courier.Delivery) func() {
	if !pump.cfg.LockRenewal {
		return func() {}
	}

	lockDuration := pump.descriptor.LockDuration
	interval := lockDuration * 2 / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})

	var once sync.Once

	stop := func() {
		once.Do(func() { close(done) })
	}

	runtime.SafeGo(pump.logger, "pump.lock_renewal", runtime.KeepRunning, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := pump.gateway.ChangeLockDuration(ctx, delivery.LockToken, lockDuration); err != nil {
					pump.logger.Log(ctx, log.LevelDebug, "lock renewal ended",
						log.String("message_id", delivery.Message.MessageID),
						log.Err(err),
					)

					return
				}
			}
		}
	})

	return stop
}

func (pump *Pump) noteAttempt(delivery *courier.Delivery) int {
	if delivery.ReceiveCount > 0 {
		return delivery.ReceiveCount
	}

	pump.attemptsMu.Lock()
	defer pump.attemptsMu.Unlock()

	pump.attempts[delivery.Message.MessageID]++

	return pump.attempts[delivery.Message.MessageID]
}

func (pump *Pump) clearAttempts(messageID string) {
	pump.attemptsMu.Lock()
	defer pump.attemptsMu.Unlock()

	delete(pump.attempts, messageID)
}

func (pump *Pump) registerRun(cancel, abandon context.CancelFunc) bool {
	pump.runStateMu.Lock()
	defer pump.runStateMu.Unlock()

	if pump.running {
		return false
	}

	if pump.stop == nil || isClosedSignal(pump.stop) {
		pump.stop = make(chan struct{})
		pump.stopOnce = sync.Once{}
	}

	pump.running = true
	pump.cancelFunc = cancel
	pump.abandonFunc = abandon

	return true
}

func (pump *Pump) clearRun() {
	pump.runStateMu.Lock()
	defer pump.runStateMu.Unlock()

	pump.running = false
	pump.cancelFunc = nil
	pump.abandonFunc = nil
}

func (pump *Pump) abandonHandlers() {
	pump.runStateMu.Lock()
	abandon := pump.abandonFunc
	pump.runStateMu.Unlock()

	if abandon != nil {
		abandon()
	}
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (pump *Pump) addAcked(ctx context.Context, count int64) {
	if pump.metrics.messagesAcked == nil || count <= 0 {
		return
	}

	pump.metrics.messagesAcked.Add(ctx, count)
}

func (pump *Pump) addRequeued(ctx context.Context, count int64) {
	if pump.metrics.messagesRequeued == nil || count <= 0 {
		return
	}

	pump.metrics.messagesRequeued.Add(ctx, count)
}

func (pump *Pump) addDeadLettered(ctx context.Context, count int64) {
	if pump.metrics.messagesDeadLettered == nil || count <= 0 {
		return
	}

	pump.metrics.messagesDeadLettered.Add(ctx, count)
}

func (pump *Pump) recordHandleLatency(ctx context.Context, latencySeconds float64) {
	if pump.metrics.handleLatency == nil {
		return
	}

	pump.metrics.handleLatency.Record(ctx, latencySeconds)
}
