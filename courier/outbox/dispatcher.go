package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Publisher is the publish surface the dispatcher drives. courier.Gateway
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ref courier.ChannelRef, message *courier.Message) error
}

// ChannelEnsurer resolves or provisions the destination channel for a
// descriptor. *channel.Resolver satisfies it.
type ChannelEnsurer interface {
	Ensure(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.EnsureResult, courier.ChannelRef, error)
}

// Dispatcher sweeps undispatched messages from a Store and publishes them.
//
// Delivery is at-least-once: publish happens before MarkDispatched, so a
// crash between the two republishes the message on the next sweep. Multiple
// dispatchers may sweep the same store concurrently; convergence relies on
// the compare-and-set semantics of MarkDispatched, not on mutual exclusion.
type Dispatcher struct {
	store     Store
	publisher Publisher
	resolver  ChannelEnsurer
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig

	channels      map[string]courier.ChannelDescriptor
	poisonHandler PoisonHandler

	// Attempt accounting is in-process: the store schema carries no attempts
	// column, Dispatched stays its only store-side mutation. A restart resets
	// the counters and poisoned messages become sweepable again.
	attemptsMu sync.Mutex
	attempts   map[string]int
	poisoned   map[string]struct{}

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ courier.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Selected   int
	Published  int
	Failed     int
	Poisoned   int
	MarkFailed int
}

// NewDispatcher creates an outbox dispatcher over the given store, publisher,
// and channel resolver.
func NewDispatcher(
	store Store,
	publisher Publisher,
	resolver ChannelEnsurer,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(resolver) {
		return nil, ErrResolverRequired
	}

	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("courier.noop")
	}

	dispatcher := &Dispatcher{
		store:     store,
		publisher: publisher,
		resolver:  resolver,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		attempts:  make(map[string]int),
		poisoned:  make(map[string]struct{}),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	dispatcher.channels = make(map[string]courier.ChannelDescriptor, len(dispatcher.cfg.Channels))
	for _, descriptor := range dispatcher.cfg.Channels {
		dispatcher.channels[descriptor.RoutingKey] = descriptor
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *courier.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx is
// cancelled. One sweep runs immediately, then one per tick.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *courier.Launcher) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.supervisedCycle(ctx, "outbox.dispatcher.initial_sweep")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.supervisedCycle(ctx, "outbox.dispatcher.sweep")
		}
	}
}

func (dispatcher *Dispatcher) supervisedCycle(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	dispatcher.DispatchOnceResult(cycleCtx)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight sweep to finish, up to
// the context deadline.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs one sweep cycle and returns how many messages were
// selected. Used by tests and cron-style invocations.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) int {
	return dispatcher.DispatchOnceResult(ctx).Selected
}

// DispatchOnceResult runs one sweep cycle and returns its counters.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger
	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	olderThan := time.Now().UTC().Add(-dispatcher.cfg.MinAge)

	messages, err := dispatcher.store.Undispatched(ctx, dispatcher.cfg.BatchSize, olderThan)
	if err != nil {
		span.RecordError(err)
		logger.Log(ctx, log.LevelError, "outbox sweep failed to read undispatched messages", log.Err(err))

		return DispatchResult{}
	}

	dispatcher.recordQueueDepth(ctx, int64(len(messages)))

	var result DispatchResult

	// Publish happens before MarkDispatched. A mark failure after a
	// successful publish means the message is republished next cycle, which
	// is the documented at-least-once tradeoff.
	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		if message == nil || dispatcher.isPoisoned(message.MessageID) {
			continue
		}

		result.Selected++

		if err := dispatcher.publishWithRetry(ctx, message); err != nil {
			dispatcher.handlePublishFailure(ctx, logger, message, err, &result)

			continue
		}

		result.Published++
		dispatcher.clearAttempts(message.MessageID)

		if _, err := dispatcher.store.MarkDispatched(ctx, []string{message.MessageID}, time.Now().UTC()); err != nil {
			logger.Log(ctx, log.LevelError,
				"outbox message published but dispatched state not persisted; message may be republished",
				log.String("message_id", message.MessageID),
				log.Err(err),
			)

			result.MarkFailed++
		}
	}

	dispatcher.addDispatched(ctx, int64(result.Published))
	dispatcher.addFailed(ctx, int64(result.Failed))
	dispatcher.recordLatency(ctx, time.Since(start).Seconds())

	if result.Selected > 0 {
		logger.Log(ctx, log.LevelDebug, "outbox sweep finished",
			log.Int("selected", result.Selected),
			log.Int("published", result.Published),
			log.Int("failed", result.Failed),
			log.Int("poisoned", result.Poisoned),
		)
	}

	span.SetAttributes(
		attribute.Int("outbox.dispatch.selected", result.Selected),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
	)

	return result
}

// ClearOutbox synchronously dispatches the given messages, bypassing the
// sweep. Callers use it right after their depositing transaction commits when
// the publish belongs on their own latency path instead of the next tick.
// Already-dispatched ids are skipped.
func (dispatcher *Dispatcher) ClearOutbox(ctx context.Context, ids ...string) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.clear")
	defer span.End()

	var errs []error

	for _, id := range ids {
		message, err := dispatcher.store.Get(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("clear %q: %w", id, err))

			continue
		}

		if message.IsDispatched() {
			continue
		}

		if err := dispatcher.publishWithRetry(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("clear %q: %w", id, err))

			continue
		}

		dispatcher.clearAttempts(id)

		if _, err := dispatcher.store.MarkDispatched(ctx, []string{id}, time.Now().UTC()); err != nil {
			errs = append(errs, fmt.Errorf("clear %q: mark dispatched: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

func (dispatcher *Dispatcher) publishWithRetry(ctx context.Context, message *courier.Message) error {
	ref, err := dispatcher.resolveChannel(ctx, message.Topic)
	if err != nil {
		dispatcher.recordAttempt(message.MessageID)

		return fmt.Errorf("resolve channel %q: %w", message.Topic, err)
	}

	var lastErr error

	for attempt := range dispatcher.cfg.PublishMaxAttempts {
		err := dispatcher.publisher.Publish(ctx, ref, message)
		if err == nil {
			return nil
		}

		dispatcher.recordAttempt(message.MessageID)

		lastErr = fmt.Errorf("publish attempt %d/%d: %w", attempt+1, dispatcher.cfg.PublishMaxAttempts, err)
		if !courier.IsRetriable(err) || attempt == dispatcher.cfg.PublishMaxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.cfg.PublishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)

			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) resolveChannel(ctx context.Context, topic string) (courier.ChannelRef, error) {
	descriptor, ok := dispatcher.channels[topic]
	if !ok {
		descriptor = courier.ChannelDescriptor{RoutingKey: topic}
	}

	_, ref, err := dispatcher.resolver.Ensure(ctx, descriptor)

	return ref, err
}

func (dispatcher *Dispatcher) handlePublishFailure(
	ctx context.Context,
	logger log.Logger,
	message *courier.Message,
	err error,
	result *DispatchResult,
) {
	result.Failed++

	attempts := dispatcher.attemptCount(message.MessageID)
	if attempts < dispatcher.cfg.PoisonThreshold {
		logger.Log(ctx, log.LevelWarn, "outbox publish failed; message stays undispatched for the next sweep",
			log.String("message_id", message.MessageID),
			log.String("topic", message.Topic),
			log.Int("attempts", attempts),
			log.Err(err),
		)

		return
	}

	dispatcher.markPoisoned(message.MessageID)

	result.Poisoned++
	dispatcher.addPoisoned(ctx, 1)

	logger.Log(ctx, log.LevelError, "outbox message poisoned after exhausting dispatch attempts; operator attention required",
		log.String("message_id", message.MessageID),
		log.String("topic", message.Topic),
		log.Int("attempts", attempts),
		log.Err(err),
	)

	dispatcher.notifyPoisonHandler(ctx, message, err)
}

func (dispatcher *Dispatcher) notifyPoisonHandler(ctx context.Context, message *courier.Message, err error) {
	if dispatcher.poisonHandler == nil {
		return
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "poison_handler")

	dispatcher.poisonHandler(ctx, message, err)
}

func (dispatcher *Dispatcher) recordAttempt(messageID string) {
	dispatcher.attemptsMu.Lock()
	defer dispatcher.attemptsMu.Unlock()

	dispatcher.attempts[messageID]++
}

func (dispatcher *Dispatcher) attemptCount(messageID string) int {
	dispatcher.attemptsMu.Lock()
	defer dispatcher.attemptsMu.Unlock()

	return dispatcher.attempts[messageID]
}

func (dispatcher *Dispatcher) clearAttempts(messageID string) {
	dispatcher.attemptsMu.Lock()
	defer dispatcher.attemptsMu.Unlock()

	delete(dispatcher.attempts, messageID)
}

func (dispatcher *Dispatcher) markPoisoned(messageID string) {
	dispatcher.attemptsMu.Lock()
	defer dispatcher.attemptsMu.Unlock()

	delete(dispatcher.attempts, messageID)
	dispatcher.poisoned[messageID] = struct{}{}
}

func (dispatcher *Dispatcher) isPoisoned(messageID string) bool {
	dispatcher.attemptsMu.Lock()
	defer dispatcher.attemptsMu.Unlock()

	_, poisoned := dispatcher.poisoned[messageID]

	return poisoned
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
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

func (dispatcher *Dispatcher) recordQueueDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.queueDepth == nil {
		return
	}

	dispatcher.metrics.queueDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addDispatched(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesDispatched == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesDispatched.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) addPoisoned(ctx context.Context, count int64) {
	if dispatcher.metrics.messagesPoisoned == nil || count <= 0 {
		return
	}

	dispatcher.metrics.messagesPoisoned.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, latencySeconds)
}
