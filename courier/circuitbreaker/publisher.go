package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/sony/gobreaker"
)

const defaultName = "courier.publish"

// State is the circuit's condition.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Counts is a snapshot of the circuit's rolling window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Publisher wraps a publisher in a circuit. It satisfies
// outbox.Publisher, so it slots between the dispatcher and any gateway.
//
// Only retriable faults count against the circuit: a configuration
// error on one message must not blind the dispatcher to a healthy
// backend. Rejections from an open or saturated half-open circuit are
// reported as transport errors, which the dispatcher already retries
// with backoff and eventually surfaces through its poison accounting.
type Publisher struct {
	inner   outbox.Publisher
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
	name    string
	cfg     Config
}

var _ outbox.Publisher = (*Publisher)(nil)

// Option customizes a Publisher.
type Option func(*Publisher)

// WithName names the circuit in logs and errors. Defaults to
// courier.publish.
func WithName(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.name = name
		}
	}
}

// WithLogger sets the logger receiving state transitions and
// rejections.
func WithLogger(logger log.Logger) Option {
	return func(p *Publisher) {
		if nilcheck.Interface(logger) {
			return
		}

		p.logger = logger
	}
}

// WithConfig replaces the default circuit thresholds. Zero and
// out-of-range fields fall back to their defaults.
func WithConfig(cfg Config) Option {
	return func(p *Publisher) {
		p.cfg = cfg
	}
}

// NewPublisher wraps inner in a circuit.
func NewPublisher(inner outbox.Publisher, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(inner) {
		return nil, ErrPublisherRequired
	}

	publisher := &Publisher{
		inner:  inner,
		logger: &log.NopLogger{},
		name:   defaultName,
		cfg:    DefaultConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.cfg.normalize()

	cfg := publisher.cfg
	publisher.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        publisher.name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.CountingInterval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			ratio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !courier.IsRetriable(err)
		},
		OnStateChange: publisher.onStateChange,
	})

	return publisher, nil
}

// Publish forwards to the wrapped publisher through the circuit.
func (p *Publisher) Publish(ctx context.Context, ref courier.ChannelRef, message *courier.Message) error {
	if p == nil {
		return ErrPublisherRequired
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.inner.Publish(ctx, ref, message)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		messageID := ""
		if message != nil {
			messageID = message.MessageID
		}

		p.logger.Log(ctx, log.LevelWarn, "circuit rejected publish",
			log.String("circuit", p.name),
			log.String("message_id", messageID),
			log.String("state", string(p.State())),
		)

		return fmt.Errorf("circuit %q: %w", p.name, courier.TransportError(err))
	}

	return err
}

// State returns the circuit's current condition.
func (p *Publisher) State() State {
	if p == nil {
		return StateClosed
	}

	switch p.breaker.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts returns a snapshot of the circuit's rolling window.
func (p *Publisher) Counts() Counts {
	if p == nil {
		return Counts{}
	}

	counts := p.breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Healthy reports whether the circuit admits publishes without
// restriction.
func (p *Publisher) Healthy() bool {
	return p.State() == StateClosed
}

func (p *Publisher) onStateChange(name string, from, to gobreaker.State) {
	level := log.LevelWarn
	if to == gobreaker.StateClosed {
		level = log.LevelInfo
	}

	p.logger.Log(context.Background(), level, "circuit state changed",
		log.String("circuit", name),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)
}
