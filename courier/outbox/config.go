package outbox

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval   = 2 * time.Second
	defaultBatchSize          = 50
	defaultMinAge             = 500 * time.Millisecond
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 200 * time.Millisecond
	defaultPoisonThreshold    = 10
)

// DispatcherConfig controls dispatcher polling, retry, and poisoning behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between sweep cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of messages swept per cycle.
	BatchSize int
	// MinAge excludes messages younger than this from a sweep, protecting
	// rows whose owning transaction may not have committed yet.
	MinAge time.Duration
	// PublishMaxAttempts is the max publish attempts for one message within
	// one cycle.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish retries.
	PublishBackoff time.Duration
	// PoisonThreshold is the number of accumulated failed publish attempts
	// after which a message is flagged poisoned and skipped by later sweeps.
	PoisonThreshold int
	// Channels maps routing keys to channel descriptors. Topics without an
	// entry resolve with a bare descriptor carrying only the routing key.
	Channels []courier.ChannelDescriptor
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:   defaultDispatchInterval,
		BatchSize:          defaultBatchSize,
		MinAge:             defaultMinAge,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
		PoisonThreshold:    defaultPoisonThreshold,
		Channels:           nil,
		MeterProvider:      nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MinAge < 0 {
		cfg.MinAge = defaults.MinAge
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.PoisonThreshold <= 0 {
		cfg.PoisonThreshold = defaults.PoisonThreshold
	}
}

// PoisonHandler receives messages flagged poisoned, once per message. The
// row itself stays undispatched in the store for operator attention.
type PoisonHandler func(ctx context.Context, message *courier.Message, err error)

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the sweep polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithBatchSize sets the maximum messages swept in one cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMinAge sets the minimum message age for sweep eligibility. Zero
// disables the age filter.
func WithMinAge(minAge time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if minAge >= 0 {
			dispatcher.cfg.MinAge = minAge
		}
	}
}

// WithPublishMaxAttempts sets max publish attempts per message per cycle.
func WithPublishMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets the base backoff between publish retries.
func WithPublishBackoff(publishBackoff time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if publishBackoff > 0 {
			dispatcher.cfg.PublishBackoff = publishBackoff
		}
	}
}

// WithPoisonThreshold sets the accumulated attempt count after which a
// message is flagged poisoned.
func WithPoisonThreshold(threshold int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.PoisonThreshold = threshold
		}
	}
}

// WithChannels declares the channel descriptors the dispatcher resolves
// topics against. Descriptors with empty routing keys are dropped.
func WithChannels(descriptors ...courier.ChannelDescriptor) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		kept := make([]courier.ChannelDescriptor, 0, len(descriptors))

		for _, descriptor := range descriptors {
			if descriptor.RoutingKey == "" {
				continue
			}

			kept = append(kept, descriptor)
		}

		dispatcher.cfg.Channels = kept
	}
}

// WithPoisonHandler installs a callback invoked once per poisoned message.
func WithPoisonHandler(handler PoisonHandler) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.poisonHandler = handler
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
