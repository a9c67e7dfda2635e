package pump

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultWorkers     = 1
	defaultMaxAttempts = 3
	defaultDrainGrace  = 30 * time.Second
	defaultIdleWait    = 250 * time.Millisecond
)

// PumpConfig controls worker parallelism, retry routing, and drain behavior.
type PumpConfig struct {
	// Workers is the number of parallel receive loops on the channel.
	Workers int
	// MaxAttempts is the number of processing attempts before a failing
	// message is dead-lettered.
	MaxAttempts int
	// DrainGrace bounds how long Shutdown waits for in-flight handlers
	// before abandoning them.
	DrainGrace time.Duration
	// IdleWait is the pause after an empty receive on channels without a
	// long-poll wait, and after a failed receive.
	IdleWait time.Duration
	// LockRenewal keeps the delivery lock alive while the handler runs by
	// extending it at two thirds of the lock duration.
	LockRenewal bool
	// ContextKey is the consuming-context identity recorded in the inbox.
	// Defaults to the channel routing key.
	ContextKey string
	// RequeueDelay, when set, is how long a failed delivery stays held
	// before it is nacked, per attempt. Nil requeues immediately.
	RequeueDelay backoff.DelayFunc
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultPumpConfig returns the baseline pump configuration.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		Workers:       defaultWorkers,
		MaxAttempts:   defaultMaxAttempts,
		DrainGrace:    defaultDrainGrace,
		IdleWait:      defaultIdleWait,
		LockRenewal:   false,
		ContextKey:    "",
		RequeueDelay:  nil,
		MeterProvider: nil,
	}
}

func (cfg *PumpConfig) normalize() {
	defaults := DefaultPumpConfig()

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaults.DrainGrace
	}

	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaults.IdleWait
	}
}

// PumpOption mutates pump configuration at construction.
type PumpOption func(*Pump)

// WithWorkers sets the number of parallel receive loops.
func WithWorkers(workers int) PumpOption {
	return func(pump *Pump) {
		if workers > 0 {
			pump.cfg.Workers = workers
		}
	}
}

// WithMaxAttempts sets the processing attempts before dead-lettering.
func WithMaxAttempts(maxAttempts int) PumpOption {
	return func(pump *Pump) {
		if maxAttempts > 0 {
			pump.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithDrainGrace bounds the shutdown wait for in-flight handlers.
func WithDrainGrace(grace time.Duration) PumpOption {
	return func(pump *Pump) {
		if grace > 0 {
			pump.cfg.DrainGrace = grace
		}
	}
}

// WithIdleWait sets the pause between polls on an empty channel.
func WithIdleWait(wait time.Duration) PumpOption {
	return func(pump *Pump) {
		if wait > 0 {
			pump.cfg.IdleWait = wait
		}
	}
}

// WithLockRenewal keeps delivery locks alive while handlers run.
func WithLockRenewal() PumpOption {
	return func(pump *Pump) {
		pump.cfg.LockRenewal = true
	}
}

// WithContextKey sets the inbox consuming-context identity.
func WithContextKey(contextKey string) PumpOption {
	return func(pump *Pump) {
		if contextKey != "" {
			pump.cfg.ContextKey = contextKey
		}
	}
}

// WithRequeueDelay installs a per-attempt hold before a failed delivery is
// nacked. Combine with backoff.FixedDelay or backoff.ExponentialDelay.
func WithRequeueDelay(delay backoff.DelayFunc) PumpOption {
	return func(pump *Pump) {
		if delay != nil {
			pump.cfg.RequeueDelay = delay
		}
	}
}

// WithGuard installs the inbox guard consulted before each handler
// invocation.
func WithGuard(guard *inbox.Guard) PumpOption {
	return func(pump *Pump) {
		if guard != nil {
			pump.guard = guard
		}
	}
}

// WithMeterProvider injects a custom meter provider for pump metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) PumpOption {
	return func(pump *Pump) {
		if nilcheck.Interface(provider) {
			pump.cfg.MeterProvider = nil

			return
		}

		pump.cfg.MeterProvider = provider
	}
}
