package channel

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const defaultEnumerationInterval = 30 * time.Second

// ResolverConfig controls caching and enumeration throttling.
type ResolverConfig struct {
	// EnumerationInterval is the minimum interval between two ListChannels
	// calls. Enumeration is the only rate-limited backend path; concurrent
	// enumerators queue behind it.
	EnumerationInterval time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultResolverConfig returns the baseline resolver configuration.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		EnumerationInterval: defaultEnumerationInterval,
		MeterProvider:       nil,
	}
}

func (cfg *ResolverConfig) normalize() {
	defaults := DefaultResolverConfig()

	if cfg.EnumerationInterval <= 0 {
		cfg.EnumerationInterval = defaults.EnumerationInterval
	}
}

// ResolverOption mutates resolver configuration at construction.
type ResolverOption func(*Resolver)

// WithEnumerationInterval sets the minimum interval between enumeration
// calls.
func WithEnumerationInterval(interval time.Duration) ResolverOption {
	return func(resolver *Resolver) {
		if interval > 0 {
			resolver.cfg.EnumerationInterval = interval
		}
	}
}

// WithMeterProvider injects a custom meter provider for resolver metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) ResolverOption {
	return func(resolver *Resolver) {
		if nilcheck.Interface(provider) {
			resolver.cfg.MeterProvider = nil

			return
		}

		resolver.cfg.MeterProvider = provider
	}
}
