package circuitbreaker

import "time"

const (
	defaultMaxRequests         = 3
	defaultCountingInterval    = 60 * time.Second
	defaultOpenTimeout         = 30 * time.Second
	defaultConsecutiveFailures = 5
	defaultMinRequests         = 10
	defaultFailureRatio        = 0.6
)

// Config controls when the circuit opens and how it recovers.
type Config struct {
	// MaxRequests is how many trial publishes the half-open circuit
	// admits before deciding to close or reopen.
	MaxRequests uint32
	// CountingInterval is the rolling window after which the closed
	// circuit's failure counts reset.
	CountingInterval time.Duration
	// OpenTimeout is how long the open circuit rejects publishes before
	// moving to half-open.
	OpenTimeout time.Duration
	// ConsecutiveFailures opens the circuit when reached, regardless of
	// ratio.
	ConsecutiveFailures uint32
	// MinRequests is the minimum sample size before FailureRatio is
	// consulted.
	MinRequests uint32
	// FailureRatio opens the circuit when the window's failure fraction
	// reaches it and MinRequests is met.
	FailureRatio float64
}

// DefaultConfig returns the baseline circuit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         defaultMaxRequests,
		CountingInterval:    defaultCountingInterval,
		OpenTimeout:         defaultOpenTimeout,
		ConsecutiveFailures: defaultConsecutiveFailures,
		MinRequests:         defaultMinRequests,
		FailureRatio:        defaultFailureRatio,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	if cfg.CountingInterval <= 0 {
		cfg.CountingInterval = defaults.CountingInterval
	}

	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}

	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = defaults.FailureRatio
	}
}
