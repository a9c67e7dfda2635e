package redis

import (
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/redis/go-redis/v9"
)

// DriverName is the name this store registers under for inbox.Open.
const DriverName = "redis"

// Config is the configuration inbox.Open passes to the redis driver, by
// value or by pointer.
type Config struct {
	// Client is the redis client the store runs on. Required. Its
	// lifecycle stays with the caller.
	Client redis.UniversalClient

	// KeyPrefix overrides the default courier:inbox: key prefix.
	KeyPrefix string

	// Logger receives store failures. Defaults to a no-op logger.
	Logger log.Logger
}

func init() {
	inbox.Register(DriverName, func(config any) (inbox.Store, error) {
		switch cfg := config.(type) {
		case Config:
			return fromConfig(cfg)
		case *Config:
			if cfg == nil {
				return nil, fmt.Errorf("inbox driver %q: %w", DriverName, ErrClientRequired)
			}

			return fromConfig(*cfg)
		default:
			return nil, fmt.Errorf("inbox driver %q: config must be %T, got %T",
				DriverName, Config{}, config)
		}
	})
}

func fromConfig(cfg Config) (inbox.Store, error) {
	opts := make([]Option, 0, 2)

	if cfg.KeyPrefix != "" {
		opts = append(opts, WithKeyPrefix(cfg.KeyPrefix))
	}

	if !nilcheck.Interface(cfg.Logger) {
		opts = append(opts, WithLogger(cfg.Logger))
	}

	return New(cfg.Client, opts...)
}
