package mongo

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// DriverName is the name this store registers under for outbox.Open.
const DriverName = "mongo"

// Config is the configuration outbox.Open passes to the mongo driver,
// by value or by pointer.
type Config struct {
	// Connection is the courier mongo hub the store runs on. Required.
	Connection *Connection

	// CollectionName overrides the default courier_outbox collection.
	CollectionName string

	// CounterCollectionName overrides the default courier_counters
	// collection holding the created_id sequence.
	CounterCollectionName string

	// Logger receives store failures. Defaults to a no-op logger.
	Logger log.Logger

	// OperationTimeout bounds store-issued operations when the caller's
	// context carries no deadline. Defaults to 30s.
	OperationTimeout time.Duration
}

func init() {
	outbox.Register(DriverName, func(config any) (outbox.Store, error) {
		switch cfg := config.(type) {
		case Config:
			return fromConfig(cfg)
		case *Config:
			if cfg == nil {
				return nil, fmt.Errorf("outbox driver %q: %w", DriverName, ErrConnectionRequired)
			}

			return fromConfig(*cfg)
		default:
			return nil, fmt.Errorf("outbox driver %q: config must be %T, got %T",
				DriverName, Config{}, config)
		}
	})
}

func fromConfig(cfg Config) (outbox.Store, error) {
	opts := make([]Option, 0, 4)

	if cfg.CollectionName != "" {
		opts = append(opts, WithCollectionName(cfg.CollectionName))
	}

	if cfg.CounterCollectionName != "" {
		opts = append(opts, WithCounterCollectionName(cfg.CounterCollectionName))
	}

	if !nilcheck.Interface(cfg.Logger) {
		opts = append(opts, WithLogger(cfg.Logger))
	}

	if cfg.OperationTimeout > 0 {
		opts = append(opts, WithOperationTimeout(cfg.OperationTimeout))
	}

	return New(cfg.Connection, opts...)
}
