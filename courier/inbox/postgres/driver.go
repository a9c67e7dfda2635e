package postgres

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	pg "github.com/LerianStudio/lib-courier/courier/postgres"
)

// DriverName is the name this store registers under for inbox.Open.
const DriverName = "postgres"

// Config is the configuration inbox.Open passes to the postgres driver,
// by value or by pointer.
type Config struct {
	// Connection is the courier postgres hub the store runs on. Required.
	Connection *pg.Connection

	// TableName overrides the default courier_inbox table. The name may
	// be schema qualified, such as "billing.courier_inbox".
	TableName string

	// Logger receives store failures. Defaults to a no-op logger.
	Logger log.Logger

	// OperationTimeout bounds store-issued statements when the caller's
	// context carries no deadline. Defaults to 30s.
	OperationTimeout time.Duration
}

func init() {
	inbox.Register(DriverName, func(config any) (inbox.Store, error) {
		switch cfg := config.(type) {
		case Config:
			return fromConfig(cfg)
		case *Config:
			if cfg == nil {
				return nil, fmt.Errorf("inbox driver %q: %w", DriverName, ErrConnectionRequired)
			}

			return fromConfig(*cfg)
		default:
			return nil, fmt.Errorf("inbox driver %q: config must be %T, got %T",
				DriverName, Config{}, config)
		}
	})
}

func fromConfig(cfg Config) (inbox.Store, error) {
	opts := make([]Option, 0, 3)

	if cfg.TableName != "" {
		opts = append(opts, WithTableName(cfg.TableName))
	}

	if !nilcheck.Interface(cfg.Logger) {
		opts = append(opts, WithLogger(cfg.Logger))
	}

	if cfg.OperationTimeout > 0 {
		opts = append(opts, WithOperationTimeout(cfg.OperationTimeout))
	}

	return New(cfg.Connection, opts...)
}
