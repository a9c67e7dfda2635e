package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "courier.postgres"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dsnCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	dsnKeyValuePattern    = regexp.MustCompile(`(?i)(password|sslkey|sslcert|sslrootcert)=([^\s&]+)`)
)

// Connection is the shared database hub outbox and inbox stores draw
// their handles from. Reads go through a primary/replica resolver,
// writes and migrations stick to the primary.
//
// Populate PrimaryDSN (and optionally Logger) and the zero value is
// ready; defaults are applied on first use. The open, resolver, and
// migration fields exist so tests can substitute the real driver.
type Connection struct {
	// PrimaryDSN is the primary database connection string. Credentials
	// embedded in it are redacted from every error and log line this
	// package produces.
	PrimaryDSN string

	// ReplicaDSN points reads at a read-only replica. Empty means reads
	// share the primary.
	ReplicaDSN string

	// MigrationsPath holds file-based migration scripts applied to the
	// primary during connect. Empty skips the migration step.
	MigrationsPath string

	// DatabaseName names the database being migrated. Required when
	// MigrationsPath is set.
	DatabaseName string

	// AllowMultiStatements lets one migration file carry several
	// statements. Such files run outside a transaction, so a failure
	// partway through leaves the schema version dirty.
	AllowMultiStatements bool

	Logger log.Logger

	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration

	mu        sync.RWMutex
	resolver  dbresolver.DB
	primary   *sql.DB
	replica   *sql.DB
	defaulted bool

	openDB        func(driverName, dsn string) (*sql.DB, error)
	buildResolver func(primary, replica *sql.DB) (dbresolver.DB, error)
	migrateUp     func(ctx context.Context, db *sql.DB) error
}

func (c *Connection) applyDefaultsLocked() {
	if c.defaulted {
		return
	}

	if c.openDB == nil {
		c.openDB = sql.Open
	}

	if c.buildResolver == nil {
		c.buildResolver = func(primary, replica *sql.DB) (_ dbresolver.DB, err error) {
			defer func() {
				if recovered := recover(); recovered != nil {
					err = fmt.Errorf("dbresolver panicked: %v", recovered)
				}
			}()

			resolver := dbresolver.New(
				dbresolver.WithPrimaryDBs(primary),
				dbresolver.WithReplicaDBs(replica),
				dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
			)
			if resolver == nil {
				return nil, errors.New("dbresolver returned nil handle")
			}

			return resolver, nil
		}
	}

	if c.migrateUp == nil {
		c.migrateUp = func(ctx context.Context, db *sql.DB) error {
			return runMigrations(ctx, db, c.MigrationsPath, c.DatabaseName, c.AllowMultiStatements, c.logger())
		}
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	c.defaulted = true
}

// Connect dials eagerly so configuration faults surface at startup
// instead of on the first query. Reconnecting closes the previous
// handles first.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "postgres.connect",
		trace.WithAttributes(attribute.String("db.system", "postgresql")))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		span.RecordError(err)

		return fmt.Errorf("postgres connect: %w", err)
	}

	return nil
}

// connectLocked performs the actual connection. Caller holds the write
// lock.
func (c *Connection) connectLocked(ctx context.Context) error {
	c.applyDefaultsLocked()

	if strings.TrimSpace(c.PrimaryDSN) == "" {
		return ErrPrimaryDSNRequired
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	logger := c.logger()

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close previous postgres connection", log.Err(err))
		}
	}

	primary, err := c.openDB("pgx", c.PrimaryDSN)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to open primary database",
			log.String("error_detail", sanitizeDSNMessage(err.Error())))

		return newSanitizedError(err, "open primary database")
	}

	// Opened handles are released again when any later step fails.
	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	c.tunePool(primary)

	replicaDSN := c.ReplicaDSN
	if strings.TrimSpace(replicaDSN) == "" {
		replicaDSN = c.PrimaryDSN
	}

	replica, err := c.openDB("pgx", replicaDSN)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to open replica database",
			log.String("error_detail", sanitizeDSNMessage(err.Error())))

		return newSanitizedError(err, "open replica database")
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	c.tunePool(replica)

	resolver, err := c.buildResolver(primary, replica)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	if c.MigrationsPath != "" {
		if err := c.migrateUp(ctx, primary); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := resolver.PingContext(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "failed to ping database",
			log.String("error_detail", sanitizeDSNMessage(err.Error())))

		return newSanitizedError(err, "ping database")
	}

	c.resolver = resolver
	c.primary = primary
	c.replica = replica
	success = true

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Connection) tunePool(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConnections)
	db.SetMaxIdleConns(c.MaxIdleConnections)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// Resolver returns the read/write splitting handle, connecting first
// when none is live.
func (c *Connection) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()

	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	return c.resolver, nil
}

// Primary returns the raw primary handle for transactional work,
// connecting first when none is live.
func (c *Connection) Primary(ctx context.Context) (*sql.DB, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()

	if c.primary != nil {
		primary := c.primary
		c.mu.RUnlock()

		return primary, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primary != nil {
		return c.primary, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	return c.primary, nil
}

// Connected reports whether a live resolver is currently held.
func (c *Connection) Connected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases the database handles. Closing the resolver closes the
// primary and replica pools attached to it.
func (c *Connection) Close(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.closeLocked(); err != nil {
		c.logger().Log(ctx, log.LevelWarn, "failed to close postgres connection", log.Err(err))

		return fmt.Errorf("close postgres connection: %w", err)
	}

	return nil
}

func (c *Connection) closeLocked() error {
	resolver := c.resolver
	c.resolver = nil
	c.primary = nil
	c.replica = nil

	if resolver == nil {
		return nil
	}

	return resolver.Close()
}

func (c *Connection) logger() log.Logger {
	if c == nil || nilcheck.Interface(c.Logger) {
		return &log.NopLogger{}
	}

	return c.Logger
}

// sanitizedError pairs a redacted message with the original error so
// errors.Is and errors.As keep working through Unwrap.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeDSNMessage(err.Error()),
	})
}

// sanitizeDSNMessage redacts credentials that drivers echo back inside
// error text, covering both URL and key=value connection strings.
func sanitizeDSNMessage(message string) string {
	sanitized := dsnCredentialsPattern.ReplaceAllString(message, "://***@")

	return dsnKeyValuePattern.ReplaceAllString(sanitized, "${1}=***")
}
