package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000

	// redialBackoffBase and redialBackoffCap rate-limit lazy reconnect
	// attempts so a down server does not take a dial storm on top.
	redialBackoffBase = 1 * time.Second
	redialBackoffCap  = 30 * time.Second
)

var uriCredentialsPattern = regexp.MustCompile(`://[^@\s/]+@`)

// Connection is the MongoDB hub the outbox store draws its database
// handle from. Populate URI and DatabaseName (and optionally Logger)
// and the zero value is ready; the client dials lazily on first use.
//
// The connect, ping, and disconnect fields exist so tests can
// substitute the real driver.
type Connection struct {
	// URI is the mongodb connection string. Credentials embedded in it
	// are redacted from every error and log line this package produces.
	URI string

	// DatabaseName names the database holding the outbox collections.
	DatabaseName string

	Logger log.Logger

	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration

	mu        sync.RWMutex
	client    *mongo.Client
	defaulted bool

	// Lazy redial rate limiting.
	lastAttempt time.Time
	attempts    int

	connect    func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)
	ping       func(ctx context.Context, client *mongo.Client) error
	disconnect func(ctx context.Context, client *mongo.Client) error
}

func (c *Connection) applyDefaultsLocked() {
	if c.defaulted {
		return
	}

	if c.connect == nil {
		c.connect = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		}
	}

	if c.ping == nil {
		c.ping = func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		}
	}

	if c.disconnect == nil {
		c.disconnect = func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		}
	}

	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.MaxPoolSize > maxMaxPoolSize {
		c.MaxPoolSize = maxMaxPoolSize
	}

	c.defaulted = true
}

// Connect dials eagerly so configuration faults surface at startup
// instead of on the first deposit. Already connected is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "mongo.connect",
		trace.WithAttributes(attribute.String("db.system", "mongodb")))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		span.RecordError(err)

		return fmt.Errorf("mongo connect: %w", err)
	}

	return nil
}

// connectLocked performs the actual dial. Caller holds the write lock.
func (c *Connection) connectLocked(ctx context.Context) error {
	c.applyDefaultsLocked()

	if strings.TrimSpace(c.URI) == "" {
		return ErrURIRequired
	}

	if strings.TrimSpace(c.DatabaseName) == "" {
		return ErrDatabaseNameRequired
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	logger := c.logger()

	clientOptions := options.Client().
		ApplyURI(c.URI).
		SetServerSelectionTimeout(c.ServerSelectionTimeout).
		SetHeartbeatInterval(c.HeartbeatInterval)

	if c.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.MaxPoolSize)
	}

	client, err := c.connect(ctx, clientOptions)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to connect to mongo",
			log.String("error_detail", sanitizeURIMessage(err.Error())))

		return newSanitizedError(err, "connect")
	}

	if client == nil {
		return errors.New("mongo driver returned nil client")
	}

	if err := c.ping(ctx, client); err != nil {
		if disconnectErr := c.disconnect(ctx, client); disconnectErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to disconnect after ping failure",
				log.String("error_detail", sanitizeURIMessage(disconnectErr.Error())))
		}

		logger.Log(ctx, log.LevelError, "failed to ping mongo",
			log.String("error_detail", sanitizeURIMessage(err.Error())))

		return newSanitizedError(err, "ping")
	}

	c.client = client

	logger.Log(ctx, log.LevelInfo, "connected to mongo",
		log.String("database", c.DatabaseName))

	return nil
}

// Database returns the configured database handle, dialing lazily if
// the connection has not been established or was closed. Redials after
// a failure are rate-limited with exponential backoff.
func (c *Connection) Database(ctx context.Context) (*mongo.Database, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	client := c.client
	name := c.DatabaseName
	c.mu.RUnlock()

	if client != nil {
		return client.Database(name), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client.Database(c.DatabaseName), nil
	}

	if c.attempts > 0 {
		delay := backoff.Exponential(redialBackoffBase, c.attempts)
		if delay > redialBackoffCap {
			delay = redialBackoffCap
		}

		if elapsed := time.Since(c.lastAttempt); elapsed < delay {
			return nil, fmt.Errorf("mongo connect rate-limited, next attempt in %s", delay-elapsed)
		}
	}

	c.lastAttempt = time.Now()

	if err := c.connectLocked(ctx); err != nil {
		// Configuration faults never recover by waiting; rate-limiting
		// them would only hide the real error from later callers.
		if !errors.Is(err, ErrURIRequired) && !errors.Is(err, ErrDatabaseNameRequired) {
			c.attempts++
		}

		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	c.attempts = 0

	return c.client.Database(c.DatabaseName), nil
}

// Connected reports whether a live client is currently held.
func (c *Connection) Connected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

// Ping probes the server through the active connection.
func (c *Connection) Ping(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	client := c.client
	ping := c.ping
	c.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("mongo ping: not connected")
	}

	if err := ping(ctx, client); err != nil {
		return newSanitizedError(err, "ping")
	}

	return nil
}

// Close releases the client. The connection is marked closed even when
// the disconnect fails, so callers never retry on a half-closed client;
// the next Database call dials fresh.
func (c *Connection) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	client := c.client
	c.client = nil

	if err := c.disconnect(ctx, client); err != nil {
		c.logger().Log(ctx, log.LevelWarn, "failed to disconnect from mongo",
			log.String("error_detail", sanitizeURIMessage(err.Error())))

		return newSanitizedError(err, "disconnect")
	}

	return nil
}

func (c *Connection) logger() log.Logger {
	if nilcheck.Interface(c.Logger) {
		return &log.NopLogger{}
	}

	return c.Logger
}

// sanitizedError pairs a redacted message with the original error so
// errors.Is and errors.As keep working without leaking credentials
// into logs or wrapped messages.
type sanitizedError struct {
	message  string
	original error
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, prefix string) error {
	if err == nil {
		return nil
	}

	return &sanitizedError{
		message:  "mongo " + prefix + ": " + sanitizeURIMessage(err.Error()),
		original: err,
	}
}

func sanitizeURIMessage(message string) string {
	return uriCredentialsPattern.ReplaceAllString(message, "://***:***@")
}
