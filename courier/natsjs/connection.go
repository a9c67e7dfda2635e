package natsjs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "courier.natsjs"
	meterName  = "courier.natsjs"

	defaultClientName     = "lib-courier"
	defaultConnectTimeout = 5 * time.Second

	// Redial attempts after a failure back off exponentially from
	// reconnectBackoffInitial up to reconnectBackoffCap.
	reconnectBackoffInitial = 500 * time.Millisecond
	reconnectBackoffCap     = 30 * time.Second
)

// Connection is the singleton NATS connection every gateway operation runs
// on. The client reconnects on its own when the server drops the link; this
// hub only redials once the client gives up and closes, rate limiting those
// attempts so a flapping server is not stormed.
//
// Populate URL (and optionally Logger) and the zero value is ready;
// defaults are applied on first use. The dialer and factory fields exist so
// tests can substitute the real client.
type Connection struct {
	// URL is the nats(s) server URL, comma-separated for clusters.
	// Credentials embedded in it are redacted from every error and log line
	// this package produces.
	URL string

	// Name identifies the client connection to the server, visible in
	// monitoring. Defaults to "lib-courier".
	Name string

	Logger log.Logger

	// MeterProvider feeds the connection failure counter. Defaults to the
	// global provider.
	MeterProvider metric.MeterProvider

	// ConnectTimeout bounds the initial dial. Zero applies the 5s default.
	ConnectTimeout time.Duration

	// ReconnectWait paces the client's own reconnect loop. Zero keeps the
	// client default.
	ReconnectWait time.Duration

	// MaxReconnects caps the client's reconnect attempts before it closes
	// the connection, -1 for unlimited. Zero keeps the client default.
	MaxReconnects int

	mu        sync.Mutex
	conn      *nats.Conn
	js        nats.JetStreamContext
	jsConn    *nats.Conn
	defaulted bool

	lastAttempt time.Time
	attempts    int

	dial       func(url string, opts ...nats.Option) (*nats.Conn, error)
	jsFactory  func(conn *nats.Conn) (nats.JetStreamContext, error)
	connClosed func(conn *nats.Conn) bool
	connCloser func(conn *nats.Conn) error

	failures metric.Int64Counter
}

func (c *Connection) applyDefaultsLocked() {
	if c.defaulted {
		return
	}

	if c.Name == "" {
		c.Name = defaultClientName
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.dial == nil {
		c.dial = nats.Connect
	}

	if c.jsFactory == nil {
		c.jsFactory = func(conn *nats.Conn) (nats.JetStreamContext, error) {
			if conn == nil {
				return nil, errors.New("cannot create jetstream context: connection is nil")
			}

			return conn.JetStream()
		}
	}

	if c.connClosed == nil {
		c.connClosed = func(conn *nats.Conn) bool {
			return conn == nil || conn.IsClosed()
		}
	}

	if c.connCloser == nil {
		c.connCloser = func(conn *nats.Conn) error {
			if conn == nil || conn.IsClosed() {
				return nil
			}

			if err := conn.Drain(); err != nil {
				conn.Close()

				return err
			}

			return nil
		}
	}

	provider := c.MeterProvider
	if nilcheck.Interface(provider) {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter(meterName).Int64Counter(
		"natsjs.connection.failures",
		metric.WithDescription("Connection and JetStream context failures against the server."),
		metric.WithUnit("{failure}"),
	)
	if err == nil {
		c.failures = counter
	}

	c.defaulted = true
}

// connectOptions builds the client options for a dial. Reconnection after
// an established link is the client's business; these only shape it.
func (c *Connection) connectOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.Timeout(c.ConnectTimeout),
	}

	if c.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(c.ReconnectWait))
	}

	if c.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(c.MaxReconnects))
	}

	return opts
}

// Connect dials eagerly so configuration faults surface at startup instead
// of on the first publish.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "natsjs.connect",
		trace.WithAttributes(attribute.String("messaging.system", "nats")))
	defer span.End()

	if _, err := c.liveConnection(ctx); err != nil {
		span.RecordError(err)

		return fmt.Errorf("nats connect: %w", err)
	}

	return nil
}

// JetStream returns the JetStream context on the live connection, redialing
// first when the connection is down. The context is cached per connection
// and rebuilt after a redial.
func (c *Connection) JetStream(ctx context.Context) (nats.JetStreamContext, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	conn, err := c.liveConnection(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	if c.js != nil && c.jsConn == conn {
		js := c.js
		c.mu.Unlock()

		return js, nil
	}

	factory := c.jsFactory
	c.mu.Unlock()

	js, err := factory(conn)
	if err == nil && js == nil {
		err = errors.New("jetstream factory returned nil context")
	}

	if err != nil {
		c.recordFailure(ctx, "jetstream_context")
		c.logger().Log(ctx, log.LevelError, "failed to open jetstream context", log.Err(err))

		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	c.mu.Lock()
	c.js = js
	c.jsConn = conn
	c.mu.Unlock()

	return js, nil
}

// liveConnection returns the current connection, dialing a new one when
// none is live. The dial happens outside the lock; when two callers race,
// the loser's connection is closed and the winner's kept.
func (c *Connection) liveConnection(ctx context.Context) (*nats.Conn, error) {
	c.mu.Lock()
	c.applyDefaultsLocked()

	if !c.connClosed(c.conn) {
		conn := c.conn
		c.mu.Unlock()

		return conn, nil
	}

	if c.attempts > 0 {
		delay := backoff.ExponentialWithJitter(reconnectBackoffInitial, c.attempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastAttempt); elapsed < delay {
			c.mu.Unlock()

			return nil, fmt.Errorf("%w: next attempt in %s", ErrConnectRateLimited, (delay - elapsed).Round(time.Millisecond))
		}
	}

	c.lastAttempt = time.Now()
	url := c.URL
	dial := c.dial
	opts := c.connectOptions()
	closedFn := c.connClosed
	closer := c.connCloser
	c.mu.Unlock()

	logger := c.logger()

	conn, err := dial(url, opts...)
	if err != nil {
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		c.recordFailure(ctx, "dial")
		logger.Log(ctx, log.LevelError, "failed to connect to nats",
			log.String("error_detail", sanitizeNATSErr(err, url)))

		return nil, newSanitizedError(err, url, "dial nats")
	}

	c.mu.Lock()
	if c.conn != nil && c.conn != conn && !closedFn(c.conn) {
		existing := c.conn
		c.mu.Unlock()

		if closeErr := closer(conn); closeErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close redundant nats connection", log.Err(closeErr))
		}

		return existing, nil
	}

	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connected to nats")

	return conn, nil
}

// Connected reports whether a live connection is currently held.
func (c *Connection) Connected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDefaultsLocked()

	return !c.connClosed(c.conn)
}

// Close drains the connection so in-flight acks finish before the link
// drops. Subscriptions opened from it die with it.
func (c *Connection) Close(ctx context.Context) error {
	if c == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	c.applyDefaultsLocked()
	conn := c.conn
	closer := c.connCloser
	c.conn = nil
	c.js = nil
	c.jsConn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := closer(conn); err != nil {
		c.logger().Log(ctx, log.LevelWarn, "failed to close nats connection", log.Err(err))

		return fmt.Errorf("close nats connection: %w", err)
	}

	return nil
}

func (c *Connection) logger() log.Logger {
	if c == nil || nilcheck.Interface(c.Logger) {
		return &log.NopLogger{}
	}

	return c.Logger
}

func (c *Connection) recordFailure(ctx context.Context, operation string) {
	c.mu.Lock()
	counter := c.failures
	c.mu.Unlock()

	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// sanitizedError pairs a redacted message with the original error so
// errors.Is and errors.As keep working through Unwrap.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeNATSErr(err, connectionString),
	})
}

// sanitizeNATSErr redacts connection-string credentials from an error
// message. Cluster URLs are comma-separated, so each entry is redacted on
// its own, and a decoded password is scrubbed individually in case the
// client echoed it decoded.
func sanitizeNATSErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	errMsg := err.Error()

	for _, entry := range strings.Split(connectionString, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		referenceURL, parseErr := url.Parse(entry)
		if parseErr != nil {
			continue
		}

		redactedURL := referenceURL.Redacted()

		errMsg = strings.ReplaceAll(errMsg, entry, redactedURL)
		errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

		if referenceURL.User != nil {
			if pass, ok := referenceURL.User.Password(); ok && pass != "" {
				errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
			}
		}
	}

	return errMsg
}
