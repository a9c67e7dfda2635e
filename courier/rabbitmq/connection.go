package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "courier.rabbitmq"
	meterName  = "courier.rabbitmq"

	// Redial attempts after a failure back off exponentially from
	// reconnectBackoffInitial up to reconnectBackoffCap.
	reconnectBackoffInitial = 500 * time.Millisecond
	reconnectBackoffCap     = 30 * time.Second
)

// Connection is the singleton AMQP connection every gateway channel is
// opened from. It redials transparently when the broker drops the link,
// rate limiting attempts so a flapping broker is not stormed.
//
// Populate URI (and optionally Logger) and the zero value is ready;
// defaults are applied on first use. The dialer and factory fields exist
// so tests can substitute the real client.
type Connection struct {
	// URI is the amqp(s) connection string. Credentials embedded in it are
	// redacted from every error and log line this package produces.
	URI string

	Logger log.Logger

	// MeterProvider feeds the connection failure counter. Defaults to the
	// global provider.
	MeterProvider metric.MeterProvider

	mu        sync.Mutex
	conn      *amqp.Connection
	defaulted bool

	lastAttempt time.Time
	attempts    int

	dial           func(ctx context.Context, uri string) (*amqp.Connection, error)
	channelFactory func(conn *amqp.Connection) (*amqp.Channel, error)
	connClosed     func(conn *amqp.Connection) bool
	connCloser     func(conn *amqp.Connection) error

	failures metric.Int64Counter
}

func (c *Connection) applyDefaultsLocked() {
	if c.defaulted {
		return
	}

	if c.dial == nil {
		c.dial = func(_ context.Context, uri string) (*amqp.Connection, error) {
			return amqp.Dial(uri)
		}
	}

	if c.channelFactory == nil {
		c.channelFactory = func(conn *amqp.Connection) (*amqp.Channel, error) {
			if conn == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return conn.Channel()
		}
	}

	if c.connClosed == nil {
		c.connClosed = func(conn *amqp.Connection) bool {
			return conn == nil || conn.IsClosed()
		}
	}

	if c.connCloser == nil {
		c.connCloser = func(conn *amqp.Connection) error {
			if conn == nil {
				return nil
			}

			return conn.Close()
		}
	}

	provider := c.MeterProvider
	if nilcheck.Interface(provider) {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter(meterName).Int64Counter(
		"rabbitmq.connection.failures",
		metric.WithDescription("Connection and channel open failures against the broker."),
		metric.WithUnit("{failure}"),
	)
	if err == nil {
		c.failures = counter
	}

	c.defaulted = true
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

	ctx, span := otel.Tracer(tracerName).Start(ctx, "rabbitmq.connect",
		trace.WithAttributes(attribute.String("messaging.system", "rabbitmq")))
	defer span.End()

	if _, err := c.liveConnection(ctx); err != nil {
		span.RecordError(err)

		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	return nil
}

// OpenChannel returns a fresh channel on the live connection, redialing
// first when the connection is down.
func (c *Connection) OpenChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}

	conn, err := c.liveConnection(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	factory := c.channelFactory
	c.mu.Unlock()

	ch, err := factory(conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		c.recordFailure(ctx, "open_channel")
		c.logger().Log(ctx, log.LevelError, "failed to open rabbitmq channel", log.Err(err))

		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// liveConnection returns the current connection, dialing a new one when
// none is live. The dial happens outside the lock; when two callers race,
// the loser's connection is closed and the winner's kept.
func (c *Connection) liveConnection(ctx context.Context) (*amqp.Connection, error) {
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
	uri := c.URI
	dial := c.dial
	closedFn := c.connClosed
	closer := c.connCloser
	c.mu.Unlock()

	logger := c.logger()

	conn, err := dial(ctx, uri)
	if err != nil {
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		c.recordFailure(ctx, "dial")
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, uri)))

		return nil, newSanitizedError(err, uri, "dial rabbitmq")
	}

	c.mu.Lock()
	if c.conn != nil && c.conn != conn && !closedFn(c.conn) {
		existing := c.conn
		c.mu.Unlock()

		if closeErr := closer(conn); closeErr != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close redundant rabbitmq connection", log.Err(closeErr))
		}

		return existing, nil
	}

	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

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

// Close shuts the connection down. Channels opened from it die with it.
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
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := closer(conn); err != nil {
		c.logger().Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))

		return fmt.Errorf("close rabbitmq connection: %w", err)
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
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr redacts connection-string credentials from an error
// message: the full string is replaced by its redacted form, and a decoded
// password is scrubbed individually in case the client echoed it decoded.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string. An empty
// vhost means the default vhost (no path in the URL). User, password, and
// vhost are URL-encoded; bare IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	if vhost != "" {
		// Vhost names may themselves contain '/', which must travel as %2F.
		// QueryEscape encodes '/' where PathEscape would not; '+' is then
		// rewritten to the path-style %20.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
