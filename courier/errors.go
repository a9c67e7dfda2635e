package courier

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks fatal, non-retriable faults such as a malformed
	// channel descriptor. A message failing with a configuration error routes
	// straight to dead-letter instead of retrying.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport marks backend unavailability or rate limiting. Transport
	// errors are retriable with backoff on the dispatching side and cause a
	// nack-requeue on the consuming side.
	ErrTransport = errors.New("transport error")

	// ErrChannelNotFound is raised by the validate creation policy when a
	// channel does not exist. It surfaces synchronously at configuration or
	// startup time, never deferred to first publish.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrDuplicateKey is an inbox identity conflict: the command was already
	// processed in the consuming context. Consumers handle it per their
	// once-only action, it is never a crash.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrMessageRequired is returned when a nil message is passed to an
	// operation that needs one.
	ErrMessageRequired = errors.New("message is required")

	// ErrTopicRequired is returned when a message carries no routing key.
	ErrTopicRequired = errors.New("message topic is required")

	// ErrMessageIDRequired is returned when a message carries no identity.
	ErrMessageIDRequired = errors.New("message id is required")
)

// ConfigurationError wraps err so that errors.Is(result, ErrConfiguration)
// holds. The original error remains reachable through Unwrap.
func ConfigurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// TransportError wraps err so that errors.Is(result, ErrTransport) holds.
func TransportError(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// IsRetriable reports whether err represents a fault worth retrying.
// Transport faults and context deadline expiries are retriable; configuration
// faults and cancellations are not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConfiguration) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}

// IsConfiguration reports whether err is a fatal configuration fault.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
