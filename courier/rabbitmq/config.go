package rabbitmq

import (
	"context"
	"strings"
	"time"
)

// QueueType selects the queue implementation declared for channels.
type QueueType string

const (
	// QueueTypeQuorum is the default: replicated queues with native
	// delivery accounting and broker-enforced delivery limits.
	QueueTypeQuorum QueueType = "quorum"

	// QueueTypeClassic declares classic queues for brokers predating
	// quorum support. Delivery accounting then falls back to the consumer.
	QueueTypeClassic QueueType = "classic"
)

// defaultPollInterval paces basic.Get polls inside a long-poll receive.
const defaultPollInterval = 100 * time.Millisecond

// GatewayConfig carries the gateway tunables.
type GatewayConfig struct {
	// Namespace prefixes every derived queue name ("namespace.key").
	// Empty means queue names equal routing keys.
	Namespace string

	// Exchange, when set, is a durable topic exchange publishes go
	// through, with each queue bound by its routing key. Empty publishes
	// straight to queues through the default exchange.
	Exchange string

	QueueType QueueType

	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultGatewayConfig returns the gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		QueueType:      QueueTypeQuorum,
		ConfirmTimeout: DefaultConfirmTimeout,
		PollInterval:   defaultPollInterval,
	}
}

func (cfg *GatewayConfig) normalize() {
	if cfg.QueueType != QueueTypeQuorum && cfg.QueueType != QueueTypeClassic {
		cfg.QueueType = QueueTypeQuorum
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
}

// GatewayOption mutates gateway configuration at construction.
type GatewayOption func(*Gateway)

// WithNamespace prefixes derived queue names with a namespace.
func WithNamespace(namespace string) GatewayOption {
	return func(gw *Gateway) {
		gw.cfg.Namespace = strings.TrimSpace(namespace)
	}
}

// WithExchange routes publishes through a named durable topic exchange
// instead of the default exchange.
func WithExchange(exchange string) GatewayOption {
	return func(gw *Gateway) {
		gw.cfg.Exchange = strings.TrimSpace(exchange)
	}
}

// WithQueueType overrides the declared queue type.
func WithQueueType(queueType QueueType) GatewayOption {
	return func(gw *Gateway) {
		if queueType != "" {
			gw.cfg.QueueType = queueType
		}
	}
}

// WithGatewayConfirmTimeout bounds the publish confirmation wait.
func WithGatewayConfirmTimeout(timeout time.Duration) GatewayOption {
	return func(gw *Gateway) {
		if timeout > 0 {
			gw.cfg.ConfirmTimeout = timeout
		}
	}
}

// WithPollInterval paces the receive polling loop.
func WithPollInterval(interval time.Duration) GatewayOption {
	return func(gw *Gateway) {
		if interval > 0 {
			gw.cfg.PollInterval = interval
		}
	}
}

// withChannelOpener substitutes the channel source, for tests.
func withChannelOpener(open func(ctx context.Context) (amqpChannel, error)) GatewayOption {
	return func(gw *Gateway) {
		gw.openOps = open
	}
}

// withConfirmableOpener substitutes the publisher channel source, for
// tests.
func withConfirmableOpener(open func(ctx context.Context) (ConfirmableChannel, error)) GatewayOption {
	return func(gw *Gateway) {
		gw.openConfirm = open
	}
}
