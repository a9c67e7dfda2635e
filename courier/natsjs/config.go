package natsjs

import (
	"context"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
)

const (
	// defaultDedupWindow is how long the server remembers message ids for
	// channels with a dedup scope.
	defaultDedupWindow = 2 * time.Minute

	// defaultProbeWait bounds a fetch when the channel asks for a
	// non-blocking receive; pull requests always wait server-side.
	defaultProbeWait = 100 * time.Millisecond
)

// GatewayConfig carries the gateway tunables.
type GatewayConfig struct {
	// Namespace prefixes every derived channel identifier
	// ("namespace.key"). Empty means identifiers equal routing keys.
	Namespace string

	// Replicas is the stream replication factor. Zero declares
	// single-replica streams.
	Replicas int

	// DedupWindow is the duplicate suppression window declared on streams
	// whose channels carry a dedup scope.
	DedupWindow time.Duration

	// ProbeWait is the fetch wait used when a channel's long-poll window is
	// zero.
	ProbeWait time.Duration
}

// DefaultGatewayConfig returns the gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		DedupWindow: defaultDedupWindow,
		ProbeWait:   defaultProbeWait,
	}
}

func (cfg *GatewayConfig) normalize() {
	if cfg.Replicas < 0 {
		cfg.Replicas = 0
	}

	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}

	if cfg.ProbeWait <= 0 {
		cfg.ProbeWait = defaultProbeWait
	}
}

// GatewayOption mutates gateway configuration at construction.
type GatewayOption func(*Gateway)

// WithNamespace prefixes derived channel identifiers with a namespace.
func WithNamespace(namespace string) GatewayOption {
	return func(gw *Gateway) {
		gw.cfg.Namespace = strings.TrimSpace(namespace)
	}
}

// WithReplicas sets the stream replication factor for created channels.
func WithReplicas(replicas int) GatewayOption {
	return func(gw *Gateway) {
		if replicas > 0 {
			gw.cfg.Replicas = replicas
		}
	}
}

// WithDedupWindow overrides the duplicate suppression window for channels
// with a dedup scope.
func WithDedupWindow(window time.Duration) GatewayOption {
	return func(gw *Gateway) {
		if window > 0 {
			gw.cfg.DedupWindow = window
		}
	}
}

// WithProbeWait bounds the fetch wait for non-blocking receives.
func WithProbeWait(wait time.Duration) GatewayOption {
	return func(gw *Gateway) {
		if wait > 0 {
			gw.cfg.ProbeWait = wait
		}
	}
}

// withJetStream substitutes the JetStream context source, for tests.
func withJetStream(open func(ctx context.Context) (jsContext, error)) GatewayOption {
	return func(gw *Gateway) {
		gw.jetStream = open
	}
}

// withSubscriber substitutes the pull subscription source, for tests.
func withSubscriber(subscribe func(js jsContext, ref courier.ChannelRef) (pullConsumer, error)) GatewayOption {
	return func(gw *Gateway) {
		gw.subscribe = subscribe
	}
}
