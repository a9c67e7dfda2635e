package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
)

// Resolver answers "does this channel exist, and if not, should it be
// created?" on top of a backend Transport. Resolved channels are cached for
// the process lifetime; the cache is shared, read-mostly, and safe for
// concurrent use. Racing resolvers may resolve the same channel twice, which
// is benign because lookup and creation are idempotent.
type Resolver struct {
	transport Transport
	logger    log.Logger
	cfg       ResolverConfig

	cacheMu sync.RWMutex
	cache   map[string]courier.ChannelRef

	enumerationMu   sync.Mutex
	lastEnumeration time.Time

	metrics resolverMetrics
}

// NewResolver creates a resolver over the given transport.
func NewResolver(transport Transport, logger log.Logger, opts ...ResolverOption) (*Resolver, error) {
	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	resolver := &Resolver{
		transport: transport,
		logger:    logger,
		cfg:       DefaultResolverConfig(),
		cache:     make(map[string]courier.ChannelRef),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(resolver)
		}
	}

	resolver.cfg.normalize()

	metrics, err := newResolverMetrics(resolver.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init channel metrics: %w", err)
	}

	resolver.metrics = metrics

	return resolver, nil
}

// Ensure resolves or provisions the described channel per its creation
// policy. The first successful resolution is cached; subsequent calls for the
// same routing key return EnsureExists from the cache without backend calls.
// A notfound outcome carries courier.ErrChannelNotFound and is not cached.
func (resolver *Resolver) Ensure(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.EnsureResult, courier.ChannelRef, error) {
	if resolver == nil {
		return courier.EnsureNotFound, courier.ChannelRef{}, ErrResolverRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	descriptor = descriptor.Normalize()
	if err := descriptor.Validate(); err != nil {
		return courier.EnsureNotFound, courier.ChannelRef{}, err
	}

	if ref, ok := resolver.cachedRef(descriptor.RoutingKey); ok {
		return courier.EnsureExists, ref, nil
	}

	result, ref, err := resolver.ensure(ctx, descriptor)
	if err != nil {
		return result, courier.ChannelRef{}, err
	}

	resolver.storeRef(ref)
	resolver.logger.Log(ctx, log.LevelDebug, "channel resolved",
		log.String("routing_key", ref.RoutingKey),
		log.String("identifier", ref.Identifier),
		log.String("result", string(result)),
	)

	return result, ref, nil
}

// Invalidate drops the cached resolution for a routing key, forcing the next
// Ensure to hit the backend again. Used after a publish surfaces that a
// previously resolved channel no longer exists.
func (resolver *Resolver) Invalidate(routingKey string) {
	if resolver == nil {
		return
	}

	resolver.cacheMu.Lock()
	defer resolver.cacheMu.Unlock()

	delete(resolver.cache, routingKey)
}

// CachedRef returns the cached resolution for a routing key, if present.
func (resolver *Resolver) CachedRef(routingKey string) (courier.ChannelRef, bool) {
	if resolver == nil {
		return courier.ChannelRef{}, false
	}

	return resolver.cachedRef(routingKey)
}

func (resolver *Resolver) ensure(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.EnsureResult, courier.ChannelRef, error) {
	switch descriptor.Creation {
	case courier.CreationAssume:
		return courier.EnsureExists, resolver.assumedRef(descriptor), nil

	case courier.CreationCreate:
		identifier, err := resolver.transport.CreateChannel(ctx, descriptor)
		if err != nil {
			return courier.EnsureNotFound, courier.ChannelRef{}, fmt.Errorf("create channel %q: %w", descriptor.RoutingKey, err)
		}

		resolver.logger.Log(ctx, log.LevelInfo, "channel created",
			log.String("routing_key", descriptor.RoutingKey),
			log.String("identifier", identifier),
		)

		return courier.EnsureCreated, resolver.resolvedRef(descriptor, identifier), nil

	default: // CreationValidate
		ref, found, err := resolver.resolve(ctx, descriptor)
		if err != nil {
			return courier.EnsureNotFound, courier.ChannelRef{}, err
		}

		if !found {
			return courier.EnsureNotFound, courier.ChannelRef{}, fmt.Errorf("channel %q: %w", descriptor.RoutingKey, courier.ErrChannelNotFound)
		}

		return courier.EnsureExists, ref, nil
	}
}

// resolve walks the strategy ladder. Direct reference and convention cost one
// attribute fetch; only enumeration lists.
func (resolver *Resolver) resolve(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.ChannelRef, bool, error) {
	switch descriptor.Strategy {
	case courier.ByDirectReference:
		return resolver.lookup(ctx, descriptor, descriptor.Reference)

	case courier.ByConvention:
		return resolver.lookup(ctx, descriptor, resolver.transport.QualifyChannel(descriptor.RoutingKey))

	default: // ByEnumeration
		return resolver.enumerate(ctx, descriptor)
	}
}

func (resolver *Resolver) lookup(ctx context.Context, descriptor courier.ChannelDescriptor, reference string) (courier.ChannelRef, bool, error) {
	found, err := resolver.transport.LookupChannel(ctx, reference)
	if err != nil {
		return courier.ChannelRef{}, false, fmt.Errorf("lookup channel %q: %w", reference, err)
	}

	if !found {
		return courier.ChannelRef{}, false, nil
	}

	return resolver.resolvedRef(descriptor, reference), true, nil
}

func (resolver *Resolver) enumerate(ctx context.Context, descriptor courier.ChannelDescriptor) (courier.ChannelRef, bool, error) {
	wanted := strings.TrimSpace(descriptor.Reference)
	if wanted == "" {
		wanted = resolver.transport.QualifyChannel(descriptor.RoutingKey)
	}

	if err := resolver.waitEnumerationTurn(ctx); err != nil {
		return courier.ChannelRef{}, false, fmt.Errorf("enumeration wait: %w", err)
	}

	if resolver.metrics.enumerations != nil {
		resolver.metrics.enumerations.Add(ctx, 1)
	}

	identifiers, err := resolver.transport.ListChannels(ctx)
	if err != nil {
		return courier.ChannelRef{}, false, fmt.Errorf("list channels: %w", err)
	}

	for _, identifier := range identifiers {
		if identifier == wanted {
			return resolver.resolvedRef(descriptor, identifier), true, nil
		}
	}

	return courier.ChannelRef{}, false, nil
}

// waitEnumerationTurn serializes enumerators and enforces the minimum
// interval between list calls. The mutex is held across the sleep so
// concurrent enumerators queue rather than stampede the backend.
func (resolver *Resolver) waitEnumerationTurn(ctx context.Context) error {
	resolver.enumerationMu.Lock()
	defer resolver.enumerationMu.Unlock()

	if !resolver.lastEnumeration.IsZero() {
		if wait := resolver.cfg.EnumerationInterval - time.Since(resolver.lastEnumeration); wait > 0 {
			if err := backoff.SleepWithContext(ctx, wait); err != nil {
				return err
			}
		}
	}

	resolver.lastEnumeration = time.Now().UTC()

	return nil
}

func (resolver *Resolver) assumedRef(descriptor courier.ChannelDescriptor) courier.ChannelRef {
	identifier := strings.TrimSpace(descriptor.Reference)
	if identifier == "" {
		identifier = resolver.transport.QualifyChannel(descriptor.RoutingKey)
	}

	return resolver.resolvedRef(descriptor, identifier)
}

func (resolver *Resolver) resolvedRef(descriptor courier.ChannelDescriptor, identifier string) courier.ChannelRef {
	return courier.ChannelRef{
		RoutingKey: descriptor.RoutingKey,
		Identifier: identifier,
		Descriptor: descriptor,
	}
}

func (resolver *Resolver) cachedRef(routingKey string) (courier.ChannelRef, bool) {
	resolver.cacheMu.RLock()
	defer resolver.cacheMu.RUnlock()

	ref, ok := resolver.cache[routingKey]

	return ref, ok
}

func (resolver *Resolver) storeRef(ref courier.ChannelRef) {
	resolver.cacheMu.Lock()
	defer resolver.cacheMu.Unlock()

	resolver.cache[ref.RoutingKey] = ref
}
