package channel

import (
	"context"

	"github.com/LerianStudio/lib-courier/courier"
)

// Transport is the provisioning surface a messaging backend exposes to the
// resolver. It is deliberately narrower than courier.Gateway: resolution
// needs existence probes and creation, not publish or receive.
//
//go:generate mockgen --destination=transport_mock.go --package=channel . Transport
type Transport interface {
	// LookupChannel performs a single attribute fetch for the given
	// fully-qualified reference. A false return with a nil error is
	// authoritative non-existence, not an error.
	LookupChannel(ctx context.Context, reference string) (bool, error)

	// CreateChannel provisions the described channel and returns its
	// fully-qualified identifier. Creation is idempotent: creating an
	// already-existing channel returns its identifier, not an error.
	CreateChannel(ctx context.Context, descriptor courier.ChannelDescriptor) (string, error)

	// ListChannels enumerates every channel identifier in scope. This is the
	// expensive, rate-limited path; the resolver only calls it for
	// ByEnumeration descriptors.
	ListChannels(ctx context.Context) ([]string, error)

	// QualifyChannel derives the fully-qualified identifier for a routing key
	// from the transport's configured namespace. Pure, no backend calls.
	QualifyChannel(routingKey string) string
}
