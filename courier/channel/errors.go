package channel

import "errors"

var (
	// ErrTransportRequired is returned when a Resolver is constructed without
	// a transport.
	ErrTransportRequired = errors.New("channel transport is required")

	// ErrResolverRequired is returned when a method is invoked on a nil
	// Resolver.
	ErrResolverRequired = errors.New("channel resolver is required")
)
