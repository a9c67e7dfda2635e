package courier

import (
	"fmt"
	"strings"
	"time"
)

// ResolutionStrategy selects how a routing key is resolved to a backend
// reference. Strategies are ordered by backend cost: direct reference and
// convention need a single attribute fetch, enumeration lists every channel
// in scope and is rate limited.
type ResolutionStrategy string

const (
	ByDirectReference ResolutionStrategy = "direct"
	ByConvention      ResolutionStrategy = "convention"
	ByEnumeration     ResolutionStrategy = "enumeration"
)

// CreationPolicy controls what resolution does about channel existence.
type CreationPolicy string

const (
	// CreationCreate skips existence checks and issues an idempotent create.
	CreationCreate CreationPolicy = "create"

	// CreationValidate performs full resolution and fails with
	// ErrChannelNotFound when the channel is absent. Surfaced at startup,
	// not deferred to first publish.
	CreationValidate CreationPolicy = "validate"

	// CreationAssume performs no backend calls and trusts the caller-supplied
	// reference.
	CreationAssume CreationPolicy = "assume"
)

// OrderingMode distinguishes standard channels from FIFO channels.
type OrderingMode string

const (
	OrderingStandard OrderingMode = "standard"
	OrderingFIFO     OrderingMode = "fifo"
)

// DeadLetterPolicy routes messages that exhaust their receive budget to a
// terminal destination.
type DeadLetterPolicy struct {
	// RoutingKey names the dead-letter destination.
	RoutingKey string

	// MaxReceives is the number of receives before the backend dead-letters
	// the message, where the backend enforces it natively.
	MaxReceives int
}

// ChannelDescriptor describes a topic or queue to resolve or provision.
// Descriptors are configuration, not persisted state; resolution results are
// cacheable for the process lifetime.
type ChannelDescriptor struct {
	// RoutingKey is the logical channel name, independent of the backend
	// identifier format.
	RoutingKey string

	// Reference is the fully-qualified backend identifier, required for
	// ByDirectReference and trusted verbatim by CreationAssume.
	Reference string

	Strategy ResolutionStrategy
	Creation CreationPolicy
	Ordering OrderingMode

	// DedupScope is passed through to backends with native deduplication.
	DedupScope string

	Retention    time.Duration
	LockDuration time.Duration
	LongPollWait time.Duration

	// Buffer bounds how many in-flight deliveries a pump holds for this
	// channel.
	Buffer int

	DeadLetter *DeadLetterPolicy
}

// Default channel attribute values applied by Normalize.
const (
	DefaultLockDuration = 30 * time.Second
	DefaultBuffer       = 1
)

// Normalize returns a copy with defaults applied: strategy inferred from the
// reference, creation policy defaulting to create, standard ordering, and a
// 30s lock duration.
func (d ChannelDescriptor) Normalize() ChannelDescriptor {
	if d.Strategy == "" {
		if strings.TrimSpace(d.Reference) != "" {
			d.Strategy = ByDirectReference
		} else {
			d.Strategy = ByConvention
		}
	}

	if d.Creation == "" {
		d.Creation = CreationCreate
	}

	if d.Ordering == "" {
		d.Ordering = OrderingStandard
	}

	if d.LockDuration <= 0 {
		d.LockDuration = DefaultLockDuration
	}

	if d.Buffer <= 0 {
		d.Buffer = DefaultBuffer
	}

	return d
}

// Validate reports whether the descriptor is well formed. Malformed
// descriptors are configuration errors: fatal and non-retriable.
func (d ChannelDescriptor) Validate() error {
	if strings.TrimSpace(d.RoutingKey) == "" {
		return ConfigurationError("channel descriptor: routing key is required")
	}

	switch d.Strategy {
	case ByDirectReference, ByConvention, ByEnumeration, "":
	default:
		return ConfigurationError("channel descriptor %q: unknown resolution strategy %q", d.RoutingKey, d.Strategy)
	}

	switch d.Creation {
	case CreationCreate, CreationValidate, CreationAssume, "":
	default:
		return ConfigurationError("channel descriptor %q: unknown creation policy %q", d.RoutingKey, d.Creation)
	}

	switch d.Ordering {
	case OrderingStandard, OrderingFIFO, "":
	default:
		return ConfigurationError("channel descriptor %q: unknown ordering mode %q", d.RoutingKey, d.Ordering)
	}

	if d.Strategy == ByDirectReference && strings.TrimSpace(d.Reference) == "" {
		return ConfigurationError("channel descriptor %q: direct reference strategy requires a reference", d.RoutingKey)
	}

	if d.Retention < 0 || d.LockDuration < 0 || d.LongPollWait < 0 {
		return ConfigurationError("channel descriptor %q: durations must not be negative", d.RoutingKey)
	}

	if d.DeadLetter != nil {
		if strings.TrimSpace(d.DeadLetter.RoutingKey) == "" {
			return ConfigurationError("channel descriptor %q: dead letter policy requires a routing key", d.RoutingKey)
		}

		if d.DeadLetter.MaxReceives < 1 {
			return ConfigurationError("channel descriptor %q: dead letter policy requires max receives >= 1", d.RoutingKey)
		}
	}

	return nil
}

// IsFIFO reports whether the channel preserves publish order per group key.
func (d ChannelDescriptor) IsFIFO() bool {
	return d.Ordering == OrderingFIFO
}

// ChannelRef is a resolved channel: the logical routing key bound to its
// fully-qualified backend identifier, with the attributes it was resolved
// under.
type ChannelRef struct {
	RoutingKey string
	Identifier string
	Descriptor ChannelDescriptor
}

// String implements fmt.Stringer for log-friendly output.
func (ref ChannelRef) String() string {
	if ref.Identifier == "" {
		return ref.RoutingKey
	}

	return fmt.Sprintf("%s (%s)", ref.RoutingKey, ref.Identifier)
}
