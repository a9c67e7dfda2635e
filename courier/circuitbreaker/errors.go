package circuitbreaker

import "errors"

// ErrPublisherRequired reports that the breaker was built without a
// publisher to wrap.
var ErrPublisherRequired = errors.New("wrapped publisher is required")
