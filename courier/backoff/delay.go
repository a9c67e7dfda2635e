package backoff

import "time"

// DelayFunc returns the delay to apply before the given retry attempt.
// Attempt numbering starts at 0.
type DelayFunc func(attempt int) time.Duration

// FixedDelay returns a DelayFunc that yields the same delay for every attempt.
// Non-positive delays normalize to 0.
func FixedDelay(delay time.Duration) DelayFunc {
	if delay < 0 {
		delay = 0
	}

	return func(int) time.Duration {
		return delay
	}
}

// ExponentialDelay returns a DelayFunc that doubles the delay per attempt and
// clamps it at maxDelay. Full jitter is applied so concurrent retriers spread
// out instead of synchronizing.
func ExponentialDelay(base, maxDelay time.Duration) DelayFunc {
	if base <= 0 {
		return FixedDelay(0)
	}

	return func(attempt int) time.Duration {
		delay := Exponential(base, attempt)
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}

		return FullJitter(delay)
	}
}
