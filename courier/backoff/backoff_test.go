//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{
			name:     "attempt 0 returns base",
			base:     100 * time.Millisecond,
			attempt:  0,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "attempt 1 doubles base",
			base:     100 * time.Millisecond,
			attempt:  1,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "attempt 3 is 8x base",
			base:     100 * time.Millisecond,
			attempt:  3,
			expected: 800 * time.Millisecond,
		},
		{
			name:     "negative attempt treated as 0",
			base:     100 * time.Millisecond,
			attempt:  -5,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "zero base returns 0",
			base:     0,
			attempt:  5,
			expected: 0,
		},
		{
			name:     "negative base returns 0",
			base:     -100 * time.Millisecond,
			attempt:  5,
			expected: 0,
		},
		{
			name:     "huge attempt clamps instead of overflowing",
			base:     time.Second,
			attempt:  1000,
			expected: time.Duration(math.MaxInt64),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	t.Run("zero delay returns zero", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Duration(0), FullJitter(0))
		assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
	})

	t.Run("result stays within [0, delay)", func(t *testing.T) {
		t.Parallel()

		delay := 500 * time.Millisecond
		for range 100 {
			jittered := FullJitter(delay)
			assert.GreaterOrEqual(t, jittered, time.Duration(0))
			assert.Less(t, jittered, delay)
		}
	})
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond

	for attempt := range 5 {
		upper := Exponential(base, attempt)

		for range 20 {
			jittered := ExponentialWithJitter(base, attempt)
			assert.GreaterOrEqual(t, jittered, time.Duration(0))
			assert.Less(t, jittered, upper)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("zero duration returns immediately", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, SleepWithContext(context.Background(), 0))
	})

	t.Run("completes after duration", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		require.NoError(t, SleepWithContext(context.Background(), 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("cancelled context interrupts sleep", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Minute)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Parallel()

	fn := FixedDelay(250 * time.Millisecond)

	assert.Equal(t, 250*time.Millisecond, fn(0))
	assert.Equal(t, 250*time.Millisecond, fn(7))

	negative := FixedDelay(-time.Second)
	assert.Equal(t, time.Duration(0), negative(3))
}

func TestExponentialDelay(t *testing.T) {
	t.Parallel()

	t.Run("non-positive base degrades to zero delay", func(t *testing.T) {
		t.Parallel()

		fn := ExponentialDelay(0, time.Minute)
		assert.Equal(t, time.Duration(0), fn(4))
	})

	t.Run("clamped at max before jitter", func(t *testing.T) {
		t.Parallel()

		maxDelay := 300 * time.Millisecond
		fn := ExponentialDelay(100*time.Millisecond, maxDelay)

		for attempt := range 10 {
			assert.Less(t, fn(attempt), maxDelay)
		}
	})
}
