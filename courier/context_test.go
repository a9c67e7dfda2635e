//go:build unit

package courier

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestContextWithLogger(t *testing.T) {
	t.Parallel()

	logger := &log.NopLogger{}
	ctx := ContextWithLogger(context.Background(), logger)

	got := NewLoggerFromContext(ctx)
	assert.Same(t, logger, got)
}

func TestNewLoggerFromContextFallsBackToNop(t *testing.T) {
	t.Parallel()

	got := NewLoggerFromContext(context.Background())
	require.NotNil(t, got)
	assert.IsType(t, &log.NopLogger{}, got)
}

func TestContextWithTracer(t *testing.T) {
	t.Parallel()

	tracer := otel.Tracer("courier.test")
	ctx := ContextWithTracer(context.Background(), tracer)

	_, gotTracer, _ := NewTrackingFromContext(ctx)
	assert.Equal(t, tracer, gotTracer)
}

func TestContextWithHeaderID(t *testing.T) {
	t.Parallel()

	ctx := ContextWithHeaderID(context.Background(), "req-42")

	_, _, headerID := NewTrackingFromContext(ctx)
	assert.Equal(t, "req-42", headerID)
}

func TestTrackingValuesAccumulate(t *testing.T) {
	t.Parallel()

	logger := &log.NopLogger{}
	tracer := otel.Tracer("courier.test")

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithHeaderID(ctx, "req-7")

	gotLogger, gotTracer, headerID := NewTrackingFromContext(ctx)
	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "req-7", headerID)
}

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	t.Run("empty context", func(t *testing.T) {
		t.Parallel()

		logger, tracer, headerID := NewTrackingFromContext(context.Background())

		require.NotNil(t, logger)
		assert.IsType(t, &log.NopLogger{}, logger)
		require.NotNil(t, tracer)

		_, err := uuid.Parse(headerID)
		assert.NoError(t, err)
	})

	t.Run("partial tracking value", func(t *testing.T) {
		t.Parallel()

		ctx := ContextWithHeaderID(context.Background(), "  ")

		logger, tracer, headerID := NewTrackingFromContext(ctx)

		assert.IsType(t, &log.NopLogger{}, logger)
		require.NotNil(t, tracer)

		_, err := uuid.Parse(headerID)
		assert.NoError(t, err, "blank header id should be replaced with a generated one")
	})
}
