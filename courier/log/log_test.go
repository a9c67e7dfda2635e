//go:build unit

package log

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		expected    Level
		expectError bool
	}{
		{name: "parse error level", input: "error", expected: LevelError},
		{name: "parse warn level", input: "warn", expected: LevelWarn},
		{name: "parse warning alias", input: "warning", expected: LevelWarn},
		{name: "parse info level", input: "info", expected: LevelInfo},
		{name: "parse debug level", input: "debug", expected: LevelDebug},
		{name: "parse uppercase level", input: "INFO", expected: LevelInfo},
		{name: "parse mixed case level", input: "WaRn", expected: LevelWarn},
		{name: "parse invalid level", input: "invalid", expectError: true},
		{name: "parse empty string", input: "", expectError: true},
		{name: "parse fatal level - not supported", input: "fatal", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			level, err := ParseLevel(tt.input)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	now := time.Now()
	boom := errors.New("boom")

	tests := []struct {
		name     string
		field    Field
		expected Field
	}{
		{name: "string", field: String("topic", "orders"), expected: Field{Key: "topic", Value: "orders"}},
		{name: "int", field: Int("attempts", 3), expected: Field{Key: "attempts", Value: 3}},
		{name: "int64", field: Int64("created_id", 99), expected: Field{Key: "created_id", Value: int64(99)}},
		{name: "bool", field: Bool("dispatched", true), expected: Field{Key: "dispatched", Value: true}},
		{name: "duration", field: Duration("latency", time.Second), expected: Field{Key: "latency", Value: time.Second}},
		{name: "time", field: Time("created", now), expected: Field{Key: "created", Value: now}},
		{name: "any", field: Any("payload", []byte("x")), expected: Field{Key: "payload", Value: []byte("x")}},
		{name: "err", field: Err(boom), expected: Field{Key: "error", Value: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, tt.field)
		})
	}
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()
	require.NotNil(t, logger)

	// All operations must be safe no-ops.
	logger.Log(context.Background(), LevelError, "dropped", String("k", "v"))
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("k", "v")))
	assert.Same(t, logger, logger.WithGroup("group"))
	assert.NoError(t, logger.Sync(context.Background()))
}
