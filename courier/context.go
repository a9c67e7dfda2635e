package courier

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingContextValue.
var TrackingContextKey = trackingContextKey("courier_tracking")

// TrackingContextValue holds request-scoped facilities attached to context.
type TrackingContextValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger
}

// NewLoggerFromContext extracts the Logger from context, falling back to a
// no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue); ok &&
		tracking.Logger != nil {
		return tracking.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	values.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithTracer returns a context carrying the given trace.Tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	values.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithHeaderID returns a context carrying a correlation header id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	values.HeaderID = headerID

	return context.WithValue(ctx, TrackingContextKey, values)
}

// NewTrackingFromContext extracts logger, tracer, and header id from context
// with fail-safe fallbacks: valid components are preserved, missing ones get
// functional defaults.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if !ok || tracking == nil {
		return &log.NopLogger{}, otel.Tracer("courier.default"), uuid.New().String()
	}

	return resolveLogger(tracking.Logger), resolveTracer(tracking.Tracer), resolveHeaderID(tracking.HeaderID)
}

// resolveLogger applies the null object pattern so callers never nil-check.
func resolveLogger(logger log.Logger) log.Logger {
	if logger != nil {
		return logger
	}

	return &log.NopLogger{}
}

func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}

	return otel.Tracer("courier.default")
}

func resolveHeaderID(headerID string) string {
	if trimmed := strings.TrimSpace(headerID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}
