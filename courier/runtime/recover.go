// Package runtime provides panic recovery and supervised goroutine helpers
// for courier background workers.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy determines what happens after a panic is logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging. Use for workers that
	// must survive a single bad message.
	KeepRunning PanicPolicy = iota

	// CrashProcess re-panics after logging. Use for invariant violations
	// where continuing would corrupt state.
	CrashProcess
)

// RecoverAndLogWithContext recovers from a panic, logs it with the stack
// trace and records a span event, then continues execution. Use in defer
// statements for handlers and background cycles.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, component, name, recovered, stack)
		recordPanicToSpan(ctx, component, name, recovered)
	}
}

// RecoverWithPolicyAndContext is like RecoverAndLogWithContext but re-panics
// when the policy is CrashProcess.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, component, name, recovered, stack)
		recordPanicToSpan(ctx, component, name, recovered)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// SafeGo launches fn on a new goroutine supervised by panic recovery.
// The name identifies the goroutine in panic logs.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "runtime", name, policy)

		fn()
	}()
}

// SafeGoCtx is SafeGo with a caller-provided context for span correlation.
func SafeGoCtx(ctx context.Context, logger log.Logger, name string, policy PanicPolicy, fn func(context.Context)) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, "runtime", name, policy)

		fn(ctx)
	}()
}

// logPanicWithStack logs the panic with a pre-captured stack trace.
func logPanicWithStack(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("source", name),
		log.String("panic", fmt.Sprint(panicValue)),
		log.String("stack_trace", string(stack)),
	)
}

// recordPanicToSpan attaches a panic event to the active span, if any.
func recordPanicToSpan(ctx context.Context, component, name string, panicValue any) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("component", component),
		attribute.String("source", name),
		attribute.String("panic.value", fmt.Sprint(panicValue)),
	))
}
