//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger records error log calls for assertions.
type testLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *testLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
}

func (l *testLogger) With(_ ...log.Field) log.Logger      { return l }
func (l *testLogger) WithGroup(_ string) log.Logger       { return l }
func (l *testLogger) Enabled(_ log.Level) bool            { return true }
func (l *testLogger) Sync(_ context.Context) error        { return nil }

func (l *testLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

func TestRecoverAndLogWithContext(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}

	require.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "outbox", "dispatcher_tick")

		panic("bad message")
	})

	assert.Equal(t, 1, logger.count())
}

func TestRecoverAndLogWithContextNilLogger(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), nil, "outbox", "dispatcher_tick")

		panic("bad message")
	})
}

func TestRecoverWithPolicyCrashProcessRepanics(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}

	assert.Panics(t, func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "outbox", "critical", CrashProcess)

		panic("invariant violated")
	})

	assert.Equal(t, 1, logger.count())
}

func TestRecoverWithPolicyKeepRunningSwallows(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}

	assert.NotPanics(t, func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "outbox", "worker", KeepRunning)

		panic("transient")
	})
}

func TestSafeGoRecoversPanickingFunc(t *testing.T) {
	t.Parallel()

	logger := &testLogger{}
	done := make(chan struct{})

	SafeGo(logger, "panicking_worker", KeepRunning, func() {
		defer close(done)

		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}

	// The deferred recovery runs after close(done); poll briefly.
	require.Eventually(t, func() bool {
		return logger.count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGoCtxPassesContext(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}

	logger := &testLogger{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	got := make(chan any, 1)

	SafeGoCtx(ctx, logger, "ctx_worker", KeepRunning, func(inner context.Context) {
		got <- inner.Value(ctxKey{})
	})

	select {
	case v := <-got:
		assert.Equal(t, "v", v)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
