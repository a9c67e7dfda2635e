package inbox

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
)

// OnceOnlyAction decides what a consumer does when the inbox already holds
// the incoming command's identity.
type OnceOnlyAction string

const (
	// ActionThrow propagates courier.ErrDuplicateKey to the caller. The
	// handler does not run.
	ActionThrow OnceOnlyAction = "throw"

	// ActionWarn logs the duplicate and skips the handler without error.
	ActionWarn OnceOnlyAction = "warn"

	// ActionIgnore runs the handler anyway, leaving deduplication to the
	// handler's own idempotency.
	ActionIgnore OnceOnlyAction = "ignore"
)

// Scope selects which messages consult the inbox at all.
type Scope string

const (
	// ScopeCommands deduplicates only messages typed as commands.
	ScopeCommands Scope = "commands"

	// ScopeAll deduplicates every message regardless of type.
	ScopeAll Scope = "all"
)

// Guard wraps a Store with the consumer's once-only policy.
//
// The consuming side writes the record after the handler returns
// successfully and before the delivery is acked. A crash between handler
// and record means the redelivery runs the handler again, the same
// at-least-once contract the publishing side has. A crash between record
// and ack means the redelivery matches the record and short-circuits to ack
// without the handler.
type Guard struct {
	store  Store
	logger log.Logger
	action OnceOnlyAction
	scope  Scope
}

// GuardOption mutates guard configuration at construction.
type GuardOption func(*Guard)

// WithAction sets the duplicate-handling action. Unknown actions are
// ignored, keeping the default.
func WithAction(action OnceOnlyAction) GuardOption {
	return func(guard *Guard) {
		switch action {
		case ActionThrow, ActionWarn, ActionIgnore:
			guard.action = action
		}
	}
}

// WithScope sets which messages are deduplicated. Unknown scopes are
// ignored, keeping the default.
func WithScope(scope Scope) GuardOption {
	return func(guard *Guard) {
		switch scope {
		case ScopeCommands, ScopeAll:
			guard.scope = scope
		}
	}
}

// NewGuard builds a guard over the given store. The default policy warns
// and skips on duplicates and covers all message types.
func NewGuard(store Store, logger log.Logger, opts ...GuardOption) (*Guard, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = &log.NopLogger{}
	}

	guard := &Guard{
		store:  store,
		logger: logger,
		action: ActionWarn,
		scope:  ScopeAll,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	return guard, nil
}

// Covers reports whether the guard's scope applies to the message.
func (guard *Guard) Covers(message *courier.Message) bool {
	if guard == nil || message == nil {
		return false
	}

	if guard.scope == ScopeCommands {
		return message.MessageType == courier.MessageTypeCommand
	}

	return true
}

// Admit consults the store before a handler runs. The returned flag tells
// the caller whether to invoke the handler.
//
// A fresh identity admits with process=true. On a duplicate the configured
// action decides: ActionThrow fails with courier.ErrDuplicateKey,
// ActionWarn logs and returns process=false, ActionIgnore returns
// process=true.
func (guard *Guard) Admit(ctx context.Context, record *Record) (bool, error) {
	if guard == nil || guard.store == nil {
		return false, ErrGuardRequired
	}

	if err := record.Validate(); err != nil {
		return false, err
	}

	exists, err := guard.store.Exists(ctx, record.CommandID, record.ContextKey)
	if err != nil {
		return false, fmt.Errorf("inbox existence check %q: %w", record.CommandID, err)
	}

	if !exists {
		return true, nil
	}

	switch guard.action {
	case ActionIgnore:
		return true, nil
	case ActionThrow:
		return false, fmt.Errorf("command %q already processed in context %q: %w",
			record.CommandID, record.ContextKey, courier.ErrDuplicateKey)
	default:
		guard.logger.Log(ctx, log.LevelWarn, "duplicate command skipped",
			log.String("command_id", record.CommandID),
			log.String("context_key", record.ContextKey),
		)

		return false, nil
	}
}

// Commit writes the record after a successful handler run. A concurrent
// duplicate surfaces as courier.ErrDuplicateKey; it means another consumer
// finished first and callers treat it as benign.
func (guard *Guard) Commit(ctx context.Context, record *Record) error {
	if guard == nil || guard.store == nil {
		return ErrGuardRequired
	}

	if err := guard.store.Add(ctx, record); err != nil {
		return fmt.Errorf("inbox record %q: %w", record.CommandID, err)
	}

	return nil
}

// Action returns the configured once-only action.
func (guard *Guard) Action() OnceOnlyAction {
	if guard == nil {
		return ActionWarn
	}

	return guard.action
}

// Scope returns the configured scope.
func (guard *Guard) Scope() Scope {
	if guard == nil {
		return ScopeAll
	}

	return guard.scope
}
