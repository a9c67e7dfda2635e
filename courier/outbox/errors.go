package outbox

import "errors"

var (
	ErrStoreRequired      = errors.New("outbox store is required")
	ErrPublisherRequired  = errors.New("outbox publisher is required")
	ErrResolverRequired   = errors.New("channel resolver is required")
	ErrDispatcherRequired = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning  = errors.New("outbox dispatcher is already running")
	ErrDuplicateMessageID = errors.New("message id already deposited")
	ErrMessageNotFound    = errors.New("outbox message not found")
	ErrUnknownDriver      = errors.New("unknown outbox driver")
)
