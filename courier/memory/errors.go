package memory

import "errors"

var (
	ErrBrokerRequired   = errors.New("memory broker is required")
	ErrUnknownLockToken = errors.New("unknown or superseded lock token")
)
