package natsjs

import "errors"

var (
	ErrConnectionRequired = errors.New("nats connection is required")
	ErrGatewayRequired    = errors.New("nats gateway is required")
	ErrUnknownLockToken   = errors.New("unknown or superseded lock token")
)

// ErrConnectRateLimited is returned while the redial backoff window after a
// failed connection attempt is still open.
var ErrConnectRateLimited = errors.New("nats reconnect rate limited")
