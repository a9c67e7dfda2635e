package rabbitmq

import "errors"

var (
	ErrConnectionRequired = errors.New("rabbitmq connection is required")
	ErrGatewayRequired    = errors.New("rabbitmq gateway is required")
	ErrChannelRequired    = errors.New("rabbitmq channel is required")
	ErrUnknownLockToken   = errors.New("unknown or superseded lock token")
)

// ErrConnectRateLimited is returned while the redial backoff window after a
// failed connection attempt is still open.
var ErrConnectRateLimited = errors.New("rabbitmq reconnect rate limited")
