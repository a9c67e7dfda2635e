package pump

import "errors"

var (
	ErrGatewayRequired = errors.New("pump gateway is required")
	ErrHandlerRequired = errors.New("pump handler is required")
	ErrChannelRequired = errors.New("pump channel routing key is required")
	ErrPumpRequired    = errors.New("pump is required")
	ErrPumpRunning     = errors.New("pump is already running")
	ErrDrainTimeout    = errors.New("pump drain grace exceeded")
)

// ErrDefer is the explicit handler signal to put the message back. The
// delivery is nacked without counting as a fault worth logging, its attempt
// counter still increments, and it becomes re-receivable.
var ErrDefer = errors.New("defer processing")
