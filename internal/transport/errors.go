package transport

import "errors"

// Error taxonomy surfaced at the transport boundary. Parameter
// validation errors are raised before any state is touched; transient
// I/O failures on one endpoint never abort operations on others.
var (
	ErrInvalidParameters = errors.New("transport: invalid parameters")
	ErrOperationFailed   = errors.New("transport: operation failed")
	ErrTimeout           = errors.New("transport: timeout")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrCapacityExceeded  = errors.New("transport: capacity exceeded")
	ErrInvalidState      = errors.New("transport: invalid state")
	ErrBufferTooSmall    = errors.New("transport: buffer too small")
	ErrNotFound          = errors.New("transport: not found")
)
