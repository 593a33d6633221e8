package correlation

import "errors"

var (
	ErrTransactionTimeout = errors.New("correlation: transaction timeout")
	ErrInFlightLimit      = errors.New("correlation: in-flight limit reached")
	ErrTraceExhausted     = errors.New("correlation: no free trace number")
	ErrEngineClosed       = errors.New("correlation: engine closed")
	ErrInvalidRequest     = errors.New("correlation: invalid registration")
)
