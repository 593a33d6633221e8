package endpoint

import "errors"

// State is the lifecycle state of one endpoint session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "disconnected"
	}
}

var (
	ErrEndpointUnavailable = errors.New("endpoint: unavailable")
	ErrDraining            = errors.New("endpoint: draining")
	ErrSessionClosed       = errors.New("endpoint: session closed")
	ErrEchoMissed          = errors.New("endpoint: echo responses missed")
	ErrUnknownEndpoint     = errors.New("endpoint: unknown endpoint")
	ErrInvalidEndpoint     = errors.New("endpoint: invalid endpoint")
)

// transitions lists the edges of the session state machine.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDraining, StateDisconnected},
	StateDraining:     {StateDisconnected},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
