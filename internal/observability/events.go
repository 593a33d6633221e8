package observability

import "time"

// EventKind classifies what the relay core reports.
type EventKind string

const (
	EventSessionState   EventKind = "session_state"
	EventCircuit        EventKind = "circuit"
	EventEchoMissed     EventKind = "echo_missed"
	EventRouted         EventKind = "routed"
	EventRouteFailed    EventKind = "route_failed"
	EventCompleted      EventKind = "completed"
	EventTimeout        EventKind = "timeout"
	EventUnmatched      EventKind = "unmatched"
	EventDecodeFailure  EventKind = "decode_failure"
	EventFrameFailure   EventKind = "frame_failure"
	EventReversal       EventKind = "reversal"
	EventIngressOpen    EventKind = "ingress_open"
	EventIngressClose   EventKind = "ingress_close"
	EventIngressReject  EventKind = "ingress_reject"
	EventRoutesReloaded EventKind = "routes_reloaded"
	EventDuplicate      EventKind = "duplicate"
)

// Event is one structured observation. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind     EventKind
	Endpoint string
	Conn     string
	Route    string
	MTI      string
	Trace    string
	// From and To carry state transitions; To alone carries an outcome such
	// as a response code or reversal step.
	From    string
	To      string
	Latency time.Duration
	Err     error
}

// Sink consumes events. Implementations must not block the caller.
type Sink interface {
	Emit(Event)
}

type NopSink struct{}

func (NopSink) Emit(Event) {}

// Fanout emits every event to each sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		s.Emit(e)
	}
}
