package observability

import (
	"github.com/rs/zerolog"
)

// Recorder is the production Sink: every event becomes one structured log
// line and the matching Prometheus series.
type Recorder struct {
	log zerolog.Logger
}

func NewRecorder(log zerolog.Logger) *Recorder {
	RegisterMetrics()
	return &Recorder{log: log.With().Str("component", "relay-events").Logger()}
}

func (r *Recorder) Emit(e Event) {
	r.record(e)
	r.logEvent(e)
}

func (r *Recorder) record(e Event) {
	switch e.Kind {
	case EventSessionState:
		SetSessionState(e.Endpoint, e.To)
	case EventCircuit:
		SetCircuitOpen(e.Endpoint, e.To == "open")
	case EventRouted:
		result := "target"
		if e.To == "failover" {
			result = "failover"
		}
		RecordRoute(e.Route, e.Endpoint, result)
	case EventRouteFailed:
		RecordRoute(e.Route, e.Endpoint, e.To)
	case EventCompleted:
		RecordTransaction(e.Endpoint, "response", e.Latency)
	case EventTimeout:
		RecordTransaction(e.Endpoint, "timeout", e.Latency)
	case EventUnmatched:
		RecordProtocolError(e.Endpoint, "unmatched_response")
	case EventDecodeFailure:
		RecordProtocolError(source(e), "decode")
	case EventFrameFailure:
		RecordProtocolError(source(e), "frame")
	case EventReversal:
		RecordReversal(e.Endpoint, e.To)
	case EventIngressOpen:
		AddIngressConnections(1)
	case EventIngressClose:
		AddIngressConnections(-1)
	case EventIngressReject:
		RecordProtocolError("ingress", "connection_limit")
	case EventDuplicate:
		RecordProtocolError(source(e), "duplicate_"+e.To)
	}
}

func source(e Event) string {
	if e.Endpoint != "" {
		return e.Endpoint
	}
	return "ingress"
}

func (r *Recorder) logEvent(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case EventTimeout, EventUnmatched, EventDecodeFailure, EventEchoMissed, EventIngressReject, EventRouteFailed, EventDuplicate:
		ev = r.log.Warn()
	case EventFrameFailure:
		ev = r.log.Error()
	case EventRouted, EventCompleted:
		ev = r.log.Debug()
	default:
		ev = r.log.Info()
	}
	if e.Endpoint != "" {
		ev = ev.Str("endpoint", e.Endpoint)
	}
	if e.Conn != "" {
		ev = ev.Str("conn", e.Conn)
	}
	if e.Route != "" {
		ev = ev.Str("route", e.Route)
	}
	if e.MTI != "" {
		ev = ev.Str("mti", e.MTI)
	}
	if e.Trace != "" {
		ev = ev.Str("trace", e.Trace)
	}
	if e.From != "" {
		ev = ev.Str("from", e.From)
	}
	if e.To != "" {
		ev = ev.Str("to", e.To)
	}
	if e.Latency > 0 {
		ev = ev.Dur("latency", e.Latency)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg(string(e.Kind))
}
