package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/iso-relayer/internal/correlation"
	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/protocol/schema"
	"github.com/danmuck/iso-relayer/internal/routing"
)

// Response codes the relay puts in field 39 of replies it synthesizes.
const (
	CodeApproved       = "00"
	CodeInvalidTxn     = "12"
	CodeFormatError    = "30"
	CodeLateResponse   = "68"
	CodeIssuerDown     = "91"
	CodeRoutingFailure = "92"
)

// decline builds the relay's own reply to req, or nil when req is not a
// request and so has no reply type.
func decline(req *iso8583.Message, code string) *iso8583.Message {
	if !req.MTI.IsRequest() {
		return nil
	}
	resp, err := req.Response(code)
	if err != nil {
		return nil
	}
	return resp
}

// forward routes req, dispatches it, waits for the endpoint's answer or the
// deadline, and returns the reply for the originator. Every outcome yields
// a reply; the originator's trace number is restored on all of them.
func (s *Service) forward(origin string, req *iso8583.Message) *iso8583.Message {
	decision, req, err := s.route(req)
	if err != nil {
		code, result := CodeIssuerDown, "unavailable"
		if errors.Is(err, routing.ErrNoRouteFound) {
			code, result = CodeRoutingFailure, "no_route"
		}
		s.sink.Emit(observability.Event{
			Kind:     observability.EventRouteFailed,
			Conn:     origin,
			Route:    decision.Route,
			Endpoint: decision.Endpoint,
			MTI:      req.MTI.String(),
			Trace:    req.STAN(),
			To:       result,
			Err:      err,
		})
		return decline(req, code)
	}
	routed := observability.Event{
		Kind:     observability.EventRouted,
		Conn:     origin,
		Route:    decision.Route,
		Endpoint: decision.Endpoint,
		MTI:      req.MTI.String(),
		Trace:    req.STAN(),
	}
	if decision.Failover {
		routed.To = "failover"
	}
	s.sink.Emit(routed)

	sess, err := s.manager.Session(decision.Endpoint)
	if err != nil {
		return decline(req, CodeRoutingFailure)
	}
	p, err := sess.Exchange(context.Background(), origin, req)
	if err != nil {
		code := exchangeFailureCode(err)
		s.sink.Emit(observability.Event{
			Kind:     observability.EventRouteFailed,
			Conn:     origin,
			Route:    decision.Route,
			Endpoint: decision.Endpoint,
			MTI:      req.MTI.String(),
			Trace:    req.STAN(),
			To:       "dispatch_" + code,
			Err:      err,
		})
		return decline(req, code)
	}
	if req.MTI.RequiresReversal() {
		s.dispatched.record(req, decision.Endpoint, p.Key.Trace)
	}

	res := <-p.Done()
	if res.Err != nil {
		code := CodeIssuerDown
		if errors.Is(res.Err, correlation.ErrTransactionTimeout) {
			code = CodeLateResponse
			s.sink.Emit(observability.Event{
				Kind:     observability.EventTimeout,
				Conn:     origin,
				Endpoint: decision.Endpoint,
				MTI:      req.MTI.String(),
				Trace:    p.Key.Trace,
				Latency:  res.Latency,
				Err:      res.Err,
			})
		}
		return decline(req, code)
	}

	resp := res.Response.Clone()
	if p.OriginTrace != "" {
		resp.Set(iso8583.FieldSTAN, p.OriginTrace)
	}
	code, _ := resp.Get(iso8583.FieldResponseCode)
	s.sink.Emit(observability.Event{
		Kind:     observability.EventCompleted,
		Conn:     origin,
		Endpoint: decision.Endpoint,
		MTI:      resp.MTI.String(),
		Trace:    p.Key.Trace,
		To:       code,
		Latency:  res.Latency,
	})
	return resp
}

// route picks the endpoint for req. A reversal of a request this relay
// forwarded goes to the endpoint that saw the original, with field 90
// rewritten to the trace that endpoint was given.
func (s *Service) route(req *iso8583.Message) (routing.Decision, *iso8583.Message, error) {
	if req.MTI.Class() == iso8583.ClassReversal {
		if rev, target, ok := s.dispatched.rewrite(req); ok {
			return routing.Decision{Route: "reversal", Endpoint: target}, rev, nil
		}
	}
	decision, err := s.router.Route(req)
	return decision, req, err
}

// exchangeFailureCode maps a dispatch failure to a reply code. Anything but
// an unencodable request means the endpoint cannot take it now.
func exchangeFailureCode(err error) string {
	var encErr *iso8583.EncodingError
	if errors.As(err, &encErr) {
		return CodeFormatError
	}
	return CodeIssuerDown
}

// HandleInbound routes a request an endpoint originated to whichever
// endpoint the table selects, and returns that endpoint's answer.
func (s *Service) HandleInbound(_ context.Context, endpointID string, msg *iso8583.Message) (*iso8583.Message, error) {
	if err := schema.Validate(msg); err != nil {
		return decline(msg, CodeFormatError), err
	}
	decision, err := s.router.Route(msg)
	if err == nil && decision.Endpoint == endpointID {
		return decline(msg, CodeRoutingFailure), fmt.Errorf("%w: request from %s routes back to it", routing.ErrNoRouteFound, endpointID)
	}
	return s.forward("endpoint:"+endpointID, msg), nil
}
