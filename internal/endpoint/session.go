package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/iso-relayer/internal/circuit"
	"github.com/danmuck/iso-relayer/internal/correlation"
	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/protocol/frame"
	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/protocol/session"
	"github.com/rs/zerolog"
)

const (
	maxTrace   = 999999
	writeQueue = 64
	drainPoll  = 10 * time.Millisecond

	networkCodeEcho = "301"
)

// InboundHandler answers requests an endpoint originates on its own, other
// than network management, which the session answers itself.
type InboundHandler interface {
	HandleInbound(ctx context.Context, endpointID string, msg *iso8583.Message) (*iso8583.Message, error)
}

// Backlog reports work queued for an endpoint outside the correlation
// engine, such as reversals not yet acknowledged. A draining session stays
// open until it reaches zero.
type Backlog interface {
	Backlog(endpointID string) int
}

// Deps are the shared collaborators every session uses.
type Deps struct {
	Frame   frame.Config
	Codec   *iso8583.Codec
	Engine  *correlation.Engine
	Circuit *circuit.Controller
	Inbound InboundHandler
	Backlog Backlog
	Sink    observability.Sink
	Logger  zerolog.Logger
}

// Session is the single owner of one endpoint's connection. Its run loop is
// the only writer of state.
type Session struct {
	ep      Endpoint
	cfg     session.Config
	frame   frame.Config
	codec   *iso8583.Codec
	engine  *correlation.Engine
	circuit *circuit.Controller
	inbound InboundHandler
	backlog Backlog
	sink    observability.Sink
	log     zerolog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64
	seq          atomic.Uint32

	mu   sync.Mutex
	live *liveConn

	started     atomic.Bool
	drainCh     chan struct{}
	drainOnce   sync.Once
	force       chan struct{}
	forceOnce   sync.Once
	stopped     chan struct{}
	stoppedOnce sync.Once
}

func newSession(ep Endpoint, deps Deps) *Session {
	sink := deps.Sink
	if sink == nil {
		sink = observability.NopSink{}
	}
	s := &Session{
		ep:      ep,
		cfg:     ep.Session.WithDefaults(),
		frame:   deps.Frame,
		codec:   deps.Codec,
		engine:  deps.Engine,
		circuit: deps.Circuit,
		inbound: deps.Inbound,
		backlog: deps.Backlog,
		sink:    sink,
		log:     deps.Logger.With().Str("component", "endpoint").Str("endpoint", ep.ID).Logger(),
		drainCh: make(chan struct{}),
		force:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

func (s *Session) ID() string {
	return s.ep.ID
}

func (s *Session) Endpoint() Endpoint {
	return s.ep
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity is the time the last inbound frame arrived.
func (s *Session) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// NextTrace returns the next six digit trace number, wrapping 999999 -> 1.
func (s *Session) NextTrace() string {
	for {
		cur := s.seq.Load()
		next := cur%maxTrace + 1
		if s.seq.CompareAndSwap(cur, next) {
			return fmt.Sprintf("%06d", next)
		}
	}
}

// Exchange registers req with the correlation engine and writes the
// dispatched copy, which carries a fresh trace number, to the endpoint.
func (s *Session) Exchange(ctx context.Context, origin string, req *iso8583.Message) (*correlation.Pending, error) {
	if err := s.acceptingSends(); err != nil {
		return nil, err
	}
	return s.exchange(ctx, origin, req)
}

// ExchangeReversal is Exchange for reversals. It is also accepted while the
// session drains, since the drain waits for queued reversals to go out.
func (s *Session) ExchangeReversal(ctx context.Context, origin string, req *iso8583.Message) (*correlation.Pending, error) {
	if st := s.State(); st != StateConnected && st != StateDraining {
		return nil, fmt.Errorf("%w: %s is %s", ErrEndpointUnavailable, s.ep.ID, st)
	}
	return s.exchange(ctx, origin, req)
}

func (s *Session) exchange(ctx context.Context, origin string, req *iso8583.Message) (*correlation.Pending, error) {
	lc := s.current()
	if lc == nil {
		return nil, fmt.Errorf("%w: %s not connected", ErrEndpointUnavailable, s.ep.ID)
	}
	p, err := s.engine.Register(correlation.Registration{
		Endpoint:    s.ep.ID,
		Origin:      origin,
		Request:     req,
		Timeout:     s.cfg.ResponseTimeout,
		MaxInFlight: s.cfg.MaxInFlight,
		Traces:      s,
	})
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, lc, p.Request); err != nil {
		s.engine.Cancel(p.Key, err)
		return nil, err
	}
	return p, nil
}

func (s *Session) write(ctx context.Context, lc *liveConn, msg *iso8583.Message) error {
	body, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	buf, err := frame.Encode(body, s.frame)
	if err != nil {
		return err
	}
	if err := lc.send(ctx, buf); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEndpointUnavailable, s.ep.ID, err)
	}
	return nil
}

func (s *Session) acceptingSends() error {
	switch s.State() {
	case StateConnected:
		return nil
	case StateDraining:
		return fmt.Errorf("%w: %w: %s", ErrEndpointUnavailable, ErrDraining, s.ep.ID)
	default:
		return fmt.Errorf("%w: %s is %s", ErrEndpointUnavailable, s.ep.ID, s.State())
	}
}

func (s *Session) current() *liveConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Session) attach(lc *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = lc
}

func (s *Session) detach(lc *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == lc {
		s.live = nil
	}
}

func (s *Session) setState(to State, cause error) {
	from := s.State()
	if from == to {
		return
	}
	if !validTransition(from, to) {
		s.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("invalid session transition ignored")
		return
	}
	s.state.Store(int32(to))
	ev := s.log.Info()
	if cause != nil {
		ev = s.log.Warn().Err(cause)
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("session state")
	s.sink.Emit(observability.Event{
		Kind:     observability.EventSessionState,
		Endpoint: s.ep.ID,
		From:     from.String(),
		To:       to.String(),
		Err:      cause,
	})
}

func (s *Session) start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// run is the session supervisor: connect, serve until the socket is lost,
// back off, repeat. It returns after a drain or when ctx ends.
func (s *Session) run(ctx context.Context) {
	defer s.markStopped()
	defer func() {
		if s.State() != StateDisconnected {
			s.setState(StateDisconnected, nil)
		}
	}()

	for {
		if s.stopRequested(ctx) {
			return
		}
		s.setState(StateConnecting, nil)
		lc, err := s.connect(ctx)
		if err != nil {
			s.setState(StateDisconnected, err)
			if !s.wait(ctx, s.circuit.RecordFailure(s.ep.ID)) {
				return
			}
			continue
		}
		s.circuit.RecordSuccess(s.ep.ID)
		s.attach(lc)
		s.setState(StateConnected, nil)

		err = s.serve(ctx, lc)
		s.detach(lc)
		if s.stopRequested(ctx) {
			return
		}
		s.setState(StateDisconnected, err)
		if !s.wait(ctx, s.circuit.RecordFailure(s.ep.ID)) {
			return
		}
	}
}

func (s *Session) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.drainCh:
		return true
	default:
		return false
	}
}

// wait sleeps for the reconnect backoff. It reports false when the session
// should stop instead.
func (s *Session) wait(ctx context.Context, delay time.Duration) bool {
	s.log.Debug().Dur("delay", delay).Int("failures", s.circuit.Failures(s.ep.ID)).Msg("reconnect backoff")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.drainCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) connect(ctx context.Context) (*liveConn, error) {
	if err := s.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", s.ep.Address)
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return newLiveConn(rawConn, writeQueue), nil
	}

	tlsCfg, err := s.cfg.ClientTLSConfig(s.ep.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return newLiveConn(conn, writeQueue), nil
}

// serve runs one connected socket: reader and writer goroutines plus the
// echo timer. It returns when the socket fails, a drain completes or ctx
// ends.
func (s *Session) serve(ctx context.Context, lc *liveConn) error {
	s.touch()
	go s.readLoop(lc)
	go s.writeLoop(lc)

	echoTimer := time.NewTimer(s.cfg.EchoInterval)
	defer echoTimer.Stop()
	var echoResult <-chan correlation.Result
	missed := 0

	for {
		select {
		case <-ctx.Done():
			lc.close(ctx.Err())
			return ctx.Err()
		case <-lc.done():
			return lc.err()
		case <-s.drainCh:
			return s.drain(lc)
		case <-echoTimer.C:
			idle := time.Since(s.LastActivity())
			if echoResult != nil || idle < s.cfg.EchoInterval {
				echoTimer.Reset(s.cfg.EchoInterval - min(idle, s.cfg.EchoInterval) + time.Millisecond)
				continue
			}
			p, err := s.sendEcho(lc)
			if err != nil {
				lc.close(err)
				return err
			}
			echoResult = p.Done()
			echoTimer.Reset(s.cfg.EchoInterval)
		case res := <-echoResult:
			echoResult = nil
			if res.Err == nil {
				missed = 0
				continue
			}
			missed++
			s.sink.Emit(observability.Event{Kind: observability.EventEchoMissed, Endpoint: s.ep.ID, To: fmt.Sprintf("%d", missed), Err: res.Err})
			if missed >= s.cfg.MissedEchoLimit {
				err := fmt.Errorf("%w: %d consecutive", ErrEchoMissed, missed)
				lc.close(err)
				return err
			}
		}
	}
}

// sendEcho registers and writes a network echo. Echoes take no in-flight
// slot, so a saturated endpoint is still checked and a pending echo never
// crowds out a request.
func (s *Session) sendEcho(lc *liveConn) (*correlation.Pending, error) {
	now := time.Now().UTC()
	echo := iso8583.NewMessage("0800").
		Set(iso8583.FieldTransmissionDateTime, now.Format("0102150405")).
		Set(iso8583.FieldSTAN, "000000").
		Set(iso8583.FieldNetworkCode, networkCodeEcho)
	timeout := min(s.cfg.EchoInterval, s.cfg.ResponseTimeout)
	p, err := s.engine.Register(correlation.Registration{
		Endpoint:  s.ep.ID,
		Origin:    "echo",
		Request:   echo,
		Timeout:   timeout,
		Traces:    s,
		Keepalive: true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.write(context.Background(), lc, p.Request); err != nil {
		s.engine.Cancel(p.Key, err)
		return nil, err
	}
	s.log.Debug().Str("trace", p.Key.Trace).Msg("echo sent")
	return p, nil
}

// drain stops new sends, waits for this endpoint's pending transactions and
// its backlog, then closes the socket. A forced close or a lost socket ends
// the wait early.
func (s *Session) drain(lc *liveConn) error {
	s.setState(StateDraining, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.force:
		case <-lc.done():
		case <-ctx.Done():
		}
		cancel()
	}()
	err := s.awaitIdle(ctx)
	lc.close(ErrSessionClosed)
	if err != nil {
		s.log.Warn().
			Int("pending", s.engine.PendingCount(s.ep.ID)).
			Int("backlog", s.backlogLen()).
			Msg("drain cut short")
		return err
	}
	s.log.Info().Msg("drained")
	return nil
}

// awaitIdle returns once nothing is in flight and the backlog is empty at
// the same time.
func (s *Session) awaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		if err := s.engine.WaitDrained(ctx, s.ep.ID); err != nil {
			return err
		}
		if s.backlogLen() == 0 && s.engine.PendingCount(s.ep.ID) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) backlogLen() int {
	if s.backlog == nil {
		return 0
	}
	return s.backlog.Backlog(s.ep.ID)
}

func (s *Session) readLoop(lc *liveConn) {
	r, err := frame.NewReader(lc.conn, s.frame)
	if err != nil {
		lc.close(err)
		return
	}
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = lc.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		body, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, frame.ErrFrameTooLarge) || errors.Is(err, frame.ErrFrameMalformed) {
				s.sink.Emit(observability.Event{Kind: observability.EventFrameFailure, Endpoint: s.ep.ID, Err: err})
			}
			lc.close(err)
			return
		}
		s.touch()
		msg, err := s.codec.Decode(body)
		if err != nil {
			s.sink.Emit(observability.Event{Kind: observability.EventDecodeFailure, Endpoint: s.ep.ID, Err: err})
			continue
		}
		s.handleInbound(lc, msg)
	}
}

func (s *Session) writeLoop(lc *liveConn) {
	for {
		select {
		case buf := <-lc.out:
			_ = lc.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := lc.conn.Write(buf); err != nil {
				lc.close(err)
				return
			}
		case <-lc.done():
			return
		}
	}
}

func (s *Session) handleInbound(lc *liveConn, msg *iso8583.Message) {
	switch {
	case msg.MTI.IsResponse():
		if !s.engine.Resolve(s.ep.ID, msg.STAN(), msg) {
			ev := observability.Event{
				Kind:     observability.EventUnmatched,
				Endpoint: s.ep.ID,
				MTI:      msg.MTI.String(),
				Trace:    msg.STAN(),
			}
			if s.engine.RecentlyResolved(s.ep.ID, msg.STAN()) {
				ev.Kind, ev.To = observability.EventDuplicate, "response"
			}
			s.sink.Emit(ev)
		}
	case msg.MTI.Class() == iso8583.ClassNetworkManagement:
		s.answerLocally(lc, msg, "00")
	case s.inbound != nil:
		go s.forwardInbound(lc, msg)
	default:
		s.answerLocally(lc, msg, "12")
	}
}

// answerLocally replies to an endpoint-originated request without routing.
func (s *Session) answerLocally(lc *liveConn, msg *iso8583.Message, code string) {
	if !msg.MTI.IsRequest() {
		return
	}
	resp, err := msg.Response(code)
	if err != nil {
		s.log.Warn().Err(err).Str("mti", msg.MTI.String()).Msg("no response type for inbound request")
		return
	}
	if err := s.write(lc.ctx, lc, resp); err != nil {
		s.log.Warn().Err(err).Str("mti", resp.MTI.String()).Msg("local reply not written")
	}
}

func (s *Session) forwardInbound(lc *liveConn, msg *iso8583.Message) {
	resp, err := s.inbound.HandleInbound(lc.ctx, s.ep.ID, msg)
	if err != nil {
		s.log.Warn().Err(err).Str("mti", msg.MTI.String()).Str("trace", msg.STAN()).Msg("inbound request failed")
	}
	if resp == nil {
		return
	}
	if err := s.write(lc.ctx, lc, resp); err != nil {
		s.log.Warn().Err(err).Str("mti", resp.MTI.String()).Msg("inbound reply not written")
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Drain asks the session to stop after its pending transactions finish. When
// ctx ends first the socket is closed regardless.
func (s *Session) Drain(ctx context.Context) error {
	s.drainOnce.Do(func() { close(s.drainCh) })
	if !s.started.Load() {
		s.markStopped()
	}
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		s.Close()
		<-s.stopped
		return fmt.Errorf("endpoint %s: drain: %w", s.ep.ID, ctx.Err())
	}
}

// Close force-closes the session without waiting for pending transactions.
func (s *Session) Close() {
	s.drainOnce.Do(func() { close(s.drainCh) })
	s.forceOnce.Do(func() { close(s.force) })
	if lc := s.current(); lc != nil {
		lc.close(ErrSessionClosed)
	}
	if !s.started.Load() {
		s.markStopped()
	}
}

// Done is closed once the run loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

func (s *Session) markStopped() {
	s.stoppedOnce.Do(func() { close(s.stopped) })
}

func (s *Session) Status() observability.EndpointStatus {
	cb := s.circuit.Snapshot(s.ep.ID)
	return observability.EndpointStatus{
		ID:              s.ep.ID,
		Address:         s.ep.Address,
		State:           s.State().String(),
		Circuit:         cb.State.String(),
		Failures:        cb.Failures,
		LastFailure:     cb.LastFailure,
		CircuitOpenedAt: cb.OpenedAt,
		Pending:         s.engine.PendingCount(s.ep.ID),
		LastActivity:    s.LastActivity(),
	}
}
