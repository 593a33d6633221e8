package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/protocol/frame"
	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/protocol/schema"
	"github.com/danmuck/iso-relayer/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const ingressQueue = 128

// ingressConn is one acquirer connection. Replies are written by a single
// writer goroutine in completion order.
type ingressConn struct {
	id     string
	conn   net.Conn
	remote string
	peer   string
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	log    zerolog.Logger
}

func (ic *ingressConn) close() {
	ic.once.Do(func() {
		ic.cancel()
		_ = ic.conn.Close()
	})
}

func (ic *ingressConn) send(buf []byte) bool {
	select {
	case ic.out <- buf:
		return true
	case <-ic.ctx.Done():
		return false
	}
}

func (s *Service) trackConn(conn net.Conn) *ingressConn {
	ctx, cancel := context.WithCancel(context.Background())
	ic := &ingressConn{
		id:     uuid.NewString(),
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		out:    make(chan []byte, ingressQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	ic.log = s.log.With().Str("conn", ic.id).Str("remote", ic.remote).Logger()
	s.connsMu.Lock()
	s.conns[ic.id] = ic
	s.connsMu.Unlock()
	s.active.Add(1)
	return ic
}

func (s *Service) untrackConn(ic *ingressConn) {
	s.connsMu.Lock()
	_, ok := s.conns[ic.id]
	delete(s.conns, ic.id)
	s.connsMu.Unlock()
	if ok {
		s.active.Add(-1)
	}
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, ic := range s.conns {
		ic.close()
	}
}

func (s *Service) handleConn(ic *ingressConn) {
	defer s.untrackConn(ic)
	defer ic.close()

	if err := s.authenticate(ic); err != nil {
		ic.log.Warn().Err(err).Msg("ingress handshake failed")
		return
	}
	s.sink.Emit(observability.Event{Kind: observability.EventIngressOpen, Conn: ic.id, From: ic.remote, To: ic.peer})
	defer s.sink.Emit(observability.Event{Kind: observability.EventIngressClose, Conn: ic.id, From: ic.remote})

	go s.writeLoop(ic)
	err := s.readLoop(ic)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		ic.log.Debug().Err(err).Msg("ingress connection ended")
	}
}

// authenticate completes the TLS handshake within the handshake timeout and
// records the client identity when one was presented.
func (s *Service) authenticate(ic *ingressConn) error {
	tlsConn, ok := ic.conn.(*tls.Conn)
	if !ok {
		if session.NormalizeSecurityMode(s.cfg.Ingress.SecurityMode) == session.SecurityModeProduction {
			return session.ErrTLSRequired
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(ic.ctx, s.cfg.Ingress.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
		ic.peer = session.PeerIdentity(certs[0])
		ic.log = ic.log.With().Str("peer", ic.peer).Logger()
	}
	return nil
}

func (s *Service) writeLoop(ic *ingressConn) {
	for {
		select {
		case buf := <-ic.out:
			_ = ic.conn.SetWriteDeadline(time.Now().Add(s.cfg.Ingress.WriteTimeout))
			if _, err := ic.conn.Write(buf); err != nil {
				ic.log.Warn().Err(err).Msg("ingress write failed")
				ic.close()
				return
			}
		case <-ic.ctx.Done():
			return
		}
	}
}

// readLoop processes frames in arrival order. Malformed messages are
// answered and skipped; framing errors end the connection.
func (s *Service) readLoop(ic *ingressConn) error {
	r, err := frame.NewReader(ic.conn, s.cfg.Frame)
	if err != nil {
		return err
	}
	for {
		if s.cfg.Ingress.ReadTimeout > 0 {
			_ = ic.conn.SetReadDeadline(time.Now().Add(s.cfg.Ingress.ReadTimeout))
		}
		body, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, frame.ErrFrameTooLarge) || errors.Is(err, frame.ErrFrameMalformed) {
				s.sink.Emit(observability.Event{Kind: observability.EventFrameFailure, Conn: ic.id, Err: err})
			}
			return err
		}
		msg, err := s.codec.Decode(body)
		if err != nil {
			s.sink.Emit(observability.Event{Kind: observability.EventDecodeFailure, Conn: ic.id, Err: err})
			if partial := s.codec.Salvage(body); partial != nil {
				s.reply(ic, decline(partial, CodeFormatError))
			}
			continue
		}
		s.dispatch(ic, msg)
	}
}

// dispatch handles one decoded ingress message. Forwarded requests complete
// on their own goroutine so a slow issuer never stalls this connection.
func (s *Service) dispatch(ic *ingressConn, msg *iso8583.Message) {
	switch {
	case msg.MTI.IsResponse():
		s.sink.Emit(observability.Event{Kind: observability.EventUnmatched, Conn: ic.id, MTI: msg.MTI.String(), Trace: msg.STAN()})
		return
	case msg.MTI.Class() == iso8583.ClassNetworkManagement:
		s.reply(ic, decline(msg, CodeApproved))
		return
	}
	if err := schema.Validate(msg); err != nil {
		ic.log.Warn().Err(err).Str("mti", msg.MTI.String()).Msg("request rejected")
		s.reply(ic, decline(msg, CodeFormatError))
		return
	}
	key, tracked := s.ledger.key(msg)
	if tracked {
		switch outcome, prior := s.ledger.begin(key, time.Now()); outcome {
		case ledgerInFlight:
			s.sink.Emit(observability.Event{Kind: observability.EventDuplicate, Conn: ic.id, MTI: msg.MTI.String(), Trace: msg.STAN(), To: "in_flight"})
			s.reply(ic, decline(msg, CodeDuplicate))
			return
		case ledgerReplay:
			s.sink.Emit(observability.Event{Kind: observability.EventDuplicate, Conn: ic.id, MTI: msg.MTI.String(), Trace: msg.STAN(), To: "replayed"})
			s.reply(ic, prior)
			return
		}
	}
	s.replying.Add(1)
	go func() {
		defer s.replying.Add(-1)
		resp := s.forward(ic.id, msg)
		if tracked {
			s.ledger.complete(key, resp, time.Now())
		}
		s.reply(ic, resp)
	}()
}

func (s *Service) reply(ic *ingressConn, msg *iso8583.Message) {
	if msg == nil {
		return
	}
	body, err := s.codec.Encode(msg)
	if err != nil {
		ic.log.Error().Err(err).Str("mti", msg.MTI.String()).Msg("reply not encodable")
		return
	}
	buf, err := frame.Encode(body, s.cfg.Frame)
	if err != nil {
		ic.log.Error().Err(err).Str("mti", msg.MTI.String()).Msg("reply not framable")
		return
	}
	if !ic.send(buf) {
		ic.log.Warn().Str("mti", msg.MTI.String()).Str("trace", msg.STAN()).Msg("reply dropped, connection closed")
	}
}
