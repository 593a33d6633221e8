// Package issuertest runs a loopback ISO 8583 endpoint for session and relay
// tests.
package issuertest

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/iso-relayer/internal/protocol/frame"
	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
)

// Handler answers one decoded message. A nil reply sends nothing.
type Handler func(msg *iso8583.Message) *iso8583.Message

// Approve answers any request with response code "00".
func Approve(msg *iso8583.Message) *iso8583.Message {
	if !msg.MTI.IsRequest() {
		return nil
	}
	resp, err := msg.Response("00")
	if err != nil {
		return nil
	}
	return resp
}

// Silent never answers.
func Silent(*iso8583.Message) *iso8583.Message { return nil }

type Issuer struct {
	t       testing.TB
	ln      net.Listener
	frame   frame.Config
	codec   *iso8583.Codec
	handler Handler

	received chan *iso8583.Message
	accepted chan struct{}

	mu    sync.Mutex
	conns []net.Conn
	last  net.Conn
	wg    sync.WaitGroup
}

// Start listens on 127.0.0.1. tlsCfg may be nil for plain TCP.
func Start(t testing.TB, fc frame.Config, handler Handler, tlsCfg *tls.Config) *Issuer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("issuer listen: %v", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	is := &Issuer{
		t:        t,
		ln:       ln,
		frame:    fc,
		codec:    iso8583.NewCodec(iso8583.DefaultDictionary()),
		handler:  handler,
		received: make(chan *iso8583.Message, 256),
		accepted: make(chan struct{}, 16),
	}
	is.wg.Add(1)
	go is.acceptLoop()
	t.Cleanup(is.Close)
	return is
}

func (is *Issuer) Addr() string {
	return is.ln.Addr().String()
}

// Received yields every message decoded from any connection.
func (is *Issuer) Received() <-chan *iso8583.Message {
	return is.received
}

// Accepted signals each new connection.
func (is *Issuer) Accepted() <-chan struct{} {
	return is.accepted
}

func (is *Issuer) acceptLoop() {
	defer is.wg.Done()
	for {
		conn, err := is.ln.Accept()
		if err != nil {
			return
		}
		is.mu.Lock()
		is.conns = append(is.conns, conn)
		is.last = conn
		is.mu.Unlock()
		select {
		case is.accepted <- struct{}{}:
		default:
		}
		is.wg.Add(1)
		go is.serve(conn)
	}
}

func (is *Issuer) serve(conn net.Conn) {
	defer is.wg.Done()
	defer conn.Close()
	r, err := frame.NewReader(conn, is.frame)
	if err != nil {
		return
	}
	var writeMu sync.Mutex
	for {
		body, err := r.ReadFrame()
		if err != nil {
			return
		}
		msg, err := is.codec.Decode(body)
		if err != nil {
			continue
		}
		select {
		case is.received <- msg:
		default:
		}
		if reply := is.handler(msg); reply != nil {
			writeMu.Lock()
			err := is.write(conn, reply)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (is *Issuer) write(conn net.Conn, msg *iso8583.Message) error {
	body, err := is.codec.Encode(msg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(conn, body, is.frame)
}

// Send writes msg on the most recently accepted connection.
func (is *Issuer) Send(msg *iso8583.Message) error {
	conn := is.lastConn()
	if conn == nil {
		return errors.New("issuertest: no connection")
	}
	return is.write(conn, msg)
}

// SendRaw writes b verbatim on the most recently accepted connection.
func (is *Issuer) SendRaw(b []byte) error {
	conn := is.lastConn()
	if conn == nil {
		return errors.New("issuertest: no connection")
	}
	_, err := conn.Write(b)
	return err
}

func (is *Issuer) lastConn() net.Conn {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.last
}

// DropConnections closes every accepted connection but keeps listening.
func (is *Issuer) DropConnections() {
	is.mu.Lock()
	defer is.mu.Unlock()
	for _, c := range is.conns {
		_ = c.Close()
	}
	is.conns = nil
	is.last = nil
}

func (is *Issuer) Close() {
	_ = is.ln.Close()
	is.DropConnections()
	is.wg.Wait()
}
