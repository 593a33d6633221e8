package endpoint

import (
	"context"
	"net"
	"sync"
)

// liveConn is one connected socket with its writer queue. It is closed once,
// by whichever side fails first.
type liveConn struct {
	conn   net.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	once  sync.Once
	mu    sync.Mutex
	cause error
}

func newLiveConn(conn net.Conn, queue int) *liveConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveConn{
		conn:   conn,
		out:    make(chan []byte, queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *liveConn) done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *liveConn) close(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *liveConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause == nil {
		return ErrSessionClosed
	}
	return c.cause
}

// send queues a framed message for the writer goroutine.
func (c *liveConn) send(ctx context.Context, buf []byte) error {
	select {
	case <-c.done():
		return ErrSessionClosed
	default:
	}
	select {
	case c.out <- buf:
		return nil
	case <-c.done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
