package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// cycleSource repeats a short trace cycle so collisions are frequent.
type cycleSource struct {
	mu   sync.Mutex
	n    int
	size int
}

func (c *cycleSource) NextTrace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = c.n%c.size + 1
	return fmt.Sprintf("%06d", c.n)
}

type fixedSource string

func (f fixedSource) NextTrace() string { return string(f) }

func newTestEngine(t *testing.T, onExpire ExpireFunc) *Engine {
	t.Helper()
	e := NewEngine(Config{Shards: 4, OnExpire: onExpire}, zerolog.Nop())
	t.Cleanup(e.Close)
	return e
}

func authRequest(stan string) *iso8583.Message {
	return iso8583.NewMessage("0100").
		Set(iso8583.FieldProcessingCode, "000000").
		Set(iso8583.FieldAmount, "000000001000").
		Set(iso8583.FieldSTAN, stan)
}

func TestMatchedResponseDeliveredAndRemoved(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)

	p, err := e.Register(Registration{
		Endpoint: "endpoint-a",
		Origin:   "conn-1",
		Request:  authRequest("123456"),
		Timeout:  time.Second,
		Traces:   fixedSource("000042"),
	})
	require.NoError(t, err)
	require.Equal(t, Key{Endpoint: "endpoint-a", Trace: "000042"}, p.Key)
	require.Equal(t, "000042", p.Request.STAN())
	require.Equal(t, "123456", p.OriginTrace)
	require.Equal(t, "123456", p.Original.STAN(), "original request must not be mutated")
	require.Equal(t, 1, e.PendingCount("endpoint-a"))

	resp := iso8583.NewMessage("0110").Set(iso8583.FieldSTAN, "000042").Set(iso8583.FieldResponseCode, "00")
	require.True(t, e.Resolve("endpoint-a", "000042", resp))

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Same(t, resp, res.Response)
	require.Equal(t, 0, e.PendingCount("endpoint-a"))

	require.False(t, e.Resolve("endpoint-a", "000042", resp), "duplicate response must be unmatched")
	require.True(t, e.RecentlyResolved("endpoint-a", "000042"))
	require.False(t, e.RecentlyResolved("endpoint-a", "000043"))
}

func TestTimeoutNotBeforeDeadlineAndReversalOnce(t *testing.T) {
	testlog.Start(t)
	var hooks atomic.Int32
	expired := make(chan *Pending, 4)
	e := newTestEngine(t, func(p *Pending) {
		hooks.Add(1)
		expired <- p
	})

	p, err := e.Register(Registration{
		Endpoint: "endpoint-a",
		Request:  authRequest("000001"),
		Timeout:  60 * time.Millisecond,
		Traces:   fixedSource("000042"),
	})
	require.NoError(t, err)

	res := <-p.Done()
	received := time.Now()
	require.ErrorIs(t, res.Err, ErrTransactionTimeout)
	require.False(t, received.Before(p.Deadline), "timeout delivered before deadline")

	select {
	case got := <-expired:
		require.Same(t, p, got)
	case <-time.After(time.Second):
		t.Fatalf("expiry hook not invoked")
	}

	require.False(t, e.Resolve("endpoint-a", "000042", iso8583.NewMessage("0110")), "late response must be dropped")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), hooks.Load())
	require.Equal(t, 0, e.PendingCount(""))
}

func TestNoReversalHookForNetworkMessages(t *testing.T) {
	testlog.Start(t)
	var hooks atomic.Int32
	e := newTestEngine(t, func(*Pending) { hooks.Add(1) })

	echo := iso8583.NewMessage("0800").Set(iso8583.FieldSTAN, "000001").Set(iso8583.FieldNetworkCode, "301")
	p, err := e.Register(Registration{Endpoint: "endpoint-a", Request: echo, Timeout: 20 * time.Millisecond, Traces: fixedSource("000007")})
	require.NoError(t, err)
	res := <-p.Done()
	require.ErrorIs(t, res.Err, ErrTransactionTimeout)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), hooks.Load())
}

func TestTimeoutsFireInDeadlineOrder(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	src := &cycleSource{size: 100}

	long, err := e.Register(Registration{Endpoint: "a", Request: authRequest("1"), Timeout: 150 * time.Millisecond, Traces: src})
	require.NoError(t, err)
	short, err := e.Register(Registration{Endpoint: "a", Request: authRequest("2"), Timeout: 30 * time.Millisecond, Traces: src})
	require.NoError(t, err)

	select {
	case res := <-short.Done():
		require.ErrorIs(t, res.Err, ErrTransactionTimeout)
	case <-long.Done():
		t.Fatalf("longer deadline fired first")
	}
	res := <-long.Done()
	require.ErrorIs(t, res.Err, ErrTransactionTimeout)
	require.False(t, time.Now().Before(long.Deadline))
}

func TestConcurrentTracesUniquePerEndpoint(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	src := &cycleSource{size: 8}

	var mu sync.Mutex
	live := map[string]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p, err := e.Register(Registration{
					Endpoint:    "endpoint-a",
					Request:     authRequest("000001"),
					Timeout:     time.Second,
					MaxInFlight: 8,
					Traces:      src,
				})
				if errors.Is(err, ErrInFlightLimit) || errors.Is(err, ErrTraceExhausted) {
					continue
				}
				if err != nil {
					t.Errorf("register: %v", err)
					return
				}
				mu.Lock()
				if live[p.Key.Trace] {
					mu.Unlock()
					t.Errorf("trace %s pending twice", p.Key.Trace)
					return
				}
				live[p.Key.Trace] = true
				mu.Unlock()

				mu.Lock()
				delete(live, p.Key.Trace)
				mu.Unlock()
				if !e.Resolve("endpoint-a", p.Key.Trace, iso8583.NewMessage("0110")) {
					t.Errorf("resolve %s failed", p.Key.Trace)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, e.PendingCount("endpoint-a"))
}

func TestInFlightLimitPerEndpoint(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	src := &cycleSource{size: 1000}
	reg := Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: time.Second, MaxInFlight: 2, Traces: src}

	first, err := e.Register(reg)
	require.NoError(t, err)
	_, err = e.Register(reg)
	require.NoError(t, err)
	_, err = e.Register(reg)
	require.ErrorIs(t, err, ErrInFlightLimit)

	other := reg
	other.Endpoint = "endpoint-b"
	_, err = e.Register(other)
	require.NoError(t, err, "limit is per endpoint")

	require.True(t, e.Resolve("endpoint-a", first.Key.Trace, iso8583.NewMessage("0110")))
	_, err = e.Register(reg)
	require.NoError(t, err)
}

func TestTraceExhaustedWhenSourceRepeats(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	reg := Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: time.Second, MaxInFlight: 4, Traces: fixedSource("000009")}
	_, err := e.Register(reg)
	require.NoError(t, err)
	_, err = e.Register(reg)
	require.ErrorIs(t, err, ErrTraceExhausted)
	require.Equal(t, 1, e.PendingCount("endpoint-a"), "failed registration must release its slot")
}

func TestWaitDrainedIgnoresKeepalives(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	src := &cycleSource{size: 1000}

	require.NoError(t, e.WaitDrained(context.Background(), "endpoint-a"), "idle endpoint is drained")

	p, err := e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: time.Minute, Traces: src})
	require.NoError(t, err)
	echo, err := e.Register(Registration{Endpoint: "endpoint-a", Request: iso8583.NewMessage("0800"), Timeout: time.Minute, Traces: src, Keepalive: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.WaitDrained(ctx, "endpoint-a"), context.DeadlineExceeded)

	drained := make(chan error, 1)
	go func() { drained <- e.WaitDrained(context.Background(), "endpoint-a") }()

	shutdown := errors.New("shutdown")
	require.True(t, e.Cancel(p.Key, shutdown))
	res := <-p.Done()
	require.ErrorIs(t, res.Err, shutdown)
	select {
	case err := <-drained:
		require.NoError(t, err, "a pending keepalive must not hold the drain")
	case <-time.After(time.Second):
		t.Fatalf("WaitDrained did not return")
	}
	require.True(t, e.Cancel(echo.Key, shutdown))
	require.Equal(t, 0, e.PendingCount("endpoint-a"))
}

func TestKeepaliveTakesNoInFlightSlot(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	src := &cycleSource{size: 1000}

	echo, err := e.Register(Registration{Endpoint: "endpoint-a", Request: iso8583.NewMessage("0800"), Timeout: time.Second, MaxInFlight: 1, Traces: src, Keepalive: true})
	require.NoError(t, err)
	require.Equal(t, 0, e.PendingCount("endpoint-a"))

	req, err := e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: time.Second, MaxInFlight: 1, Traces: src})
	require.NoError(t, err, "a pending keepalive must leave the slot free")
	_, err = e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("2"), Timeout: time.Second, MaxInFlight: 1, Traces: src})
	require.ErrorIs(t, err, ErrInFlightLimit)

	require.True(t, e.Resolve("endpoint-a", echo.Key.Trace, iso8583.NewMessage("0810")))
	require.Equal(t, 1, e.PendingCount("endpoint-a"), "resolving a keepalive must not free a request slot")
	require.True(t, e.Resolve("endpoint-a", req.Key.Trace, iso8583.NewMessage("0110")))
	require.Equal(t, 0, e.PendingCount("endpoint-a"))
}

func TestReversalHookRunsBeforeSlotRelease(t *testing.T) {
	testlog.Start(t)
	var e *Engine
	counted := make(chan int, 1)
	e = newTestEngine(t, func(p *Pending) {
		counted <- e.PendingCount(p.Key.Endpoint)
	})
	_, err := e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: 10 * time.Millisecond, Traces: fixedSource("000004")})
	require.NoError(t, err)

	select {
	case n := <-counted:
		require.Equal(t, 1, n, "drain must not see the endpoint idle before the reversal hook ran")
	case <-time.After(time.Second):
		t.Fatalf("reversal hook never ran")
	}
	require.NoError(t, e.WaitDrained(context.Background(), "endpoint-a"))
}

func TestCloseFailsPendingAndRejectsRegister(t *testing.T) {
	testlog.Start(t)
	e := NewEngine(Config{}, zerolog.Nop())
	p, err := e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: time.Minute, Traces: fixedSource("000001")})
	require.NoError(t, err)

	e.Close()
	res := <-p.Done()
	require.ErrorIs(t, res.Err, ErrEngineClosed)

	_, err = e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: time.Minute, Traces: fixedSource("000002")})
	require.ErrorIs(t, err, ErrEngineClosed)
	e.Close()
}

func TestCancelIsExactlyOnce(t *testing.T) {
	testlog.Start(t)
	e := newTestEngine(t, nil)
	p, err := e.Register(Registration{Endpoint: "endpoint-a", Request: authRequest("1"), Timeout: 20 * time.Millisecond, Traces: fixedSource("000003")})
	require.NoError(t, err)

	require.True(t, e.Cancel(p.Key, errors.New("write failed")))
	require.False(t, e.Cancel(p.Key, errors.New("again")))
	res := <-p.Done()
	require.EqualError(t, res.Err, "write failed")

	time.Sleep(40 * time.Millisecond)
	select {
	case extra := <-p.Done():
		t.Fatalf("second result delivered: %+v", extra)
	default:
	}
}
