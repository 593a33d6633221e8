// Package correlation matches endpoint responses to in-flight requests and
// enforces per-transaction deadlines.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// TraceSource hands out candidate trace numbers for one endpoint. Endpoint
// sessions own the sequence counter.
type TraceSource interface {
	NextTrace() string
}

// Registration describes one request about to be dispatched.
type Registration struct {
	Endpoint    string
	Origin      string
	Request     *iso8583.Message
	Timeout     time.Duration
	MaxInFlight int
	Traces      TraceSource
	// Keepalive registrations take no in-flight slot: they are not limited
	// by MaxInFlight and WaitDrained does not wait for them.
	Keepalive bool
}

// ExpireFunc runs on the sweeper goroutine after a timed out transaction has
// been removed and its caller notified. It must not block.
type ExpireFunc func(p *Pending)

type Config struct {
	Shards int
	// OnExpire is invoked for expired transactions whose request type
	// requires a reversal.
	OnExpire ExpireFunc
	// Resolved keys are remembered for DuplicateWindow so a repeated
	// response can be told apart from one nobody asked for.
	RecentResolved  int
	DuplicateWindow time.Duration
}

const (
	defaultRecentResolved  = 4096
	defaultDuplicateWindow = time.Minute
)

// Engine owns the pending table. It is safe for concurrent use.
type Engine struct {
	log      zerolog.Logger
	table    *table
	queue    deadlines
	onExpire ExpireFunc

	countsMu sync.RWMutex
	counts   map[string]*inflight

	recent *lru.Cache[Key, time.Time]
	window time.Duration

	seq    atomic.Uint64
	closed atomic.Bool
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	if cfg.RecentResolved <= 0 {
		cfg.RecentResolved = defaultRecentResolved
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaultDuplicateWindow
	}
	// only fails for a non-positive size
	recent, _ := lru.New[Key, time.Time](cfg.RecentResolved)
	e := &Engine{
		recent:   recent,
		window:   cfg.DuplicateWindow,
		log:      log.With().Str("component", "correlation").Logger(),
		table:    newTable(cfg.Shards),
		onExpire: cfg.OnExpire,
		counts:   make(map[string]*inflight),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.queue.h = make(deadlineHeap, 0, 64)
	go e.sweep()
	return e
}

// Register reserves an in-flight slot, assigns a trace number not currently
// pending for the endpoint, and records the transaction. The returned
// Pending.Request carries the assigned trace in field 11.
func (e *Engine) Register(reg Registration) (*Pending, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if reg.Endpoint == "" || reg.Request == nil || reg.Traces == nil || reg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: endpoint=%q timeout=%v", ErrInvalidRequest, reg.Endpoint, reg.Timeout)
	}
	counter := e.counter(reg.Endpoint)
	if !reg.Keepalive && !counter.acquire(reg.MaxInFlight) {
		return nil, fmt.Errorf("%w: endpoint=%s max=%d", ErrInFlightLimit, reg.Endpoint, reg.MaxInFlight)
	}

	now := time.Now()
	p := &Pending{
		Origin:      reg.Origin,
		OriginTrace: reg.Request.STAN(),
		Original:    reg.Request,
		Registered:  now,
		Deadline:    now.Add(reg.Timeout),
		result:      make(chan Result, 1),
		seq:         e.seq.Add(1),
		index:       -1,
		slot:        !reg.Keepalive,
	}

	// Every pending trace holds an in-flight slot, so fewer than MaxInFlight
	// values can collide. Concurrent registrations draw from the same
	// counter, hence the slack.
	attempts := 4*reg.MaxInFlight + 16
	if reg.MaxInFlight <= 0 {
		attempts = maxTrace
	}
	dispatch := reg.Request.Clone()
	inserted := false
	for i := 0; i < attempts; i++ {
		trace := reg.Traces.NextTrace()
		p.Key = Key{Endpoint: reg.Endpoint, Trace: trace}
		p.Request = dispatch.Set(iso8583.FieldSTAN, trace)
		if e.table.insert(p) {
			inserted = true
			break
		}
	}
	if !inserted {
		if p.slot {
			counter.release()
		}
		return nil, fmt.Errorf("%w: endpoint=%s", ErrTraceExhausted, reg.Endpoint)
	}

	if e.queue.push(p) {
		e.signal()
	}
	if e.closed.Load() {
		// Close raced with this registration; fail it here since the
		// final drain may have run before insert.
		if e.table.takeExact(p.Key, p) {
			e.finish(p, Result{Err: ErrEngineClosed})
		}
		return nil, ErrEngineClosed
	}
	return p, nil
}

// Resolve delivers resp to the transaction pending under (endpoint, trace).
// It reports false for responses with no pending transaction, which callers
// treat as anomalies.
func (e *Engine) Resolve(endpoint, trace string, resp *iso8583.Message) bool {
	key := Key{Endpoint: endpoint, Trace: trace}
	p, ok := e.table.take(key)
	if !ok {
		msg := "unmatched response dropped"
		if e.RecentlyResolved(endpoint, trace) {
			msg = "duplicate response dropped"
		}
		e.log.Warn().
			Str("endpoint", endpoint).
			Str("trace", trace).
			Str("mti", respMTI(resp)).
			Msg(msg)
		return false
	}
	e.recent.Add(key, time.Now())
	e.finish(p, Result{Response: resp})
	return true
}

// RecentlyResolved reports whether (endpoint, trace) was answered within the
// duplicate window and is not pending again.
func (e *Engine) RecentlyResolved(endpoint, trace string) bool {
	at, ok := e.recent.Peek(Key{Endpoint: endpoint, Trace: trace})
	return ok && time.Since(at) <= e.window
}

// Cancel terminates one pending transaction with err, e.g. when its dispatch
// write failed.
func (e *Engine) Cancel(key Key, err error) bool {
	p, ok := e.table.take(key)
	if !ok {
		return false
	}
	e.finish(p, Result{Err: err})
	return true
}

// PendingCount returns in-flight transactions for endpoint, or for all
// endpoints when endpoint is empty.
func (e *Engine) PendingCount(endpoint string) int {
	if endpoint == "" {
		return e.table.len()
	}
	e.countsMu.RLock()
	c, ok := e.counts[endpoint]
	e.countsMu.RUnlock()
	if !ok {
		return 0
	}
	return c.value()
}

// WaitDrained blocks until endpoint has nothing in flight or ctx ends.
func (e *Engine) WaitDrained(ctx context.Context, endpoint string) error {
	select {
	case <-e.counter(endpoint).idleCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the sweeper and fails everything still pending with
// ErrEngineClosed.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.closed.Store(true)
		close(e.stop)
		<-e.done
		items := e.table.drain(func(*Pending) bool { return true })
		for _, p := range items {
			e.finish(p, Result{Err: ErrEngineClosed})
		}
		if len(items) > 0 {
			e.log.Info().Int("pending", len(items)).Msg("engine closed with pending transactions")
		}
	})
}

func (e *Engine) finish(p *Pending, res Result) {
	e.queue.remove(p)
	e.releaseSlot(p)
	p.deliver(res)
}

func (e *Engine) releaseSlot(p *Pending) {
	if p.slot {
		e.counter(p.Key.Endpoint).release()
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) sweep() {
	defer close(e.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		var fire <-chan time.Time
		if next := e.queue.next(); !next.IsZero() {
			timer.Reset(time.Until(next))
			fire = timer.C
		}
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-fire:
		}
		timer.Stop()
		e.expire(time.Now())
	}
}

func (e *Engine) expire(now time.Time) {
	for _, p := range e.queue.popExpired(now) {
		if !e.table.takeExact(p.Key, p) {
			continue
		}
		p.deliver(Result{Err: fmt.Errorf("%w: endpoint=%s trace=%s", ErrTransactionTimeout, p.Key.Endpoint, p.Key.Trace)})
		e.log.Warn().
			Str("endpoint", p.Key.Endpoint).
			Str("trace", p.Key.Trace).
			Str("mti", p.Request.MTI.String()).
			Str("origin", p.Origin).
			Msg("transaction timed out")
		if e.onExpire != nil && p.Request.MTI.RequiresReversal() {
			e.onExpire(p)
		}
		// released after the hook so a drain never observes the gap between
		// a timeout and the reversal it queues
		e.releaseSlot(p)
	}
}

func (e *Engine) counter(endpoint string) *inflight {
	e.countsMu.RLock()
	c, ok := e.counts[endpoint]
	e.countsMu.RUnlock()
	if ok {
		return c
	}
	e.countsMu.Lock()
	defer e.countsMu.Unlock()
	if c, ok = e.counts[endpoint]; !ok {
		c = &inflight{}
		e.counts[endpoint] = c
	}
	return c
}

func respMTI(m *iso8583.Message) string {
	if m == nil {
		return ""
	}
	return m.MTI.String()
}

const maxTrace = 999999

// inflight counts one endpoint's pending transactions and signals idleness.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (c *inflight) acquire(max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max > 0 && c.n >= max {
		return false
	}
	if c.n == 0 {
		c.idle = make(chan struct{})
	}
	c.n++
	return true
}

func (c *inflight) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		return
	}
	c.n--
	if c.n == 0 {
		close(c.idle)
	}
}

func (c *inflight) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *inflight) idleCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		return closedChan
	}
	return c.idle
}
