// Package circuit tracks consecutive connection failures per endpoint and
// decides reconnect delays and endpoint availability.
package circuit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/session"
)

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	Backoff          session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Backoff:          session.DefaultConfig().Backoff,
	}
}

// Status is a point-in-time view of one endpoint.
type Status struct {
	EndpointID  string
	State       State
	Failures    int
	LastFailure time.Time
	OpenedAt    time.Time
}

// Transition is reported whenever an endpoint's circuit changes state.
type Transition func(endpointID string, from, to State)

type health struct {
	failures    int
	state       State
	lastFailure time.Time
	openedAt    time.Time
}

// Controller is safe for concurrent use by all endpoint sessions and the
// router.
type Controller struct {
	cfg      Config
	now      func() time.Time
	onChange Transition

	mu        sync.Mutex
	rng       *rand.Rand
	endpoints map[string]*health
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

func WithTransition(fn Transition) Option {
	return func(c *Controller) { c.onChange = fn }
}

func NewController(cfg Config, opts ...Option) *Controller {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	c := &Controller{
		cfg:       cfg,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		endpoints: make(map[string]*health),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) entry(id string) *health {
	h, ok := c.endpoints[id]
	if !ok {
		h = &health{}
		c.endpoints[id] = h
	}
	return h
}

// RecordFailure counts one failed connect or a lost session and returns the
// delay before the next reconnect attempt.
func (c *Controller) RecordFailure(endpointID string) time.Duration {
	c.mu.Lock()
	h := c.entry(endpointID)
	h.failures++
	h.lastFailure = c.now()
	from := h.state
	if h.failures >= c.cfg.FailureThreshold && h.state == StateClosed {
		h.state = StateOpen
		h.openedAt = h.lastFailure
	}
	to := h.state
	delay := session.NextBackoffDelay(c.cfg.Backoff, h.failures, c.rng)
	c.mu.Unlock()

	if from != to && c.onChange != nil {
		c.onChange(endpointID, from, to)
	}
	return delay
}

// RecordSuccess resets the failure count and closes the circuit.
func (c *Controller) RecordSuccess(endpointID string) {
	c.mu.Lock()
	h := c.entry(endpointID)
	from := h.state
	h.failures = 0
	h.state = StateClosed
	h.openedAt = time.Time{}
	c.mu.Unlock()

	if from != StateClosed && c.onChange != nil {
		c.onChange(endpointID, from, StateClosed)
	}
}

// Available reports whether traffic may be routed to endpointID. Endpoints
// never seen are available.
func (c *Controller) Available(endpointID string) bool {
	return c.State(endpointID) == StateClosed
}

func (c *Controller) State(endpointID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.endpoints[endpointID]
	if !ok {
		return StateClosed
	}
	return h.state
}

func (c *Controller) Failures(endpointID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.endpoints[endpointID]
	if !ok {
		return 0
	}
	return h.failures
}

// Snapshot returns the point-in-time view of one endpoint. Unknown
// endpoints report a closed circuit with no failures.
func (c *Controller) Snapshot(endpointID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.endpoints[endpointID]
	if !ok {
		return Status{EndpointID: endpointID, State: StateClosed}
	}
	return Status{
		EndpointID:  endpointID,
		State:       h.state,
		Failures:    h.failures,
		LastFailure: h.lastFailure,
		OpenedAt:    h.openedAt,
	}
}
