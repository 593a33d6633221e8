package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/iso-relayer/internal/observability"
	"go.uber.org/multierr"
)

// Manager holds one Session per configured endpoint. The set is fixed at
// construction.
type Manager struct {
	deps     Deps
	sessions map[string]*Session
	order    []string

	startOnce sync.Once
}

func NewManager(endpoints []Endpoint, deps Deps) (*Manager, error) {
	if deps.Codec == nil || deps.Engine == nil || deps.Circuit == nil {
		return nil, fmt.Errorf("%w: codec, engine and circuit are required", ErrInvalidEndpoint)
	}
	if err := deps.Frame.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		deps:     deps,
		sessions: make(map[string]*Session, len(endpoints)),
	}
	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.sessions[ep.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidEndpoint, ep.ID)
		}
		m.sessions[ep.ID] = newSession(ep, deps)
		m.order = append(m.order, ep.ID)
	}
	sort.Strings(m.order)
	return m, nil
}

// Start launches every session's run loop. Sessions stop when ctx ends or on
// Drain.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		for _, id := range m.order {
			m.sessions[id].start(ctx)
		}
	})
}

func (m *Manager) Session(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, id)
	}
	return s, nil
}

// Sessions returns all sessions ordered by endpoint id.
func (m *Manager) Sessions() []*Session {
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// Available reports whether id is connected and its circuit is closed. It
// is the health view the router consults.
func (m *Manager) Available(id string) bool {
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	return s.State() == StateConnected && m.deps.Circuit.Available(id)
}

// Drain drains all sessions concurrently. Sessions still busy when ctx ends
// are force-closed; their errors are combined.
func (m *Manager) Drain(ctx context.Context) error {
	sessions := m.Sessions()
	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Drain(ctx)
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// Close force-closes every session and waits for their run loops.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		s.Close()
	}
	for _, s := range m.Sessions() {
		<-s.Done()
	}
}

func (m *Manager) Status() []observability.EndpointStatus {
	out := make([]observability.EndpointStatus, 0, len(m.order))
	for _, s := range m.Sessions() {
		out = append(out, s.Status())
	}
	return out
}
