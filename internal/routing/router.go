package routing

import (
	"fmt"
	"sync/atomic"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
)

// Health reports whether an endpoint may receive traffic.
type Health interface {
	Available(endpointID string) bool
}

// Decision is the outcome of routing one message.
type Decision struct {
	Route    string
	Endpoint string
	// Failover is set when the route's target was unavailable.
	Failover bool
}

// Router applies endpoint health on top of the current table snapshot. The
// snapshot is swapped atomically; readers never block.
type Router struct {
	table  atomic.Pointer[Table]
	health Health
}

// NewRouter returns a router over table. A nil health treats every endpoint
// as available.
func NewRouter(table *Table, health Health) *Router {
	r := &Router{health: health}
	if table == nil {
		table, _ = NewTable(nil)
	}
	r.table.Store(table)
	return r
}

// Route selects the destination for msg, falling through to the route's
// failover when the target is unavailable.
func (r *Router) Route(msg *iso8583.Message) (Decision, error) {
	route, err := r.table.Load().Match(msg)
	if err != nil {
		return Decision{}, err
	}
	if r.available(route.Target) {
		return Decision{Route: route.Name, Endpoint: route.Target}, nil
	}
	if route.Failover != "" && r.available(route.Failover) {
		return Decision{Route: route.Name, Endpoint: route.Failover, Failover: true}, nil
	}
	return Decision{Route: route.Name, Endpoint: route.Target}, fmt.Errorf("%w: route=%s endpoint=%s", ErrEndpointUnavailable, route.Name, route.Target)
}

// Swap publishes table and returns the previous snapshot.
func (r *Router) Swap(table *Table) *Table {
	return r.table.Swap(table)
}

func (r *Router) Snapshot() *Table {
	return r.table.Load()
}

func (r *Router) available(endpointID string) bool {
	if r.health == nil {
		return true
	}
	return r.health.Available(endpointID)
}
