package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
)

var (
	ErrNoRouteFound        = errors.New("routing: no route found")
	ErrEndpointUnavailable = errors.New("routing: endpoint unavailable")
)

// Table is an immutable, ordered route snapshot.
type Table struct {
	routes []Route
	def    *Route
}

// NewTable validates routes and freezes them in declaration order. At most one
// default route is allowed.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{routes: make([]Route, 0, len(routes))}
	for i, r := range routes {
		if r.Name == "" {
			r.Name = fmt.Sprintf("route-%d", i)
		}
		if err := r.validate(); err != nil {
			return nil, err
		}
		r = cloneRoute(r)
		if r.Default {
			if t.def != nil {
				return nil, fmt.Errorf("route %q: second default route (first %q)", r.Name, t.def.Name)
			}
			def := r
			t.def = &def
			continue
		}
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Match returns the first route matching msg, then the default route. It
// depends only on msg and the table.
func (t *Table) Match(msg *iso8583.Message) (Route, error) {
	if msg == nil {
		return Route{}, fmt.Errorf("%w: nil message", ErrNoRouteFound)
	}
	for _, r := range t.routes {
		if r.Matches(msg) {
			return r, nil
		}
	}
	if t.def != nil {
		return *t.def, nil
	}
	return Route{}, fmt.Errorf("%w: mti=%s", ErrNoRouteFound, msg.MTI)
}

// Routes returns the ordered routes followed by the default route.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.routes)+1)
	for _, r := range t.routes {
		out = append(out, cloneRoute(r))
	}
	if t.def != nil {
		out = append(out, cloneRoute(*t.def))
	}
	return out
}

// Endpoints returns every endpoint id referenced as a target or failover.
func (t *Table) Endpoints() []string {
	set := map[string]struct{}{}
	for _, r := range t.Routes() {
		set[r.Target] = struct{}{}
		if r.Failover != "" {
			set[r.Failover] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Table) Len() int {
	n := len(t.routes)
	if t.def != nil {
		n++
	}
	return n
}

func cloneRoute(r Route) Route {
	r.MTIs = append([]iso8583.MTI(nil), r.MTIs...)
	r.Kinds = append([]iso8583.Kind(nil), r.Kinds...)
	r.ProcessingCodePrefixes = append([]string(nil), r.ProcessingCodePrefixes...)
	r.Ranges = append([]FieldRange(nil), r.Ranges...)
	return r
}
