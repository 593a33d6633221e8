package routing

import (
	"sync"
	"testing"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type staticHealth map[string]bool

func (h staticHealth) Available(id string) bool {
	up, ok := h[id]
	return !ok || up
}

func purchase() *iso8583.Message {
	return iso8583.NewMessage("0200").
		Set(iso8583.FieldPAN, "4111111111111111").
		Set(iso8583.FieldProcessingCode, "000000").
		Set(iso8583.FieldSTAN, "000042")
}

func TestRequestRoutesToAAndOthersToDefault(t *testing.T) {
	testlog.Start(t)
	table, err := NewTable([]Route{
		{Name: "requests", Kinds: []iso8583.Kind{iso8583.KindRequest}, Target: "endpoint-a"},
		{Name: "fallback", Default: true, Target: "endpoint-b"},
	})
	require.NoError(t, err)

	r, err := table.Match(purchase())
	require.NoError(t, err)
	require.Equal(t, "endpoint-a", r.Target)

	echo := iso8583.NewMessage("0800").Set(iso8583.FieldSTAN, "000001").Set(iso8583.FieldNetworkCode, "301")
	r, err = table.Match(echo)
	require.NoError(t, err)
	require.Equal(t, "endpoint-b", r.Target)
}

func TestFirstMatchWinsInDeclarationOrder(t *testing.T) {
	testlog.Start(t)
	table, err := NewTable([]Route{
		{Name: "cash", ProcessingCodePrefixes: []string{"01"}, Target: "atm"},
		{Name: "financial", MTIs: []iso8583.MTI{"0200"}, Target: "switch"},
		{Name: "financial-dup", MTIs: []iso8583.MTI{"0200"}, Target: "never"},
	})
	require.NoError(t, err)

	r, err := table.Match(purchase())
	require.NoError(t, err)
	require.Equal(t, "financial", r.Name)

	cash := purchase().Set(iso8583.FieldProcessingCode, "011000")
	r, err = table.Match(cash)
	require.NoError(t, err)
	require.Equal(t, "atm", r.Target)
}

func TestNoRouteWithoutDefault(t *testing.T) {
	testlog.Start(t)
	table, err := NewTable([]Route{
		{Name: "auth", MTIs: []iso8583.MTI{"0100"}, Target: "endpoint-a"},
	})
	require.NoError(t, err)
	_, err = table.Match(purchase())
	require.ErrorIs(t, err, ErrNoRouteFound)
}

func TestFieldRangeSelectsByPANPrefix(t *testing.T) {
	testlog.Start(t)
	table, err := NewTable([]Route{
		{Name: "visa", Ranges: []FieldRange{{Field: iso8583.FieldPAN, Low: "400000", High: "499999"}}, Target: "visa-issuer"},
		{Name: "big-amount", Ranges: []FieldRange{{Field: iso8583.FieldAmount, Low: "100000", High: "999999999999"}}, Target: "review"},
		{Name: "rest", Default: true, Target: "switch"},
	})
	require.NoError(t, err)

	r, err := table.Match(purchase())
	require.NoError(t, err)
	require.Equal(t, "visa-issuer", r.Target)

	mc := purchase().Set(iso8583.FieldPAN, "5500000000000004").Set(iso8583.FieldAmount, "000000250000")
	r, err = table.Match(mc)
	require.NoError(t, err)
	require.Equal(t, "review", r.Target)

	small := mc.Clone().Set(iso8583.FieldAmount, "000000000100")
	r, err = table.Match(small)
	require.NoError(t, err)
	require.Equal(t, "switch", r.Target)
}

func TestMatchIsDeterministic(t *testing.T) {
	testlog.Start(t)
	table, err := NewTable([]Route{
		{Name: "a", Kinds: []iso8583.Kind{iso8583.KindReversal}, Target: "rev"},
		{Name: "b", ProcessingCodePrefixes: []string{"00", "20"}, Target: "pos"},
		{Name: "c", Default: true, Target: "switch"},
	})
	require.NoError(t, err)

	msgs := []*iso8583.Message{
		purchase(),
		iso8583.NewMessage("0400").Set(iso8583.FieldSTAN, "000001"),
		iso8583.NewMessage("0100").Set(iso8583.FieldProcessingCode, "300000"),
	}
	var wg sync.WaitGroup
	for _, m := range msgs {
		want, err := table.Match(m)
		require.NoError(t, err)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(m *iso8583.Message, want string) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					got, err := table.Match(m)
					if err != nil || got.Name != want {
						t.Errorf("non-deterministic match: got=%q err=%v want=%q", got.Name, err, want)
						return
					}
				}
			}(m, want.Name)
		}
	}
	wg.Wait()
}

func TestNewTableRejectsInvalidRoutes(t *testing.T) {
	testlog.Start(t)
	cases := map[string][]Route{
		"no target":        {{Name: "x", Default: true}},
		"two defaults":     {{Name: "x", Default: true, Target: "a"}, {Name: "y", Default: true, Target: "b"}},
		"no predicates":    {{Name: "x", Target: "a"}},
		"default with mti": {{Name: "x", Default: true, MTIs: []iso8583.MTI{"0200"}, Target: "a"}},
		"bad mti":          {{Name: "x", MTIs: []iso8583.MTI{"02"}, Target: "a"}},
		"low above high":   {{Name: "x", Ranges: []FieldRange{{Field: 4, Low: "9", High: "1"}}, Target: "a"}},
		"failover target":  {{Name: "x", Default: true, Target: "a", Failover: "a"}},
	}
	for name, routes := range cases {
		_, err := NewTable(routes)
		require.Error(t, err, name)
	}
}

func TestRouterFailsOverWhenTargetUnavailable(t *testing.T) {
	testlog.Start(t)
	table, err := NewTable([]Route{
		{Name: "requests", Kinds: []iso8583.Kind{iso8583.KindRequest}, Target: "primary", Failover: "backup"},
	})
	require.NoError(t, err)

	health := staticHealth{"primary": false}
	r := NewRouter(table, health)
	d, err := r.Route(purchase())
	require.NoError(t, err)
	require.Equal(t, Decision{Route: "requests", Endpoint: "backup", Failover: true}, d)

	health["backup"] = false
	_, err = r.Route(purchase())
	require.ErrorIs(t, err, ErrEndpointUnavailable)

	health["primary"] = true
	d, err = r.Route(purchase())
	require.NoError(t, err)
	require.Equal(t, "primary", d.Endpoint)
	require.False(t, d.Failover)
}

func TestRouterSwapPublishesNewSnapshot(t *testing.T) {
	testlog.Start(t)
	first, err := NewTable([]Route{{Name: "all", Default: true, Target: "a"}})
	require.NoError(t, err)
	second, err := NewTable([]Route{{Name: "all", Default: true, Target: "b"}})
	require.NoError(t, err)

	r := NewRouter(first, nil)
	d, err := r.Route(purchase())
	require.NoError(t, err)
	require.Equal(t, "a", d.Endpoint)

	prev := r.Swap(second)
	require.Same(t, first, prev)
	d, err = r.Route(purchase())
	require.NoError(t, err)
	require.Equal(t, "b", d.Endpoint)
	require.Same(t, second, r.Snapshot())
}
