package circuit

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/session"
	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func testConfig(threshold int) Config {
	return Config{
		FailureThreshold: threshold,
		Backoff: session.BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       false,
		},
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	testlog.Start(t)
	c := NewController(testConfig(3))

	require.True(t, c.Available("issuer-a"))
	c.RecordFailure("issuer-a")
	c.RecordFailure("issuer-a")
	require.True(t, c.Available("issuer-a"), "two failures stay below threshold")
	c.RecordFailure("issuer-a")
	require.False(t, c.Available("issuer-a"))
	require.Equal(t, StateOpen, c.State("issuer-a"))
	require.True(t, c.Available("issuer-b"), "other endpoints unaffected")
}

func TestCircuitClosesOnSuccess(t *testing.T) {
	testlog.Start(t)
	c := NewController(testConfig(1))
	c.RecordFailure("issuer-a")
	require.False(t, c.Available("issuer-a"))

	c.RecordSuccess("issuer-a")
	require.True(t, c.Available("issuer-a"))
	require.Equal(t, 0, c.Failures("issuer-a"))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	c := NewController(testConfig(100))
	got := []time.Duration{}
	for i := 0; i < 6; i++ {
		got = append(got, c.RecordFailure("issuer-a"))
	}
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
}

func TestJitteredBackoffStaysWithinCap(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(100)
	cfg.Backoff.Jitter = true
	c := NewController(cfg, WithRand(rand.New(rand.NewSource(3))))
	for i := 0; i < 20; i++ {
		d := c.RecordFailure("issuer-a")
		require.LessOrEqual(t, d, time.Second)
		require.Greater(t, d, time.Duration(0))
	}
}

func TestTransitionsReportedOnce(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var seen []string
	c := NewController(testConfig(2), WithTransition(func(id string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id+":"+from.String()+"->"+to.String())
	}))
	for i := 0; i < 4; i++ {
		c.RecordFailure("issuer-a")
	}
	c.RecordSuccess("issuer-a")
	c.RecordSuccess("issuer-a")

	require.Equal(t, []string{"issuer-a:closed->open", "issuer-a:open->closed"}, seen)
}

func TestSnapshotPerEndpoint(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1700000000, 0)
	c := NewController(testConfig(1), WithClock(func() time.Time { return now }))
	c.RecordFailure("issuer-b")
	c.RecordSuccess("issuer-a")

	a := c.Snapshot("issuer-a")
	require.Equal(t, StateClosed, a.State)
	require.Zero(t, a.Failures)

	b := c.Snapshot("issuer-b")
	require.Equal(t, StateOpen, b.State)
	require.Equal(t, 1, b.Failures)
	require.Equal(t, now, b.OpenedAt)
	require.Equal(t, now, b.LastFailure)

	unknown := c.Snapshot("issuer-z")
	require.Equal(t, "issuer-z", unknown.EndpointID)
	require.Equal(t, StateClosed, unknown.State)
}
