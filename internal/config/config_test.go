package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimal = `
[[endpoints]]
id = "issuer-a"
address = "127.0.0.1:9001"

[[routes]]
default = true
target = "issuer-a"
`

func TestTemplateLoadsAndValidates(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	if err := WriteTemplate(path, KindRelay, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Path() != path {
		t.Fatalf("unexpected path %q", cfg.Path())
	}
	require.Equal(t, 30*time.Second, cfg.Relay.ShutdownTimeout.Std())
	require.Len(t, cfg.EndpointList(), 2)

	table, err := cfg.RouteTable()
	require.NoError(t, err)
	visa := iso8583.NewMessage("0200").Set(iso8583.FieldPAN, "4111111111111111")
	route, err := table.Match(visa)
	require.NoError(t, err)
	require.Equal(t, "issuer-a", route.Target)
	require.Equal(t, "issuer-b", route.Failover)

	other := iso8583.NewMessage("0200").Set(iso8583.FieldPAN, "5500000000000004")
	route, err = table.Match(other)
	require.NoError(t, err)
	require.Equal(t, "issuer-b", route.Target)
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.toml", "# existing")
	if err := WriteTemplate(path, KindRelay, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, KindRelay, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestDefaultsApplied(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, DefaultRelayName, cfg.Relay.Name)
	require.Equal(t, DefaultIngressListenAddr, cfg.Ingress.ListenAddr)
	require.Equal(t, DefaultMaxConnections, cfg.Ingress.MaxConnections)
	require.Equal(t, DefaultReversalMaxAttempts, cfg.Relay.ReversalMaxAttempts)
	require.Equal(t, DefaultDuplicateWindow, cfg.RelaySettings().DuplicateWindow)
	require.Equal(t, DefaultDuplicateEntries, cfg.RelaySettings().DuplicateEntries)
	require.Empty(t, cfg.RelaySettings().ReversalStorePath)
	require.Equal(t, 2, cfg.FrameSettings().PrefixWidth)
	require.True(t, cfg.Monitoring.On())
	require.True(t, *cfg.Retry.Jitter)

	eps := cfg.EndpointList()
	require.Len(t, eps, 1)
	sess := eps[0].Session.WithDefaults()
	require.Equal(t, 30*time.Second, sess.ResponseTimeout)
	require.Equal(t, 2, sess.MissedEchoLimit)

	cc := cfg.CircuitSettings()
	require.Equal(t, DefaultFailureThreshold, cc.FailureThreshold)
	require.Equal(t, 250*time.Millisecond, cc.Backoff.InitialDelay)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := Parse([]byte(minimal + "\n[relay]\nshutdown_timout = \"1s\"\n"))
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "shutdown_timout") {
		t.Fatalf("error should name the unknown key: %v", err)
	}
}

func TestBadDurationRejected(t *testing.T) {
	_, err := Parse([]byte("[relay]\nshutdown_timeout = \"soon\"\n" + minimal))
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	testlog.Start(t)
	body := `
[monitoring]
log_level = "loud"

[frame]
prefix_width = 3

[[endpoints]]
id = "issuer-a"
address = "127.0.0.1:9001"

[[endpoints]]
id = "issuer-a"
address = "nowhere"

[[routes]]
name = "auth"
mtis = ["0100"]
target = "issuer-z"
`
	cfg, err := Parse([]byte(body))
	require.NoError(t, err)
	err = cfg.Validate()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr), "expected ConfigurationError, got %v", err)

	msg := err.Error()
	for _, want := range []string{"log_level", "frame", "duplicate id", "nowhere", "issuer-z"} {
		require.Contains(t, msg, want)
	}
	require.GreaterOrEqual(t, len(cerr.Problems()), 5)
}

func TestInvalidRoutePredicatesRejected(t *testing.T) {
	cases := map[string]string{
		"bad mti":         "mtis = [\"01x0\"]\ntarget = \"issuer-a\"",
		"unknown kind":    "kinds = [\"refund\"]\ntarget = \"issuer-a\"",
		"no predicates":   "target = \"issuer-a\"",
		"failover target": "default = true\ntarget = \"issuer-a\"\nfailover = \"issuer-a\"",
	}
	for name, route := range cases {
		t.Run(name, func(t *testing.T) {
			body := "[[endpoints]]\nid = \"issuer-a\"\naddress = \"127.0.0.1:9001\"\n\n[[routes]]\n" + route + "\n"
			cfg, err := Parse([]byte(body))
			require.NoError(t, err)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestRelativePathsResolveAgainstConfigDir(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	dict, err := Template(KindDictionary)
	require.NoError(t, err)
	writeFile(t, dir, "fields.toml", dict)
	body := "[relay]\nreversal_store = \"state/reversals.db\"\n\n" +
		"[monitoring]\ncors_allow_origins = [\"https://ops.example.com\"]\n\n" +
		"[dictionary]\npath = \"fields.toml\"\n" + minimal
	path := writeFile(t, dir, "relay.toml", body)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "fields.toml"), cfg.Dictionary.Path)
	require.Equal(t, filepath.Join(dir, "state", "reversals.db"), cfg.RelaySettings().ReversalStorePath)
	require.Equal(t, []string{"https://ops.example.com"}, cfg.MonitoringServer().CORSOrigins)

	d, err := cfg.LoadDictionary()
	require.NoError(t, err)
	spec, ok := d.Spec(62)
	require.True(t, ok)
	require.Equal(t, 512, spec.Max)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ConfigurationError wrapping ErrNotExist, got %v", err)
	}
}

func TestProductionIngressRequiresMutualTLS(t *testing.T) {
	cfg, err := Parse([]byte("[ingress]\nsecurity_mode = \"production\"\n" + minimal))
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}
