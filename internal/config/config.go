// Package config loads and validates the relay's TOML configuration and
// builds the runtime values each component consumes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the decoded relay.toml.
type Config struct {
	Relay       RelayConfig       `toml:"relay"`
	Frame       FrameConfig       `toml:"frame"`
	Ingress     IngressConfig     `toml:"ingress"`
	Retry       RetryConfig       `toml:"retry"`
	Correlation CorrelationConfig `toml:"correlation"`
	Monitoring  MonitoringConfig  `toml:"monitoring"`
	Dictionary  DictionaryConfig  `toml:"dictionary"`
	Endpoints   []EndpointConfig  `toml:"endpoints"`
	Routes      []RouteConfig     `toml:"routes"`

	path string
}

type RelayConfig struct {
	Name            string   `toml:"name"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// ReversalMaxAttempts bounds store-and-forward retries of one reversal.
	ReversalMaxAttempts   int      `toml:"reversal_max_attempts"`
	ReversalRetryInterval Duration `toml:"reversal_retry_interval"`
	// ReversalStore is a bbolt file that keeps queued reversals across
	// restarts. Empty keeps them in memory only.
	ReversalStore string `toml:"reversal_store"`
	// DuplicateWindow is how long a completed request is remembered for
	// duplicate detection. Negative disables it.
	DuplicateWindow  Duration `toml:"duplicate_window"`
	DuplicateEntries int      `toml:"duplicate_entries"`
}

type FrameConfig struct {
	PrefixWidth   int `toml:"prefix_width"`
	MaxFrameBytes int `toml:"max_frame_bytes"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type IngressConfig struct {
	ListenAddr     string    `toml:"listen_addr"`
	MaxConnections int       `toml:"max_connections"`
	ReusePort      bool      `toml:"reuse_port"`
	SecurityMode   string    `toml:"security_mode"`
	ReadTimeout    Duration  `toml:"read_timeout"`
	WriteTimeout   Duration  `toml:"write_timeout"`
	TLS            TLSConfig `toml:"tls"`
}

type RetryConfig struct {
	InitialDelay     Duration `toml:"initial_delay"`
	Multiplier       float64  `toml:"multiplier"`
	MaxDelay         Duration `toml:"max_delay"`
	Jitter           *bool    `toml:"jitter"`
	FailureThreshold int      `toml:"failure_threshold"`
}

type CorrelationConfig struct {
	Shards int `toml:"shards"`
}

type MonitoringConfig struct {
	Enabled         *bool    `toml:"enabled"`
	ListenAddr      string   `toml:"listen_addr"`
	LogLevel        string   `toml:"log_level"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// Token guards every route but /health when set.
	Token       string   `toml:"token"`
	CORSOrigins []string `toml:"cors_allow_origins"`
}

// On reports whether the monitoring server should run.
func (m MonitoringConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

type DictionaryConfig struct {
	// Path of a TOML field dictionary; empty uses the built-in one.
	Path string `toml:"path"`
}

// EndpointConfig is one egress endpoint. Zero durations and limits take the
// session defaults.
type EndpointConfig struct {
	ID               string    `toml:"id"`
	Address          string    `toml:"address"`
	SecurityMode     string    `toml:"security_mode"`
	ConnectTimeout   Duration  `toml:"connect_timeout"`
	HandshakeTimeout Duration  `toml:"handshake_timeout"`
	ReadTimeout      Duration  `toml:"read_timeout"`
	WriteTimeout     Duration  `toml:"write_timeout"`
	EchoInterval     Duration  `toml:"echo_interval"`
	MissedEchoLimit  int       `toml:"missed_echo_limit"`
	ResponseTimeout  Duration  `toml:"response_timeout"`
	MaxInFlight      int       `toml:"max_in_flight"`
	TLS              TLSConfig `toml:"tls"`
}

// RouteConfig is one [[routes]] entry, evaluated in file order.
type RouteConfig struct {
	Name            string        `toml:"name"`
	MTIs            []string      `toml:"mtis"`
	Kinds           []string      `toml:"kinds"`
	ProcessingCodes []string      `toml:"processing_codes"`
	Ranges          []RangeConfig `toml:"ranges"`
	Default         bool          `toml:"default"`
	Target          string        `toml:"target"`
	Failover        string        `toml:"failover"`
}

type RangeConfig struct {
	Field int    `toml:"field"`
	Low   string `toml:"low"`
	High  string `toml:"high"`
}

// Path is the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Load reads, decodes, defaults and validates path. Every failure is a
// *ConfigurationError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Path = path
			return nil, cerr
		}
		return nil, &ConfigurationError{Path: path, Err: err}
	}
	cfg.path = path
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data strictly and applies defaults without validating.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigurationError{Err: describeDecodeError(err)}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func describeDecodeError(err error) error {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		return fmt.Errorf("unknown keys: %s", strings.TrimSpace(strict.String()))
	}
	var decErr *toml.DecodeError
	if errors.As(err, &decErr) {
		row, col := decErr.Position()
		return fmt.Errorf("line %d column %d: %w", row, col, err)
	}
	return err
}

// Defaults applied to unset values.
const (
	DefaultRelayName             = "iso-relayer"
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultReversalMaxAttempts   = 5
	DefaultReversalRetryInterval = 10 * time.Second
	DefaultDuplicateWindow       = time.Minute
	DefaultDuplicateEntries      = 65536
	DefaultIngressListenAddr     = ":8583"
	DefaultMaxConnections        = 1024
	DefaultIngressWriteTimeout   = 5 * time.Second
	DefaultFailureThreshold      = 5
	DefaultCorrelationShards     = 32
	DefaultMonitoringListenAddr  = "127.0.0.1:9583"
	DefaultLogLevel              = "info"
	DefaultMonitoringShutdown    = 5 * time.Second
)

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Relay.Name) == "" {
		c.Relay.Name = DefaultRelayName
	}
	if c.Relay.ShutdownTimeout == 0 {
		c.Relay.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Relay.ReversalMaxAttempts == 0 {
		c.Relay.ReversalMaxAttempts = DefaultReversalMaxAttempts
	}
	if c.Relay.ReversalRetryInterval == 0 {
		c.Relay.ReversalRetryInterval = Duration(DefaultReversalRetryInterval)
	}
	if c.Relay.DuplicateWindow == 0 {
		c.Relay.DuplicateWindow = Duration(DefaultDuplicateWindow)
	}
	if c.Relay.DuplicateEntries == 0 {
		c.Relay.DuplicateEntries = DefaultDuplicateEntries
	}

	if c.Frame.PrefixWidth == 0 {
		c.Frame.PrefixWidth = 2
	}
	if c.Frame.MaxFrameBytes == 0 {
		c.Frame.MaxFrameBytes = 8192
	}

	c.Ingress.ListenAddr = strings.TrimSpace(c.Ingress.ListenAddr)
	if c.Ingress.ListenAddr == "" {
		c.Ingress.ListenAddr = DefaultIngressListenAddr
	}
	if c.Ingress.MaxConnections == 0 {
		c.Ingress.MaxConnections = DefaultMaxConnections
	}
	if c.Ingress.WriteTimeout == 0 {
		c.Ingress.WriteTimeout = Duration(DefaultIngressWriteTimeout)
	}

	if c.Retry.FailureThreshold == 0 {
		c.Retry.FailureThreshold = DefaultFailureThreshold
	}
	if c.Retry.Jitter == nil {
		jitter := true
		c.Retry.Jitter = &jitter
	}

	if c.Correlation.Shards == 0 {
		c.Correlation.Shards = DefaultCorrelationShards
	}

	c.Monitoring.ListenAddr = strings.TrimSpace(c.Monitoring.ListenAddr)
	if c.Monitoring.ListenAddr == "" {
		c.Monitoring.ListenAddr = DefaultMonitoringListenAddr
	}
	if strings.TrimSpace(c.Monitoring.LogLevel) == "" {
		c.Monitoring.LogLevel = DefaultLogLevel
	}
	if c.Monitoring.ShutdownTimeout == 0 {
		c.Monitoring.ShutdownTimeout = Duration(DefaultMonitoringShutdown)
	}

	for i := range c.Endpoints {
		c.Endpoints[i].ID = strings.TrimSpace(c.Endpoints[i].ID)
		c.Endpoints[i].Address = strings.TrimSpace(c.Endpoints[i].Address)
	}
	for i := range c.Routes {
		if strings.TrimSpace(c.Routes[i].Name) == "" {
			c.Routes[i].Name = fmt.Sprintf("route-%d", i)
		}
	}
}

// resolvePaths makes relative file references relative to the config file's
// directory.
func (c *Config) resolvePaths(dir string) {
	resolve := func(p *string) {
		v := strings.TrimSpace(*p)
		if v != "" && !filepath.IsAbs(v) {
			v = filepath.Join(dir, v)
		}
		*p = v
	}
	resolveTLS := func(t *TLSConfig) {
		resolve(&t.CAFile)
		resolve(&t.CertFile)
		resolve(&t.KeyFile)
	}
	resolve(&c.Dictionary.Path)
	resolve(&c.Relay.ReversalStore)
	resolveTLS(&c.Ingress.TLS)
	for i := range c.Endpoints {
		resolveTLS(&c.Endpoints[i].TLS)
	}
}
