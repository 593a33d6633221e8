package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/iso-relayer/internal/logging"
	"github.com/danmuck/iso-relayer/internal/routing"
	"go.uber.org/multierr"
)

// ConfigurationError reports every problem found in one configuration. It is
// fatal at startup.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Problems lists the individual validation failures.
func (e *ConfigurationError) Problems() []error {
	return multierr.Errors(e.Err)
}

// Validate checks the whole configuration and returns a *ConfigurationError
// naming every problem, or nil.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Relay.ShutdownTimeout <= 0 {
		add("relay.shutdown_timeout must be positive")
	}
	if c.Relay.ReversalMaxAttempts < 1 {
		add("relay.reversal_max_attempts must be at least 1")
	}
	if c.Relay.ReversalRetryInterval <= 0 {
		add("relay.reversal_retry_interval must be positive")
	}
	if c.Relay.DuplicateEntries < 0 {
		add("relay.duplicate_entries must not be negative")
	}

	if err := c.FrameSettings().Validate(); err != nil {
		add("frame: %w", err)
	}

	if _, _, err := net.SplitHostPort(c.Ingress.ListenAddr); err != nil {
		add("ingress.listen_addr %q: %w", c.Ingress.ListenAddr, err)
	}
	if c.Ingress.MaxConnections < 0 {
		add("ingress.max_connections must not be negative")
	}
	if c.Ingress.ReadTimeout < 0 || c.Ingress.WriteTimeout < 0 {
		add("ingress timeouts must not be negative")
	}
	if err := c.IngressSession().ValidateServerTransport(); err != nil {
		add("ingress: %w", err)
	}

	if c.Retry.FailureThreshold < 1 {
		add("retry.failure_threshold must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		add("retry.initial_delay exceeds retry.max_delay")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}

	if c.Correlation.Shards < 1 {
		add("correlation.shards must be at least 1")
	}

	if c.Monitoring.On() {
		if _, _, err := net.SplitHostPort(c.Monitoring.ListenAddr); err != nil {
			add("monitoring.listen_addr %q: %w", c.Monitoring.ListenAddr, err)
		}
	}
	if _, ok := logging.ParseLevel(c.Monitoring.LogLevel); !ok {
		add("monitoring.log_level %q is not a level", c.Monitoring.LogLevel)
	}

	if _, err := c.LoadDictionary(); err != nil {
		add("dictionary: %w", err)
	}

	known := make(map[string]bool, len(c.Endpoints))
	if len(c.Endpoints) == 0 {
		add("at least one [[endpoints]] entry is required")
	}
	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			add("endpoints[%d]: id required", i)
			continue
		}
		if known[ep.ID] {
			add("endpoints[%d]: duplicate id %q", i, ep.ID)
		}
		known[ep.ID] = true
		if err := c.endpoint(ep).Validate(); err != nil {
			add("endpoints[%d]: %w", i, err)
		}
	}

	if len(c.Routes) == 0 {
		add("at least one [[routes]] entry is required")
	}
	for i, rc := range c.Routes {
		if rc.Target != "" && !known[strings.TrimSpace(rc.Target)] {
			add("routes[%d] (%s): target %q is not a configured endpoint", i, rc.Name, rc.Target)
		}
		if rc.Failover != "" && !known[strings.TrimSpace(rc.Failover)] {
			add("routes[%d] (%s): failover %q is not a configured endpoint", i, rc.Name, rc.Failover)
		}
	}
	if routes, err := c.RouteList(); err != nil {
		add("routes: %w", err)
	} else if _, err := routing.NewTable(routes); err != nil {
		add("routes: %w", err)
	}

	if errs != nil {
		return &ConfigurationError{Path: c.path, Err: errs}
	}
	return nil
}
