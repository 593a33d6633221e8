package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/iso-relayer/internal/circuit"
	"github.com/danmuck/iso-relayer/internal/endpoint"
	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/protocol/frame"
	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/protocol/session"
	"github.com/danmuck/iso-relayer/internal/relay"
	"github.com/danmuck/iso-relayer/internal/routing"
	"github.com/rs/zerolog"
)

func (c *Config) FrameSettings() frame.Config {
	return frame.Config{PrefixWidth: c.Frame.PrefixWidth, MaxFrameBytes: c.Frame.MaxFrameBytes}
}

func (t TLSConfig) session() session.TLSConfig {
	return session.TLSConfig{
		Enabled:            t.Enabled,
		Mutual:             t.Mutual,
		CAFile:             t.CAFile,
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		ServerName:         strings.TrimSpace(t.ServerName),
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

// IngressSession is the listener side transport configuration.
func (c *Config) IngressSession() session.Config {
	return session.Config{
		SecurityMode: session.SecurityMode(c.Ingress.SecurityMode),
		TLS:          c.Ingress.TLS.session(),
		ReadTimeout:  c.Ingress.ReadTimeout.Std(),
		WriteTimeout: c.Ingress.WriteTimeout.Std(),
	}
}

func (c *Config) backoff() session.BackoffConfig {
	b := session.DefaultConfig().Backoff
	if c.Retry.InitialDelay > 0 {
		b.InitialDelay = c.Retry.InitialDelay.Std()
	}
	if c.Retry.Multiplier >= 1 {
		b.Multiplier = c.Retry.Multiplier
	}
	if c.Retry.MaxDelay > 0 {
		b.MaxDelay = c.Retry.MaxDelay.Std()
	}
	if c.Retry.Jitter != nil {
		b.Jitter = *c.Retry.Jitter
	}
	return b
}

func (c *Config) CircuitSettings() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.Retry.FailureThreshold,
		Backoff:          c.backoff(),
	}
}

func (c *Config) endpoint(ep EndpointConfig) endpoint.Endpoint {
	return endpoint.Endpoint{
		ID:      ep.ID,
		Address: ep.Address,
		Session: session.Config{
			SecurityMode:     session.SecurityMode(ep.SecurityMode),
			TLS:              ep.TLS.session(),
			ConnectTimeout:   ep.ConnectTimeout.Std(),
			HandshakeTimeout: ep.HandshakeTimeout.Std(),
			ReadTimeout:      ep.ReadTimeout.Std(),
			WriteTimeout:     ep.WriteTimeout.Std(),
			EchoInterval:     ep.EchoInterval.Std(),
			MissedEchoLimit:  ep.MissedEchoLimit,
			ResponseTimeout:  ep.ResponseTimeout.Std(),
			MaxInFlight:      ep.MaxInFlight,
			Backoff:          c.backoff(),
		},
	}
}

// EndpointList returns the configured egress endpoints in file order.
func (c *Config) EndpointList() []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		out = append(out, c.endpoint(ep))
	}
	return out
}

// RouteList converts [[routes]] into routing values in file order.
func (c *Config) RouteList() ([]routing.Route, error) {
	out := make([]routing.Route, 0, len(c.Routes))
	for i, rc := range c.Routes {
		r := routing.Route{
			Name:     rc.Name,
			Default:  rc.Default,
			Target:   strings.TrimSpace(rc.Target),
			Failover: strings.TrimSpace(rc.Failover),
		}
		for _, raw := range rc.MTIs {
			mti, err := iso8583.ParseMTI(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("routes[%d] (%s): %w", i, rc.Name, err)
			}
			r.MTIs = append(r.MTIs, mti)
		}
		for _, raw := range rc.Kinds {
			r.Kinds = append(r.Kinds, iso8583.Kind(strings.ToLower(strings.TrimSpace(raw))))
		}
		for _, raw := range rc.ProcessingCodes {
			r.ProcessingCodePrefixes = append(r.ProcessingCodePrefixes, strings.TrimSpace(raw))
		}
		for _, rg := range rc.Ranges {
			r.Ranges = append(r.Ranges, routing.FieldRange{
				Field: rg.Field,
				Low:   strings.TrimSpace(rg.Low),
				High:  strings.TrimSpace(rg.High),
			})
		}
		out = append(out, r)
	}
	return out, nil
}

// RouteTable builds the immutable routing snapshot.
func (c *Config) RouteTable() (*routing.Table, error) {
	routes, err := c.RouteList()
	if err != nil {
		return nil, err
	}
	return routing.NewTable(routes)
}

// LoadDictionary returns the configured field dictionary.
func (c *Config) LoadDictionary() (*iso8583.Dictionary, error) {
	if c.Dictionary.Path == "" {
		return iso8583.DefaultDictionary(), nil
	}
	return iso8583.LoadDictionaryFile(c.Dictionary.Path)
}

func (c *Config) MonitoringServer() observability.ServerConfig {
	return observability.ServerConfig{
		ListenAddr:      c.Monitoring.ListenAddr,
		ShutdownTimeout: c.Monitoring.ShutdownTimeout.Std(),
		Token:           c.Monitoring.Token,
		CORSOrigins:     c.Monitoring.CORSOrigins,
	}
}

func (c *Config) RelaySettings() relay.Config {
	return relay.Config{
		ListenAddr:            c.Ingress.ListenAddr,
		MaxConnections:        c.Ingress.MaxConnections,
		ReusePort:             c.Ingress.ReusePort,
		Ingress:               c.IngressSession(),
		Frame:                 c.FrameSettings(),
		ShutdownTimeout:       c.Relay.ShutdownTimeout.Std(),
		ReversalMaxAttempts:   c.Relay.ReversalMaxAttempts,
		ReversalRetryInterval: c.Relay.ReversalRetryInterval.Std(),
		ReversalStorePath:     c.Relay.ReversalStore,
		DuplicateWindow:       c.Relay.DuplicateWindow.Std(),
		DuplicateEntries:      c.Relay.DuplicateEntries,
	}
}

// RelayParams assembles everything relay.New needs.
func (c *Config) RelayParams(sink observability.Sink, log zerolog.Logger) (relay.Params, error) {
	dict, err := c.LoadDictionary()
	if err != nil {
		return relay.Params{}, &ConfigurationError{Path: c.path, Err: err}
	}
	table, err := c.RouteTable()
	if err != nil {
		return relay.Params{}, &ConfigurationError{Path: c.path, Err: err}
	}
	return relay.Params{
		Config:     c.RelaySettings(),
		Endpoints:  c.EndpointList(),
		Routes:     table,
		Dictionary: dict,
		Circuit:    c.CircuitSettings(),
		Shards:     c.Correlation.Shards,
		Sink:       sink,
		Logger:     log,
	}, nil
}
