// Package relay wires ingress connections, the router, endpoint sessions and
// the correlation engine into one request pipeline and owns shutdown.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/iso-relayer/internal/circuit"
	"github.com/danmuck/iso-relayer/internal/correlation"
	"github.com/danmuck/iso-relayer/internal/endpoint"
	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/protocol/frame"
	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/protocol/session"
	"github.com/danmuck/iso-relayer/internal/routing"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("relay: already started")
	ErrNotStarted     = errors.New("relay: not started")
	ErrUnknownTarget  = errors.New("relay: route references unknown endpoint")
	// ErrForcedShutdown means the shutdown deadline passed before every
	// endpoint drained; what was left was closed or dropped.
	ErrForcedShutdown       = errors.New("relay: shutdown forced")
	ErrReversalsOutstanding = errors.New("relay: reversals not acknowledged")
)

// Config holds the orchestrator settings. Endpoint and route definitions
// travel separately in Params.
type Config struct {
	ListenAddr     string
	MaxConnections int
	ReusePort      bool
	// Ingress carries the listener's security mode, TLS files and timeouts.
	Ingress               session.Config
	Frame                 frame.Config
	ShutdownTimeout       time.Duration
	ReversalMaxAttempts   int
	ReversalRetryInterval time.Duration
	// ReversalStorePath keeps the reversal outbox in a bbolt file when set.
	ReversalStorePath string
	// DuplicateWindow is how long completed ingress requests are remembered
	// for duplicate detection; negative disables it.
	DuplicateWindow  time.Duration
	DuplicateEntries int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":8583",
		MaxConnections:        1024,
		Ingress:               session.Config{WriteTimeout: 5 * time.Second},
		Frame:                 frame.DefaultConfig(),
		ShutdownTimeout:       30 * time.Second,
		ReversalMaxAttempts:   5,
		ReversalRetryInterval: 10 * time.Second,
		DuplicateWindow:       time.Minute,
		DuplicateEntries:      65536,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Frame.PrefixWidth == 0 && c.Frame.MaxFrameBytes == 0 {
		c.Frame = d.Frame
	}
	if c.Ingress.WriteTimeout <= 0 {
		c.Ingress.WriteTimeout = d.Ingress.WriteTimeout
	}
	if c.Ingress.HandshakeTimeout <= 0 {
		c.Ingress.HandshakeTimeout = session.DefaultConfig().HandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ReversalMaxAttempts <= 0 {
		c.ReversalMaxAttempts = d.ReversalMaxAttempts
	}
	if c.ReversalRetryInterval <= 0 {
		c.ReversalRetryInterval = d.ReversalRetryInterval
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.DuplicateEntries <= 0 {
		c.DuplicateEntries = d.DuplicateEntries
	}
	return c
}

// Params are the validated inputs of New.
type Params struct {
	Config     Config
	Endpoints  []endpoint.Endpoint
	Routes     *routing.Table
	Dictionary *iso8583.Dictionary
	Circuit    circuit.Config
	Shards     int
	Sink       observability.Sink
	Logger     zerolog.Logger
}

// Service is the relay orchestrator.
type Service struct {
	cfg     Config
	log     zerolog.Logger
	sink    observability.Sink
	codec   *iso8583.Codec
	engine  *correlation.Engine
	circuit *circuit.Controller
	manager *endpoint.Manager
	router  *routing.Router
	outbox  *session.ReversalOutbox

	ledger     *requestLedger
	dispatched *dispatchLog

	connsMu sync.Mutex
	conns   map[string]*ingressConn
	connWG  sync.WaitGroup
	active  atomic.Int64

	replying atomic.Int64
	work     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	runDone  chan struct{}

	started      atomic.Bool
	draining     atomic.Bool
	stopOnce     sync.Once
	stopErr      error
	reversalWake chan struct{}
	sending      sync.Map
}

func New(p Params) (*Service, error) {
	cfg := p.Config.withDefaults()
	if err := cfg.Frame.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Ingress.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if p.Routes == nil {
		return nil, fmt.Errorf("%w: no route table", routing.ErrNoRouteFound)
	}
	if err := checkTargets(p.Routes, p.Endpoints); err != nil {
		return nil, err
	}
	dict := p.Dictionary
	if dict == nil {
		dict = iso8583.DefaultDictionary()
	}
	sink := p.Sink
	if sink == nil {
		sink = observability.NopSink{}
	}

	log := p.Logger.With().Str("component", "relay").Logger()
	outbox, err := openOutbox(cfg.ReversalStorePath, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:          cfg,
		log:          log,
		sink:         sink,
		codec:        iso8583.NewCodec(dict),
		outbox:       outbox,
		ledger:       newRequestLedger(cfg.DuplicateEntries, cfg.DuplicateWindow),
		dispatched:   newDispatchLog(cfg.DuplicateEntries),
		conns:        make(map[string]*ingressConn),
		runDone:      make(chan struct{}),
		reversalWake: make(chan struct{}, 1),
	}
	s.engine = correlation.NewEngine(correlation.Config{Shards: p.Shards, OnExpire: s.onExpire}, p.Logger)
	s.circuit = circuit.NewController(p.Circuit, circuit.WithTransition(func(id string, from, to circuit.State) {
		s.sink.Emit(observability.Event{Kind: observability.EventCircuit, Endpoint: id, From: from.String(), To: to.String()})
	}))
	manager, err := endpoint.NewManager(p.Endpoints, endpoint.Deps{
		Frame:   cfg.Frame,
		Codec:   s.codec,
		Engine:  s.engine,
		Circuit: s.circuit,
		Inbound: s,
		Backlog: s,
		Sink:    sink,
		Logger:  p.Logger,
	})
	if err != nil {
		s.engine.Close()
		_ = s.outbox.Close()
		return nil, err
	}
	s.manager = manager
	s.router = routing.NewRouter(p.Routes, manager)
	return s, nil
}

func openOutbox(path string, log zerolog.Logger) (*session.ReversalOutbox, error) {
	if strings.TrimSpace(path) == "" {
		return session.NewReversalOutbox(session.WithOutboxLogger(log)), nil
	}
	store, err := session.OpenBoltStore(path)
	if err != nil {
		return nil, err
	}
	outbox, err := session.OpenReversalOutbox(store, session.WithOutboxLogger(log))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return outbox, nil
}

func checkTargets(t *routing.Table, endpoints []endpoint.Endpoint) error {
	known := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		known[ep.ID] = true
	}
	for _, id := range t.Endpoints() {
		if !known[id] {
			return fmt.Errorf("%w: %q", ErrUnknownTarget, id)
		}
	}
	return nil
}

// Start binds the ingress listener, connects every endpoint and begins
// accepting. It returns once the listener is bound.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ln, err := s.listen()
	if err != nil {
		s.engine.Close()
		s.manager.Close()
		_ = s.outbox.Close()
		close(s.runDone)
		return fmt.Errorf("relay: listen %s: %w", s.cfg.ListenAddr, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.manager.Start(runCtx)
	s.work.Add(1)
	go func() {
		defer s.work.Done()
		s.reversalLoop(runCtx)
	}()
	go func() {
		defer close(s.runDone)
		if err := s.serve(ln); err != nil {
			s.log.Error().Err(err).Msg("accept loop stopped")
		}
	}()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("endpoints", len(s.manager.Sessions())).
		Int("routes", s.router.Snapshot().Len()).
		Msg("relay listening")
	return nil
}

// Run starts the relay and blocks until ctx ends, then shuts down within
// the configured shutdown timeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Service) listen() (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.ReusePort {
		ln, err = reuseport.Listen("tcp", s.cfg.ListenAddr)
	} else {
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return nil, err
	}
	if !s.cfg.Ingress.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.Ingress.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Addr is the bound ingress address, empty before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if max := s.cfg.MaxConnections; max > 0 && s.active.Load() >= int64(max) {
			s.sink.Emit(observability.Event{Kind: observability.EventIngressReject, Conn: conn.RemoteAddr().String()})
			_ = conn.Close()
			continue
		}
		ic := s.trackConn(conn)
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ic)
		}()
	}
}

// ReloadRoutes publishes a new route table. In-flight requests keep the
// snapshot they were routed with.
func (s *Service) ReloadRoutes(t *routing.Table) error {
	if t == nil {
		return fmt.Errorf("%w: no route table", routing.ErrNoRouteFound)
	}
	eps := make([]endpoint.Endpoint, 0)
	for _, sess := range s.manager.Sessions() {
		eps = append(eps, sess.Endpoint())
	}
	if err := checkTargets(t, eps); err != nil {
		return err
	}
	s.router.Swap(t)
	s.sink.Emit(observability.Event{Kind: observability.EventRoutesReloaded, To: fmt.Sprintf("%d", t.Len())})
	return nil
}

// Shutdown stops accepting, drains every endpoint session and the requests
// awaiting them, then force-closes whatever is left when ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
	})
	return s.stopErr
}

func (s *Service) shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.log.Info().Int64("ingress_connections", s.active.Load()).Int("pending", s.engine.PendingCount("")).Msg("relay draining")

	var errs error
	s.mu.Lock()
	ln := s.listener
	cancel := s.cancel
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	<-s.runDone

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.manager.Drain(ctx)
	})
	g.Go(func() error {
		return s.waitReplies(gctx)
	})
	errs = multierr.Append(errs, g.Wait())

	s.closeAllConns()
	s.connWG.Wait()
	s.manager.Close()
	if cancel != nil {
		cancel()
	}
	// fails reversal attempts still awaiting an answer
	s.engine.Close()
	s.work.Wait()
	if left := s.outbox.List(); len(left) > 0 {
		keys := make([]string, 0, len(left))
		for _, item := range left {
			keys = append(keys, item.Key)
		}
		s.log.Warn().Strs("reversals", keys).Msg("reversals still queued at shutdown")
		errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrReversalsOutstanding, strings.Join(keys, ", ")))
	}
	if err := s.outbox.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil && ctx.Err() != nil {
		errs = fmt.Errorf("%w: %w", ErrForcedShutdown, errs)
	}
	s.log.Info().Err(errs).Msg("relay stopped")
	return errs
}

// waitReplies waits for every ingress request already being forwarded.
func (s *Service) waitReplies(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.replying.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay: %d replies outstanding: %w", s.replying.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Status implements observability.StatusProvider.
func (s *Service) Status() observability.Status {
	eps := s.manager.Status()
	ready := s.started.Load() && !s.draining.Load()
	if ready {
		ready = false
		for _, ep := range eps {
			if ep.State == endpoint.StateConnected.String() {
				ready = true
				break
			}
		}
	}
	return observability.Status{
		Ready:              ready,
		Draining:           s.draining.Load(),
		IngressConnections: int(s.active.Load()),
		Routes:             s.router.Snapshot().Len(),
		PendingReversals:   s.outbox.Len(),
		Endpoints:          eps,
	}
}

// Backlog implements endpoint.Backlog: a draining session stays open while
// reversals for it are queued.
func (s *Service) Backlog(endpointID string) int {
	return s.outbox.PendingFor(endpointID)
}

// Manager exposes the endpoint sessions.
func (s *Service) Manager() *endpoint.Manager {
	return s.manager
}

// PendingReversals lists reversals awaiting an issuer acknowledgement.
func (s *Service) PendingReversals() []session.PendingReversal {
	return s.outbox.List()
}
