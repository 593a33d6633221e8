package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/iso-relayer/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// EndpointStatus is the health view of one egress endpoint.
type EndpointStatus struct {
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	State           string    `json:"state"`
	Circuit         string    `json:"circuit"`
	Failures        int       `json:"failures"`
	Pending         int       `json:"pending"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
	LastActivity    time.Time `json:"last_activity,omitempty"`
}

// Status is what /ready reports.
type Status struct {
	Ready              bool             `json:"ready"`
	Draining           bool             `json:"draining"`
	IngressConnections int              `json:"ingress_connections"`
	Routes             int              `json:"routes"`
	PendingReversals   int              `json:"pending_reversals"`
	Endpoints          []EndpointStatus `json:"endpoints"`
}

type StatusProvider interface {
	Status() Status
}

type ServerConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
	// Token, when set, is required as a bearer token on every route but
	// /health.
	Token string
	// CORSOrigins enables cross-origin GETs from dashboards at these origins.
	CORSOrigins []string
}

type ServerOption func(*Server)

// WithSummary serves s as the event totals on /status.
func WithSummary(summary *Summary) ServerOption {
	return func(s *Server) { s.summary = summary }
}

// Server is the read-only monitoring surface: /health, /ready, /status and
// /metrics.
type Server struct {
	cfg      ServerConfig
	log      zerolog.Logger
	provider StatusProvider
	summary  *Summary
	router   *gin.Engine
	http     *http.Server
	started  time.Time

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(cfg ServerConfig, provider StatusProvider, log zerolog.Logger, opts ...ServerOption) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "monitoring").Logger(),
		provider: provider,
		router:   gin.New(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(gin.Recovery(), RequestLogger(s.log), RequestMetricsMiddleware())
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s.registerRoutes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "iso-relayer",
		})
	})

	guarded := s.router.Group("/")
	if s.cfg.Token != "" {
		guarded.Use(RequireToken(auth.StaticToken{Token: s.cfg.Token}))
	}

	guarded.GET("/ready", func(c *gin.Context) {
		st := s.provider.Status()
		code := http.StatusOK
		if !st.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, st)
	})

	guarded.GET("/status", func(c *gin.Context) {
		body := gin.H{"status": s.provider.Status()}
		if s.summary != nil {
			body["summary"] = s.summary.Snapshot()
		}
		c.JSON(http.StatusOK, body)
	})

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("monitoring server starting")
	err = s.http.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("monitoring server stopped")
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
