package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "isorelay"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total monitoring HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Monitoring HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "transactions_total",
			Help:      "Relayed transactions by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "transaction_duration_seconds",
			Help:      "Time from dispatch to response or timeout.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint", "outcome"},
	)
	routeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "route_decisions_total",
			Help:      "Routing outcomes by route and endpoint.",
		},
		[]string{"route", "endpoint", "result"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Decode, frame and correlation anomalies.",
		},
		[]string{"source", "kind"},
	)
	reversals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reversals_total",
			Help:      "Reversal lifecycle steps by endpoint.",
		},
		[]string{"endpoint", "step"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "session_state",
			Help:      "1 for the current session state of each endpoint.",
		},
		[]string{"endpoint", "state"},
	)
	circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "circuit_open",
			Help:      "1 while the endpoint circuit is open.",
		},
		[]string{"endpoint"},
	)
	ingressConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "connections",
			Help:      "Open ingress connections.",
		},
	)
)

// SessionStates lists every state label exported by the session gauge.
var SessionStates = []string{"disconnected", "connecting", "connected", "draining"}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transactions,
			transactionDuration,
			routeDecisions,
			protocolErrors,
			reversals,
			sessionState,
			circuitOpen,
			ingressConnections,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransaction(endpoint, outcome string, duration time.Duration) {
	RegisterMetrics()
	transactions.WithLabelValues(endpoint, outcome).Inc()
	transactionDuration.WithLabelValues(endpoint, outcome).Observe(duration.Seconds())
}

func RecordRoute(route, endpoint, result string) {
	RegisterMetrics()
	routeDecisions.WithLabelValues(route, endpoint, result).Inc()
}

func RecordProtocolError(source, kind string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(source, kind).Inc()
}

func RecordReversal(endpoint, step string) {
	RegisterMetrics()
	reversals.WithLabelValues(endpoint, step).Inc()
}

// SetSessionState marks state as the only active state of endpoint.
func SetSessionState(endpoint, state string) {
	RegisterMetrics()
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(endpoint, s).Set(v)
	}
}

func SetCircuitOpen(endpoint string, open bool) {
	RegisterMetrics()
	v := 0.0
	if open {
		v = 1
	}
	circuitOpen.WithLabelValues(endpoint).Set(v)
}

func AddIngressConnections(delta int) {
	RegisterMetrics()
	ingressConnections.Add(float64(delta))
}
