package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordTransaction("issuer-a", "response", 40*time.Millisecond)
	RecordRoute("visa", "issuer-a", "target")
	RecordProtocolError("ingress", "decode")
	RecordReversal("issuer-a", "queued")
	SetCircuitOpen("issuer-a", true)
	AddIngressConnections(1)
	AddIngressConnections(-1)
}

func TestSetSessionStateIsExclusive(t *testing.T) {
	testlog.Start(t)
	SetSessionState("issuer-state", "connecting")
	SetSessionState("issuer-state", "connected")
	if got := testutil.ToFloat64(sessionState.WithLabelValues("issuer-state", "connected")); got != 1 {
		t.Fatalf("connected gauge=%v", got)
	}
	if got := testutil.ToFloat64(sessionState.WithLabelValues("issuer-state", "connecting")); got != 0 {
		t.Fatalf("connecting gauge=%v", got)
	}
}

func TestRecorderLogsAndCounts(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	rec := NewRecorder(zerolog.New(&buf))

	before := testutil.ToFloat64(transactions.WithLabelValues("issuer-rec", "timeout"))
	rec.Emit(Event{Kind: EventTimeout, Endpoint: "issuer-rec", Trace: "000042", Latency: time.Second, Err: errors.New("deadline")})
	after := testutil.ToFloat64(transactions.WithLabelValues("issuer-rec", "timeout"))
	if after != before+1 {
		t.Fatalf("timeout counter before=%v after=%v", before, after)
	}
	line := buf.String()
	for _, want := range []string{`"level":"warn"`, `"endpoint":"issuer-rec"`, `"trace":"000042"`, `"message":"timeout"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %s: %s", want, line)
		}
	}
}

type kindLog []EventKind

func (l *kindLog) Emit(e Event) { *l = append(*l, e.Kind) }

func TestFanoutFeedsSummary(t *testing.T) {
	testlog.Start(t)
	var got kindLog
	summary := NewSummary()
	sink := Fanout{NopSink{}, &got, summary}
	sink.Emit(Event{Kind: EventRouted})
	sink.Emit(Event{Kind: EventReversal, To: "queued"})
	sink.Emit(Event{Kind: EventReversal, To: "acknowledged"})
	if len(got) != 3 || got[0] != EventRouted || got[2] != EventReversal {
		t.Fatalf("unexpected events: %v", got)
	}
	snap := summary.Snapshot()
	if snap.Events[EventReversal] != 2 || snap.Events[EventRouted] != 1 {
		t.Fatalf("unexpected event totals: %+v", snap.Events)
	}
	if snap.Reversals["queued"] != 1 || snap.Reversals["acknowledged"] != 1 {
		t.Fatalf("unexpected reversal totals: %+v", snap.Reversals)
	}
}

type fixedStatus Status

func (f fixedStatus) Status() Status { return Status(f) }

func TestServerReadyReflectsStatus(t *testing.T) {
	testlog.Start(t)
	srv := NewServer(ServerConfig{}, fixedStatus{
		Ready:     false,
		Endpoints: []EndpointStatus{{ID: "issuer-a", State: "connecting", Circuit: "closed"}},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status=%d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode ready body: %v", err)
	}
	if len(st.Endpoints) != 1 || st.Endpoints[0].State != "connecting" {
		t.Fatalf("unexpected status body: %+v", st)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "isorelay_http_requests_total") {
		t.Fatalf("metrics endpoint missing relay series: status=%d", rec.Code)
	}
}

func TestServerTokenGuardsReadyAndMetrics(t *testing.T) {
	testlog.Start(t)
	srv := NewServer(ServerConfig{Token: "s3cret"}, fixedStatus{Ready: true}, zerolog.Nop())

	get := func(path, header string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := get("/health", ""); code != http.StatusOK {
		t.Fatalf("health should stay open, status=%d", code)
	}
	for _, path := range []string{"/ready", "/metrics"} {
		if code := get(path, ""); code != http.StatusUnauthorized {
			t.Fatalf("%s without token status=%d", path, code)
		}
		if code := get(path, "Bearer nope"); code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token status=%d", path, code)
		}
		if code := get(path, "Bearer s3cret"); code != http.StatusOK {
			t.Fatalf("%s with token status=%d", path, code)
		}
	}
}

func TestServerStatusCarriesSummary(t *testing.T) {
	testlog.Start(t)
	summary := NewSummary()
	summary.Emit(Event{Kind: EventCompleted, To: "00"})
	srv := NewServer(ServerConfig{}, fixedStatus{Ready: true, PendingReversals: 2}, zerolog.Nop(), WithSummary(summary))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code=%d", rec.Code)
	}
	var body struct {
		Status  Status          `json:"status"`
		Summary SummarySnapshot `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if body.Status.PendingReversals != 2 || body.Summary.Events[EventCompleted] != 1 {
		t.Fatalf("unexpected status body: %s", rec.Body.String())
	}
}

func TestServerCORSAllowsConfiguredOrigins(t *testing.T) {
	testlog.Start(t)
	srv := NewServer(ServerConfig{CORSOrigins: []string{"https://ops.example.com"}}, fixedStatus{Ready: true}, zerolog.Nop())

	get := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := get("https://ops.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin status=%d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("allow origin header=%q", got)
	}
	if rec := get("https://elsewhere.example.com"); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin status=%d", rec.Code)
	}
}
