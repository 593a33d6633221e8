package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CodeDuplicate answers a retransmission of a request still in flight.
const CodeDuplicate = "94"

type ledgerOutcome int

const (
	ledgerNew ledgerOutcome = iota
	ledgerInFlight
	ledgerReplay
)

type ledgerEntry struct {
	resp *iso8583.Message
	done time.Time
}

// requestLedger remembers recent acquirer requests so a retransmission is
// answered from the first attempt instead of reaching the issuer twice.
type requestLedger struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *ledgerEntry]
	window  time.Duration
}

// newRequestLedger returns nil, which tracks nothing, when window is
// negative.
func newRequestLedger(size int, window time.Duration) *requestLedger {
	if window < 0 || size <= 0 {
		return nil
	}
	entries, _ := lru.New[string, *ledgerEntry](size)
	return &requestLedger{entries: entries, window: window}
}

// key identifies a request per acquirer and terminal. Requests without a
// trace or transmission time cannot be told apart and are not tracked.
func (l *requestLedger) key(req *iso8583.Message) (string, bool) {
	if l == nil {
		return "", false
	}
	stan := req.STAN()
	sent, _ := req.Get(iso8583.FieldTransmissionDateTime)
	if stan == "" || sent == "" {
		return "", false
	}
	acq, _ := req.Get(iso8583.FieldAcquirerID)
	term, _ := req.Get(iso8583.FieldTerminalID)
	return strings.Join([]string{req.MTI.String(), stan, sent, acq, term}, "|"), true
}

// begin records key as in flight unless it is already known. A replay
// returns a copy of the earlier reply.
func (l *requestLedger) begin(key string, now time.Time) (ledgerOutcome, *iso8583.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries.Get(key); ok {
		if e.resp == nil {
			return ledgerInFlight, nil
		}
		if now.Sub(e.done) <= l.window {
			return ledgerReplay, e.resp.Clone()
		}
	}
	l.entries.Add(key, &ledgerEntry{})
	return ledgerNew, nil
}

// complete stores resp for replay. Replies the relay made up itself are
// forgotten so a retransmission is dispatched afresh.
func (l *requestLedger) complete(key string, resp *iso8583.Message, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if resp == nil || relayDeclined(resp) {
		l.entries.Remove(key)
		return
	}
	l.entries.Add(key, &ledgerEntry{resp: resp.Clone(), done: now})
}

func relayDeclined(resp *iso8583.Message) bool {
	code, _ := resp.Get(iso8583.FieldResponseCode)
	switch code {
	case CodeFormatError, CodeLateResponse, CodeIssuerDown, CodeRoutingFailure:
		return true
	}
	return false
}

// originalKeyLen covers MTI, trace, transmission time and acquirer id at
// the head of field 90.
const originalKeyLen = 4 + 6 + 10 + 11

type dispatchRecord struct {
	Endpoint string
	Trace    string
}

// dispatchLog maps a forwarded request's original data elements to the
// endpoint and trace it went out under, so a reversal the acquirer sends
// later names the transaction the issuer actually saw.
type dispatchLog struct {
	records *lru.Cache[string, dispatchRecord]
}

func newDispatchLog(size int) *dispatchLog {
	records, _ := lru.New[string, dispatchRecord](max(size, 1))
	return &dispatchLog{records: records}
}

func (d *dispatchLog) record(original *iso8583.Message, endpointID, trace string) {
	d.records.Add(original.OriginalData()[:originalKeyLen], dispatchRecord{Endpoint: endpointID, Trace: trace})
}

// rewrite returns a copy of rev whose field 90 carries the dispatched trace,
// and the endpoint the original went to. ok is false when rev does not
// reverse anything this relay forwarded.
func (d *dispatchLog) rewrite(rev *iso8583.Message) (*iso8583.Message, string, bool) {
	orig, found := rev.Get(iso8583.FieldOriginalData)
	if !found || len(orig) < originalKeyLen {
		return nil, "", false
	}
	rec, ok := d.records.Get(orig[:originalKeyLen])
	if !ok {
		return nil, "", false
	}
	out := rev.Clone()
	out.Set(iso8583.FieldOriginalData, orig[:4]+rec.Trace+orig[10:])
	return out, rec.Endpoint, true
}
