package correlation

import (
	"context"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
)

// Key identifies one in-flight transaction: the endpoint it was dispatched to
// and the trace number assigned for that endpoint.
type Key struct {
	Endpoint string
	Trace    string
}

func (k Key) String() string {
	return k.Endpoint + "/" + k.Trace
}

// Result is the terminal outcome of a transaction. Exactly one of Response
// and Err is set.
type Result struct {
	Response *iso8583.Message
	Err      error
	Latency  time.Duration
}

// Pending is one registered transaction. Fields are fixed at registration.
type Pending struct {
	Key Key
	// Origin names the ingress connection awaiting the result.
	Origin string
	// OriginTrace is the trace number the originator sent, restored on reply.
	OriginTrace string
	// Original is the request as received; Request is the dispatched copy
	// carrying the assigned trace.
	Original   *iso8583.Message
	Request    *iso8583.Message
	Registered time.Time
	Deadline   time.Time

	result chan Result
	seq    uint64
	index  int
	slot   bool
}

// Done yields exactly one Result.
func (p *Pending) Done() <-chan Result {
	return p.result
}

// Wait blocks for the result. A cancelled ctx stops the wait only; the
// transaction still completes or times out in the engine.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) deliver(res Result) {
	res.Latency = time.Since(p.Registered)
	p.result <- res
}
