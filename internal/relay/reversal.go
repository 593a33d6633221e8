package relay

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/iso-relayer/internal/correlation"
	"github.com/danmuck/iso-relayer/internal/endpoint"
	"github.com/danmuck/iso-relayer/internal/observability"
	"github.com/danmuck/iso-relayer/internal/protocol/session"
)

const reversalOrigin = "reversal"

// onExpire runs on the correlation sweeper for timed out transactions that
// moved funds. It queues a reversal for the same endpoint and returns.
func (s *Service) onExpire(p *correlation.Pending) {
	rev, err := p.Request.Reversal()
	if err != nil {
		s.log.Error().Err(err).Str("endpoint", p.Key.Endpoint).Str("trace", p.Key.Trace).Msg("reversal not built")
		return
	}
	now := time.Now()
	key := session.ReversalKey(p.Key.Endpoint, rev)
	s.outbox.Upsert(session.PendingReversal{
		Key:           key,
		EndpointID:    p.Key.Endpoint,
		Message:       rev,
		QueuedAt:      now,
		NextAttemptAt: now,
	})
	s.sink.Emit(observability.Event{
		Kind:     observability.EventReversal,
		Endpoint: p.Key.Endpoint,
		MTI:      rev.MTI.String(),
		Trace:    p.Key.Trace,
		To:       "queued",
	})
	s.wakeReversals()
}

func (s *Service) wakeReversals() {
	select {
	case s.reversalWake <- struct{}{}:
	default:
	}
}

// reversalLoop sends queued reversals and retries unanswered ones every
// ReversalRetryInterval until acknowledged or out of attempts.
func (s *Service) reversalLoop(ctx context.Context) {
	tick := s.cfg.ReversalRetryInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reversalWake:
		case <-ticker.C:
		}
		for _, item := range s.outbox.Due(time.Now()) {
			if !s.reversalSendable(item.EndpointID) {
				continue
			}
			if _, busy := s.sending.LoadOrStore(item.Key, struct{}{}); busy {
				continue
			}
			inflight.Add(1)
			go func(item session.PendingReversal) {
				defer inflight.Done()
				defer s.sending.Delete(item.Key)
				s.sendReversal(ctx, item)
			}(item)
		}
	}
}

// reversalSendable holds reversals back while their endpoint is between
// connections, so a reconnect does not use up attempts. Draining sessions
// still take them.
func (s *Service) reversalSendable(endpointID string) bool {
	sess, err := s.manager.Session(endpointID)
	if err != nil {
		return true
	}
	st := sess.State()
	return st == endpoint.StateConnected || st == endpoint.StateDraining
}

// sendReversal makes one attempt. Any response from the endpoint
// acknowledges the reversal regardless of its response code.
func (s *Service) sendReversal(ctx context.Context, item session.PendingReversal) {
	attemptAt := time.Now()
	err := s.attemptReversal(ctx, item)
	if err == nil {
		s.outbox.Remove(item.Key)
		s.sink.Emit(observability.Event{
			Kind:     observability.EventReversal,
			Endpoint: item.EndpointID,
			MTI:      item.Message.MTI.String(),
			To:       "acknowledged",
			Latency:  time.Since(item.QueuedAt),
		})
		return
	}
	updated, ok := s.outbox.MarkAttempt(item.Key, attemptAt, err.Error(), time.Now().Add(s.cfg.ReversalRetryInterval))
	if !ok {
		return
	}
	if updated.Attempts >= s.cfg.ReversalMaxAttempts {
		s.outbox.Remove(item.Key)
		s.sink.Emit(observability.Event{
			Kind:     observability.EventReversal,
			Endpoint: item.EndpointID,
			MTI:      item.Message.MTI.String(),
			To:       "abandoned",
			Err:      err,
		})
		return
	}
	s.sink.Emit(observability.Event{
		Kind:     observability.EventReversal,
		Endpoint: item.EndpointID,
		MTI:      item.Message.MTI.String(),
		To:       "retry",
		Err:      err,
	})
}

func (s *Service) attemptReversal(ctx context.Context, item session.PendingReversal) error {
	sess, err := s.manager.Session(item.EndpointID)
	if err != nil {
		return err
	}
	p, err := sess.ExchangeReversal(ctx, reversalOrigin, item.Message)
	if err != nil {
		return err
	}
	s.sink.Emit(observability.Event{
		Kind:     observability.EventReversal,
		Endpoint: item.EndpointID,
		MTI:      item.Message.MTI.String(),
		Trace:    p.Key.Trace,
		To:       "sent",
	})
	res := <-p.Done()
	return res.Err
}
