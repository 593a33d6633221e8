package observability

import "sync"

// Summary counts events by kind, and reversal events by step, for the JSON
// /status view. It is a Sink.
type Summary struct {
	mu        sync.Mutex
	events    map[EventKind]uint64
	reversals map[string]uint64
}

func NewSummary() *Summary {
	return &Summary{
		events:    make(map[EventKind]uint64),
		reversals: make(map[string]uint64),
	}
}

func (s *Summary) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.Kind]++
	if e.Kind == EventReversal && e.To != "" {
		s.reversals[e.To]++
	}
}

// SummarySnapshot is the point-in-time copy /status serves.
type SummarySnapshot struct {
	Events    map[EventKind]uint64 `json:"events"`
	Reversals map[string]uint64    `json:"reversals"`
}

func (s *Summary) Snapshot() SummarySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SummarySnapshot{
		Events:    make(map[EventKind]uint64, len(s.events)),
		Reversals: make(map[string]uint64, len(s.reversals)),
	}
	for k, v := range s.events {
		out.Events[k] = v
	}
	for k, v := range s.reversals {
		out.Reversals[k] = v
	}
	return out
}
