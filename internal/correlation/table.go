package correlation

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shard is one lock domain of the pending table.
type shard struct {
	mu    sync.Mutex
	items map[Key]*Pending
}

type table struct {
	shards []shard
}

func newTable(n int) *table {
	if n <= 0 {
		n = 32
	}
	t := &table{shards: make([]shard, n)}
	for i := range t.shards {
		t.shards[i].items = make(map[Key]*Pending)
	}
	return t
}

func (t *table) shardFor(k Key) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(k.Endpoint)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.Trace)
	return &t.shards[h.Sum64()%uint64(len(t.shards))]
}

// insert stores p unless its key is taken.
func (t *table) insert(p *Pending) bool {
	s := t.shardFor(p.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.items[p.Key]; taken {
		return false
	}
	s.items[p.Key] = p
	return true
}

// take removes and returns the entry for k. Only one caller can ever win a
// given entry.
func (t *table) take(k Key) (*Pending, bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[k]
	if ok {
		delete(s.items, k)
	}
	return p, ok
}

// takeExact removes k only while it still maps to p.
func (t *table) takeExact(k Key, p *Pending) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[k]; ok && cur == p {
		delete(s.items, k)
		return true
	}
	return false
}

func (t *table) has(k Key) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[k]
	return ok
}

// drain removes every entry for which match returns true.
func (t *table) drain(match func(*Pending) bool) []*Pending {
	var out []*Pending
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, p := range s.items {
			if match(p) {
				delete(s.items, k)
				out = append(out, p)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (t *table) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
