package correlation

import (
	"container/heap"
	"sync"
	"time"
)

// deadlineHeap orders pending transactions by deadline, then registration.
type deadlineHeap []*Pending

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	p := x.(*Pending)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// deadlines is the sweeper's timer queue.
type deadlines struct {
	mu sync.Mutex
	h  deadlineHeap
}

// push adds p and reports whether it became the earliest deadline.
func (d *deadlines) push(p *Pending) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	heap.Push(&d.h, p)
	return p.index == 0
}

func (d *deadlines) remove(p *Pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.index >= 0 && p.index < len(d.h) && d.h[p.index] == p {
		heap.Remove(&d.h, p.index)
	}
}

// next returns the earliest deadline, or zero when empty.
func (d *deadlines) next() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.h) == 0 {
		return time.Time{}
	}
	return d.h[0].Deadline
}

// popExpired removes every entry whose deadline is not after now.
func (d *deadlines) popExpired(now time.Time) []*Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Pending
	for len(d.h) > 0 && !d.h[0].Deadline.After(now) {
		out = append(out, heap.Pop(&d.h).(*Pending))
	}
	return out
}
