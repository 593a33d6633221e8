package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/rs/zerolog"
)

// PendingReversal is one reversal awaiting an issuer acknowledgement.
type PendingReversal struct {
	Key           string
	EndpointID    string
	Message       *iso8583.Message
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
}

// ReversalKey identifies a reversal by endpoint and the original data
// elements it reverses, so a re-queued reversal replaces the earlier one.
func ReversalKey(endpointID string, reversal *iso8583.Message) string {
	orig, _ := reversal.Get(iso8583.FieldOriginalData)
	return strings.TrimSpace(endpointID) + "/" + orig
}

// ReversalStore persists outbox items so queued reversals survive a
// restart.
type ReversalStore interface {
	Put(item PendingReversal) error
	Delete(key string) error
	Load() ([]PendingReversal, error)
	Close() error
}

type OutboxOption func(*ReversalOutbox)

// WithStore writes every change through to store. Write failures are
// logged; the in-memory outbox stays authoritative for this process.
func WithStore(store ReversalStore) OutboxOption {
	return func(o *ReversalOutbox) { o.store = store }
}

func WithOutboxLogger(log zerolog.Logger) OutboxOption {
	return func(o *ReversalOutbox) { o.log = log }
}

// ReversalOutbox stores reversals until the issuer answers them.
type ReversalOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingReversal
	store ReversalStore
	log   zerolog.Logger
}

func NewReversalOutbox(opts ...OutboxOption) *ReversalOutbox {
	o := &ReversalOutbox{
		items: make(map[string]PendingReversal),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OpenReversalOutbox returns an outbox backed by store, preloaded with
// whatever the store still holds.
func OpenReversalOutbox(store ReversalStore, opts ...OutboxOption) (*ReversalOutbox, error) {
	o := NewReversalOutbox(append(opts, WithStore(store))...)
	items, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		o.items[item.Key] = item
	}
	if len(items) > 0 {
		o.log.Info().Int("reversals", len(items)).Msg("reversal outbox restored")
	}
	return o, nil
}

func (o *ReversalOutbox) Upsert(item PendingReversal) {
	key := strings.TrimSpace(item.Key)
	if key == "" {
		return
	}
	item.Key = key
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
	o.persist(item)
}

// MarkAttempt records a send attempt and when the next one is due.
func (o *ReversalOutbox) MarkAttempt(key string, at time.Time, lastErr string, next time.Time) (PendingReversal, bool) {
	key = strings.TrimSpace(key)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingReversal{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.NextAttemptAt = next
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	o.persist(item)
	return item, true
}

func (o *ReversalOutbox) Remove(key string) {
	key = strings.TrimSpace(key)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[key]; !ok {
		return
	}
	delete(o.items, key)
	if o.store != nil {
		if err := o.store.Delete(key); err != nil {
			o.log.Error().Err(err).Str("reversal", key).Msg("reversal not removed from store")
		}
	}
}

func (o *ReversalOutbox) persist(item PendingReversal) {
	if o.store == nil {
		return
	}
	if err := o.store.Put(item); err != nil {
		o.log.Error().Err(err).Str("reversal", item.Key).Msg("reversal not persisted")
	}
}

func (o *ReversalOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// PendingFor counts the reversals queued for one endpoint.
func (o *ReversalOutbox) PendingFor(endpointID string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, item := range o.items {
		if item.EndpointID == endpointID {
			n++
		}
	}
	return n
}

func (o *ReversalOutbox) List() []PendingReversal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingReversal, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Due returns items whose next attempt is at or before now, oldest first.
func (o *ReversalOutbox) Due(now time.Time) []PendingReversal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingReversal, 0)
	for _, item := range o.items {
		if !item.NextAttemptAt.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Close releases the backing store, if any.
func (o *ReversalOutbox) Close() error {
	if o.store == nil {
		return nil
	}
	return o.store.Close()
}
