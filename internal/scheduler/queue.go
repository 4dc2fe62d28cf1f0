package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/softcane/neurosched/internal/cluster"
)

// pendingItem tracks one queued unit plus its retry state.
type pendingItem struct {
	unit      cluster.Unit
	attempts  int
	notBefore time.Time
}

// Queue holds units awaiting a placement decision. Ordering is FIFO by unit
// creation time with the namespace/name identity as the tie-break, so two
// replicas created in the same instant dequeue in a stable order. Units in
// backoff stay queued but are skipped until their retry time passes.
type Queue struct {
	mu    sync.Mutex
	items map[string]*pendingItem
}

// NewQueue creates an empty pending queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*pendingItem)}
}

// Add enqueues a unit unless it is already present. Re-adding a known unit
// refreshes its spec but keeps its retry state.
func (q *Queue) Add(u cluster.Unit) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := u.Key()
	if item, ok := q.items[key]; ok {
		item.unit = u
		return
	}
	q.items[key] = &pendingItem{unit: u}
}

// Pop removes and returns the next eligible unit along with its prior
// attempt count. The boolean is false when every queued unit is still
// backing off or the queue is empty.
func (q *Queue) Pop(now time.Time) (cluster.Unit, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *pendingItem
	for _, item := range q.items {
		if item.notBefore.After(now) {
			continue
		}
		if best == nil || before(item, best) {
			best = item
		}
	}
	if best == nil {
		return cluster.Unit{}, 0, false
	}
	delete(q.items, best.unit.Key())
	return best.unit, best.attempts, true
}

func before(a, b *pendingItem) bool {
	if !a.unit.CreatedAt.Equal(b.unit.CreatedAt) {
		return a.unit.CreatedAt.Before(b.unit.CreatedAt)
	}
	return a.unit.Key() < b.unit.Key()
}

// Requeue returns a unit to the queue with an exponential backoff capped at
// max. The attempt counter survives re-adds so repeated failures keep
// stretching the delay.
func (q *Queue) Requeue(u cluster.Unit, attempts int, initial, max time.Duration) {
	backoff := initial
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	if backoff > max {
		backoff = max
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[u.Key()] = &pendingItem{
		unit:      u,
		attempts:  attempts,
		notBefore: time.Now().Add(backoff),
	}
}

// Remove drops a unit, typically because it was deleted or bound elsewhere.
func (q *Queue) Remove(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, key)
}

// Len returns the number of queued units, including those in backoff.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Keys returns the queued unit identities in dequeue order, for the
// management API.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*pendingItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return before(items[i], items[j]) })

	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.unit.Key()
	}
	return keys
}
