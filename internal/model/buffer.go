package model

import (
	"fmt"
	"math/rand"
	"sync"
)

// Experience is one completed placement outcome: the state-action features,
// the observed reward, and the post-commit state used for bootstrapping.
type Experience struct {
	// Seq is the global commit sequence number of the decision that produced
	// this experience.
	Seq uint64

	// State is the feature vector of the chosen (unit, node) action against
	// the pre-commit snapshot.
	State []float64

	Reward float64

	// NextState is the feature vector of the same action against the
	// post-commit projected snapshot.
	NextState []float64

	// Terminal marks experiences with no meaningful successor state.
	Terminal bool
}

// Buffer is a fixed-capacity FIFO ring of experiences. When full, pushing
// evicts the oldest entry. Safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	items []Experience
	head  int
	size  int
	rng   *rand.Rand
}

// NewBuffer creates a buffer holding at most capacity experiences.
func NewBuffer(capacity int, seed int64) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		items: make([]Experience, capacity),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Push appends an experience, evicting the oldest when the buffer is full.
func (b *Buffer) Push(exp Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.size) % len(b.items)
	b.items[tail] = exp
	if b.size < len(b.items) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.items)
	}
}

// Sample returns n experiences drawn uniformly without replacement. It fails
// when fewer than n experiences are stored; callers treat that as a skipped
// training run, not an error to retry.
func (b *Buffer) Sample(n int) ([]Experience, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if b.size < n {
		return nil, fmt.Errorf("buffer holds %d experiences, need %d", b.size, n)
	}

	idx := b.rng.Perm(b.size)[:n]
	out := make([]Experience, n)
	for i, j := range idx {
		out[i] = b.items[(b.head+j)%len(b.items)]
	}
	return out, nil
}

// Snapshot returns the stored experiences oldest-first.
func (b *Buffer) Snapshot() []Experience {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Experience, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Len returns the number of stored experiences.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.items)
}
