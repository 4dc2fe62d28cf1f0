package scheduler

import (
	"testing"
	"time"

	"github.com/softcane/neurosched/internal/cluster"
)

func TestQueue_FIFOWithIdentityTieBreak(t *testing.T) {
	q := NewQueue()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Same creation instant: identity decides. Later creation dequeues last.
	q.Add(cluster.Unit{Namespace: "default", Name: "b", CreatedAt: base})
	q.Add(cluster.Unit{Namespace: "default", Name: "a", CreatedAt: base})
	q.Add(cluster.Unit{Namespace: "default", Name: "c", CreatedAt: base.Add(-time.Minute)})

	now := time.Now()
	want := []string{"default/c", "default/a", "default/b"}
	for _, key := range want {
		u, _, ok := q.Pop(now)
		if !ok {
			t.Fatalf("expected unit %s, queue empty", key)
		}
		if u.Key() != key {
			t.Fatalf("popped %s, want %s", u.Key(), key)
		}
	}
	if _, _, ok := q.Pop(now); ok {
		t.Fatal("queue should be empty")
	}
}

func TestQueue_AddIsIdempotent(t *testing.T) {
	q := NewQueue()
	u := cluster.Unit{Namespace: "default", Name: "a"}
	q.Add(u)
	u.MilliCPU = 500
	q.Add(u)

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	got, _, ok := q.Pop(time.Now())
	if !ok || got.MilliCPU != 500 {
		t.Fatalf("re-add should refresh the spec, got %+v", got)
	}
}

func TestQueue_BackoffDelaysPop(t *testing.T) {
	q := NewQueue()
	u := cluster.Unit{Namespace: "default", Name: "a"}
	q.Requeue(u, 1, time.Hour, 2*time.Hour)

	if _, _, ok := q.Pop(time.Now()); ok {
		t.Fatal("unit in backoff must not pop")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (backoff keeps the unit queued)", q.Len())
	}

	got, attempts, ok := q.Pop(time.Now().Add(3 * time.Hour))
	if !ok {
		t.Fatal("unit should pop after backoff elapses")
	}
	if got.Key() != "default/a" || attempts != 1 {
		t.Fatalf("popped %s with %d attempts", got.Key(), attempts)
	}
}

func TestQueue_ZeroBackoffIsImmediatelyEligible(t *testing.T) {
	q := NewQueue()
	q.Requeue(cluster.Unit{Namespace: "default", Name: "a"}, 3, 0, 0)

	if _, attempts, ok := q.Pop(time.Now().Add(time.Millisecond)); !ok || attempts != 3 {
		t.Fatalf("zero-backoff requeue should pop immediately, ok=%v attempts=%d", ok, attempts)
	}
}

func TestQueue_RemoveAndKeys(t *testing.T) {
	q := NewQueue()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.Add(cluster.Unit{Namespace: "default", Name: "a", CreatedAt: base})
	q.Add(cluster.Unit{Namespace: "default", Name: "b", CreatedAt: base.Add(time.Second)})

	keys := q.Keys()
	if len(keys) != 2 || keys[0] != "default/a" || keys[1] != "default/b" {
		t.Fatalf("Keys = %v", keys)
	}

	q.Remove("default/a")
	if q.Len() != 1 {
		t.Fatalf("Len after remove = %d, want 1", q.Len())
	}
}
