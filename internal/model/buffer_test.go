package model

import (
	"testing"
)

func TestBuffer_EvictsOldestWhenFull(t *testing.T) {
	buf := NewBuffer(100, 1)
	for i := 1; i <= 150; i++ {
		buf.Push(Experience{Seq: uint64(i)})
	}

	if buf.Len() != 100 {
		t.Fatalf("Len = %d, want 100", buf.Len())
	}
	if buf.Cap() != 100 {
		t.Fatalf("Cap = %d, want 100", buf.Cap())
	}

	got := buf.Snapshot()
	for i, exp := range got {
		want := uint64(51 + i)
		if exp.Seq != want {
			t.Fatalf("position %d holds seq %d, want %d", i, exp.Seq, want)
		}
	}
}

func TestBuffer_SampleWithoutReplacement(t *testing.T) {
	buf := NewBuffer(20, 1)
	for i := 1; i <= 10; i++ {
		buf.Push(Experience{Seq: uint64(i)})
	}

	batch, err := buf.Sample(10)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	seen := make(map[uint64]bool)
	for _, exp := range batch {
		if seen[exp.Seq] {
			t.Fatalf("seq %d sampled twice", exp.Seq)
		}
		seen[exp.Seq] = true
	}
	if len(seen) != 10 {
		t.Fatalf("sampled %d distinct experiences, want 10", len(seen))
	}
}

func TestBuffer_SampleInsufficient(t *testing.T) {
	buf := NewBuffer(10, 1)
	buf.Push(Experience{Seq: 1})
	buf.Push(Experience{Seq: 2})

	if _, err := buf.Sample(5); err == nil {
		t.Fatal("expected error when buffer holds fewer experiences than requested")
	}
	if _, err := buf.Sample(0); err == nil {
		t.Fatal("expected error for non-positive sample size")
	}
}
