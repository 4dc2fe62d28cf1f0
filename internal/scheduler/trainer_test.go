package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/softcane/neurosched/internal/config"
	"github.com/softcane/neurosched/internal/model"
)

func fillBuffer(buf *model.Buffer, n int) {
	state := make([]float64, model.FeatureCount)
	next := make([]float64, model.FeatureCount)
	for i := range state {
		state[i] = 0.5
		next[i] = 0.25
	}
	for i := 0; i < n; i++ {
		buf.Push(model.Experience{Seq: uint64(i + 1), State: state, Reward: 0.7, NextState: next})
	}
}

func TestTrain_SkipsWhenBufferTooSmall(t *testing.T) {
	buf := model.NewBuffer(100, 1)
	fillBuffer(buf, 3)

	m := model.New(model.Options{Seed: 1})
	trainer := NewTrainer(m, buf, config.TrainingConfig{BatchSize: 8}, "", nil)

	summary := trainer.Train(1, false)
	if summary.Completed != 0 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v, want 0 completed, 1 skipped", summary)
	}
	if m.Version() != 0 {
		t.Fatalf("skipped run must not bump version, got %d", m.Version())
	}
}

func TestTrain_RunsEpisodesAndCheckpoints(t *testing.T) {
	buf := model.NewBuffer(100, 1)
	fillBuffer(buf, 16)

	path := filepath.Join(t.TempDir(), "model.json")
	m := model.New(model.Options{LearningRate: 0.01, Seed: 1})
	trainer := NewTrainer(m, buf, config.TrainingConfig{BatchSize: 8}, path, nil)

	summary := trainer.Train(3, true)
	if summary.Completed != 3 {
		t.Fatalf("completed = %d, want 3", summary.Completed)
	}
	if summary.ModelVersion != 3 {
		t.Fatalf("model version = %d, want 3", summary.ModelVersion)
	}
	if !summary.Checkpointed {
		t.Fatal("expected checkpoint to be written")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	if got := trainer.Last(); got != summary {
		t.Fatalf("Last = %+v, want %+v", got, summary)
	}
}

func TestNotify_CoalescesPendingRequests(t *testing.T) {
	m := model.New(model.Options{Seed: 1})
	trainer := NewTrainer(m, model.NewBuffer(10, 1), config.TrainingConfig{BatchSize: 4}, "", nil)

	trainer.Notify()
	trainer.Notify()
	trainer.Notify()

	if got := len(trainer.notify); got != 1 {
		t.Fatalf("pending notifications = %d, want 1 (coalesced)", got)
	}
}
