package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := &Config{}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate on empty config should apply defaults: %v", err)
	}
	if cfg.Scheduler.Name != "neurosched" {
		t.Errorf("expected default scheduler name neurosched, got %q", cfg.Scheduler.Name)
	}
	if cfg.Model.EpsilonStart != 1.0 || cfg.Model.EpsilonMin != 0.01 || cfg.Model.EpsilonDecay != 0.995 {
		t.Errorf("unexpected epsilon defaults: %+v", cfg.Model)
	}
	if cfg.Training.BufferCapacity != 10000 || cfg.Training.BatchSize != 64 {
		t.Errorf("unexpected training defaults: %+v", cfg.Training)
	}
	if cfg.Reward.InfeasiblePenalty != -1.0 {
		t.Errorf("expected default infeasible penalty -1.0, got %v", cfg.Reward.InfeasiblePenalty)
	}
}

func TestValidate_DefaultRewardWeights(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	w := cfg.Reward.Weights
	if w.Utilization != 0.30 || w.LoadBalance != 0.25 || w.Latency != 0.25 ||
		w.Affinity != 0.10 || w.Consolidation != 0.10 {
		t.Errorf("unexpected default weights: %+v", w)
	}
}

func TestValidate_NormalizesRewardWeights(t *testing.T) {
	cfg := &Config{
		Reward: RewardConfig{
			Weights: RewardWeights{
				Utilization:   3,
				LoadBalance:   2.5,
				Latency:       2.5,
				Affinity:      1,
				Consolidation: 1,
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	w := cfg.Reward.Weights
	sum := w.Utilization + w.LoadBalance + w.Latency + w.Affinity + w.Consolidation
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights should be normalized to sum 1.0, got %v", sum)
	}
	if math.Abs(w.Utilization-0.30) > 1e-9 {
		t.Errorf("expected utilization weight 0.30 after normalization, got %v", w.Utilization)
	}
}

func TestValidate_RejectsNegativeWeight(t *testing.T) {
	cfg := &Config{
		Reward: RewardConfig{
			Weights: RewardWeights{Utilization: -0.3, LoadBalance: 1.3},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative reward weight")
	}
}

func TestValidate_RejectsBatchLargerThanBuffer(t *testing.T) {
	cfg := &Config{
		Training: TrainingConfig{BatchSize: 128, BufferCapacity: 64},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when batchSize exceeds bufferCapacity")
	}
}

func TestLoad_FullConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	content := `
scheduler:
  name: "neurosched"
  snapshotStalenessSeconds: 5
  bindTimeoutSeconds: 10
  retryBackoffSeconds: 5
  retryBackoffMaxSeconds: 60
model:
  hiddenSize: 32
  learningRate: 0.0003
  gamma: 0.99
  epsilonStart: 1.0
  epsilonMin: 0.01
  epsilonDecay: 0.995
  checkpointPath: "/var/lib/neurosched/model.json"
training:
  enabled: true
  intervalCommits: 100
  batchSize: 64
  bufferCapacity: 10000
  checkpointOnTrain: true
reward:
  weights:
    utilization: 0.30
    loadBalance: 0.25
    latency: 0.25
    affinity: 0.10
    consolidation: 0.10
  targetUtilization: 0.75
  infeasiblePenalty: -1.0
telemetry:
  prometheusUrl: "http://prometheus:9090"
  timeoutSeconds: 10
management:
  apiPort: 8000
  metricsPort: 9090
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Training.Enabled {
		t.Error("expected training enabled")
	}
	if cfg.Scheduler.RetryBackoffMax().Seconds() != 60 {
		t.Errorf("expected 60s backoff cap, got %v", cfg.Scheduler.RetryBackoffMax())
	}
	if cfg.Model.CheckpointPath != "/var/lib/neurosched/model.json" {
		t.Errorf("unexpected checkpoint path %q", cfg.Model.CheckpointPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
