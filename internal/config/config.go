// Package config provides configuration loading for NeuroSched.
// All tunables live in a single YAML file loaded at startup.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all NeuroSched configuration.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Reward     RewardConfig     `yaml:"reward"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Management ManagementConfig `yaml:"management"`
}

// SchedulerConfig configures the decision loop.
type SchedulerConfig struct {
	// Name is the schedulerName pods must declare to be handled by NeuroSched.
	Name string `yaml:"name"`

	// SnapshotStalenessSeconds bounds how old a cluster snapshot may be
	// before a decision forces a rebuild.
	SnapshotStalenessSeconds int `yaml:"snapshotStalenessSeconds"`

	// BindTimeoutSeconds bounds a single bind call against the API server.
	BindTimeoutSeconds int `yaml:"bindTimeoutSeconds"`

	// RetryBackoffSeconds is the initial backoff applied to infeasible or
	// transiently failed units before they return to the pending queue.
	RetryBackoffSeconds int `yaml:"retryBackoffSeconds"`

	// RetryBackoffMaxSeconds caps the exponential per-unit backoff.
	RetryBackoffMaxSeconds int `yaml:"retryBackoffMaxSeconds"`
}

// ModelConfig configures the scoring model.
type ModelConfig struct {
	HiddenSize   int     `yaml:"hiddenSize"`
	LearningRate float64 `yaml:"learningRate"`
	Gamma        float64 `yaml:"gamma"`

	EpsilonStart float64 `yaml:"epsilonStart"`
	EpsilonMin   float64 `yaml:"epsilonMin"`
	EpsilonDecay float64 `yaml:"epsilonDecay"`

	// CheckpointPath is where model checkpoints are written and loaded from.
	// An absent file at startup means cold start.
	CheckpointPath string `yaml:"checkpointPath"`

	// FallbackExpression optionally scores nodes deterministically until the
	// first training episode completes. Evaluated over node features
	// (cpu_free, mem_free, pod_fraction, ready).
	FallbackExpression string `yaml:"fallbackExpression"`
}

// TrainingConfig configures the trainer and experience buffer.
type TrainingConfig struct {
	Enabled bool `yaml:"enabled"`

	// IntervalCommits triggers a training run every N committed placements.
	IntervalCommits int `yaml:"intervalCommits"`

	BatchSize      int `yaml:"batchSize"`
	BufferCapacity int `yaml:"bufferCapacity"`

	// CheckpointOnTrain persists a checkpoint after each successful run.
	CheckpointOnTrain bool `yaml:"checkpointOnTrain"`
}

// RewardConfig configures the multi-objective reward calculator.
type RewardConfig struct {
	Weights RewardWeights `yaml:"weights"`

	// TargetUtilization is the post-placement utilization band midpoint.
	TargetUtilization float64 `yaml:"targetUtilization"`

	// InfeasiblePenalty is the fixed reward for infeasible placements.
	// Must be negative to be distinguishable from any blended reward.
	InfeasiblePenalty float64 `yaml:"infeasiblePenalty"`
}

// RewardWeights are the convex-combination weights of the five sub-scores.
type RewardWeights struct {
	Utilization   float64 `yaml:"utilization"`
	LoadBalance   float64 `yaml:"loadBalance"`
	Latency       float64 `yaml:"latency"`
	Affinity      float64 `yaml:"affinity"`
	Consolidation float64 `yaml:"consolidation"`
}

// TelemetryConfig configures the optional Prometheus utilization source.
type TelemetryConfig struct {
	PrometheusURL  string `yaml:"prometheusUrl"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// ManagementConfig configures the management REST and metrics listeners.
type ManagementConfig struct {
	APIPort     int `yaml:"apiPort"`
	MetricsPort int `yaml:"metricsPort"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and applies defaults for optional ones.
// Reward weights that do not sum to 1.0 are normalized in place.
func (c *Config) Validate() error {
	if c.Scheduler.Name == "" {
		c.Scheduler.Name = "neurosched"
	}
	if c.Scheduler.SnapshotStalenessSeconds <= 0 {
		c.Scheduler.SnapshotStalenessSeconds = 5
	}
	if c.Scheduler.BindTimeoutSeconds <= 0 {
		c.Scheduler.BindTimeoutSeconds = 10
	}
	if c.Scheduler.RetryBackoffSeconds <= 0 {
		c.Scheduler.RetryBackoffSeconds = 5
	}
	if c.Scheduler.RetryBackoffMaxSeconds < c.Scheduler.RetryBackoffSeconds {
		c.Scheduler.RetryBackoffMaxSeconds = c.Scheduler.RetryBackoffSeconds * 12
	}

	if c.Model.HiddenSize <= 0 {
		c.Model.HiddenSize = 32
	}
	if c.Model.LearningRate <= 0 {
		c.Model.LearningRate = 0.0003
	}
	if c.Model.Gamma == 0 {
		c.Model.Gamma = 0.99
	}
	if c.Model.Gamma < 0 || c.Model.Gamma > 1 {
		return fmt.Errorf("model.gamma must be in (0, 1], got %v", c.Model.Gamma)
	}
	if c.Model.EpsilonStart == 0 {
		c.Model.EpsilonStart = 1.0
	}
	if c.Model.EpsilonStart < 0 || c.Model.EpsilonStart > 1 {
		return fmt.Errorf("model.epsilonStart must be in (0, 1], got %v", c.Model.EpsilonStart)
	}
	if c.Model.EpsilonMin == 0 {
		c.Model.EpsilonMin = 0.01
	}
	if c.Model.EpsilonMin < 0 || c.Model.EpsilonMin > c.Model.EpsilonStart {
		return fmt.Errorf("model.epsilonMin must be in [0, epsilonStart], got %v", c.Model.EpsilonMin)
	}
	if c.Model.EpsilonDecay == 0 {
		c.Model.EpsilonDecay = 0.995
	}
	if c.Model.EpsilonDecay < 0 || c.Model.EpsilonDecay > 1 {
		return fmt.Errorf("model.epsilonDecay must be in (0, 1], got %v", c.Model.EpsilonDecay)
	}

	if c.Training.IntervalCommits <= 0 {
		c.Training.IntervalCommits = 100
	}
	if c.Training.BatchSize <= 0 {
		c.Training.BatchSize = 64
	}
	if c.Training.BufferCapacity <= 0 {
		c.Training.BufferCapacity = 10000
	}
	if c.Training.BatchSize > c.Training.BufferCapacity {
		return fmt.Errorf("training.batchSize (%d) exceeds training.bufferCapacity (%d)",
			c.Training.BatchSize, c.Training.BufferCapacity)
	}

	if err := c.Reward.normalize(); err != nil {
		return err
	}

	if c.Telemetry.TimeoutSeconds <= 0 {
		c.Telemetry.TimeoutSeconds = 10
	}

	if c.Management.APIPort <= 0 {
		c.Management.APIPort = 8000
	}
	if c.Management.MetricsPort <= 0 {
		c.Management.MetricsPort = 9090
	}

	return nil
}

// normalize applies reward defaults and scales the weights to sum to 1.0.
func (r *RewardConfig) normalize() error {
	w := &r.Weights
	if w.Utilization < 0 || w.LoadBalance < 0 || w.Latency < 0 || w.Affinity < 0 || w.Consolidation < 0 {
		return fmt.Errorf("reward.weights must be non-negative")
	}
	sum := w.Utilization + w.LoadBalance + w.Latency + w.Affinity + w.Consolidation
	if sum == 0 {
		// Unset weights fall back to the documented defaults.
		*w = RewardWeights{
			Utilization:   0.30,
			LoadBalance:   0.25,
			Latency:       0.25,
			Affinity:      0.10,
			Consolidation: 0.10,
		}
		sum = 1.0
	}
	if math.Abs(sum-1.0) > 1e-9 {
		w.Utilization /= sum
		w.LoadBalance /= sum
		w.Latency /= sum
		w.Affinity /= sum
		w.Consolidation /= sum
	}

	if r.TargetUtilization <= 0 || r.TargetUtilization >= 1 {
		r.TargetUtilization = 0.75
	}
	if r.InfeasiblePenalty >= 0 {
		r.InfeasiblePenalty = -1.0
	}
	return nil
}

// SnapshotStaleness returns the snapshot staleness bound as a duration.
func (s *SchedulerConfig) SnapshotStaleness() time.Duration {
	return time.Duration(s.SnapshotStalenessSeconds) * time.Second
}

// BindTimeout returns the bind timeout as a duration.
func (s *SchedulerConfig) BindTimeout() time.Duration {
	return time.Duration(s.BindTimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial retry backoff as a duration.
func (s *SchedulerConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffSeconds) * time.Second
}

// RetryBackoffMax returns the backoff cap as a duration.
func (s *SchedulerConfig) RetryBackoffMax() time.Duration {
	return time.Duration(s.RetryBackoffMaxSeconds) * time.Second
}

// Timeout returns the telemetry query timeout as a duration.
func (t *TelemetryConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}
