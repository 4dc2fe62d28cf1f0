// Package metrics defines the Prometheus metrics exported by NeuroSched.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "neurosched"

// Schedule attempt outcomes used as the status label.
const (
	StatusBound      = "bound"
	StatusInfeasible = "infeasible"
	StatusConflict   = "conflict"
	StatusError      = "error"
)

var (
	// ScheduleAttempts counts decision outcomes by status.
	ScheduleAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_attempts_total",
		Help:      "Placement decisions by outcome.",
	}, []string{"status"})

	// ScheduleDuration observes end-to-end decision latency.
	ScheduleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "schedule_duration_seconds",
		Help:      "Latency of a single placement decision, snapshot to bind.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// ScheduleReward observes the reward of committed placements.
	ScheduleReward = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "schedule_reward",
		Help:      "Reward assigned to committed placements.",
		Buckets:   prometheus.LinearBuckets(-1, 0.1, 21),
	})

	// TrainingEpisodes counts completed training runs.
	TrainingEpisodes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "training_episodes_total",
		Help:      "Completed training runs.",
	})

	// TrainingSkips counts training runs skipped for lack of experiences.
	TrainingSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "training_skips_total",
		Help:      "Training runs skipped because the buffer held too few experiences.",
	})

	// TrainingLoss reports the loss of the most recent training run.
	TrainingLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "training_loss",
		Help:      "Mean squared error of the most recent training run.",
	})

	// ExplorationRate reports the current epsilon.
	ExplorationRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "exploration_rate",
		Help:      "Current epsilon-greedy exploration rate.",
	})

	// ExperienceBufferSize reports the replay buffer fill level.
	ExperienceBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "experience_buffer_size",
		Help:      "Experiences currently held in the replay buffer.",
	})

	// ModelVersion reports the current parameter generation.
	ModelVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_version",
		Help:      "Monotonic parameter generation of the scoring model.",
	})

	// PendingUnits reports the depth of the pending queue.
	PendingUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_units",
		Help:      "Units waiting in the pending queue.",
	})

	// ClusterNodes reports node counts by readiness.
	ClusterNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_nodes",
		Help:      "Nodes in the latest snapshot by readiness.",
	}, []string{"ready"})

	// ClusterMeanCPUUtilization reports the snapshot-wide mean CPU utilization.
	ClusterMeanCPUUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_mean_cpu_utilization",
		Help:      "Mean node CPU utilization in the latest snapshot.",
	})

	// ClusterBalanceScore reports the snapshot-wide load balance score.
	ClusterBalanceScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_balance_score",
		Help:      "Load balance score 1/(1+variance) of the latest snapshot.",
	})
)
