// Package model implements the trainable scoring model: feature engineering,
// epsilon-greedy action selection, gradient updates, the experience replay
// buffer, and checkpoint persistence.
package model

import (
	"github.com/softcane/neurosched/internal/cluster"
)

const (
	// UnitFeatureCount is the number of features describing a pending unit.
	UnitFeatureCount = 8

	// NodeFeatureCount is the number of features describing a candidate node.
	NodeFeatureCount = 10

	// AggregateFeatureCount is the number of cluster-wide features.
	AggregateFeatureCount = 6

	// FeatureCount is the full input dimension of the scoring model.
	// The model scores one (unit, node) pairing at a time, so the action
	// space can grow and shrink with the cluster without structural change.
	FeatureCount = UnitFeatureCount + NodeFeatureCount + AggregateFeatureCount
)

// Normalization divisors. Values beyond these saturate at 1.0.
const (
	normUnitMilliCPU = 16000.0   // 16 cores
	normUnitMemory   = 64 << 30  // 64 GiB
	normUnitPriority = 1000000.0 // system-critical priority band
	normContainers   = 10.0
	normNodeMilliCPU = 128000.0 // 128 cores
	normNodeMemory   = 1 << 40  // 1 TiB
	normTaints       = 10.0
	normClusterUnits = 1000.0
	normClusterNodes = 100.0
)

// norm scales a value by a divisor and clamps the result to [0, 1].
func norm(val, divisor float64) float64 {
	if divisor <= 0 {
		return 0
	}
	v := val / divisor
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// UnitFeatures encodes a pending unit as a fixed-width vector.
func UnitFeatures(u *cluster.Unit) []float64 {
	return []float64{
		norm(float64(u.MilliCPU), normUnitMilliCPU),
		norm(float64(u.Memory), normUnitMemory),
		norm(float64(u.Priority), normUnitPriority),
		boolFeature(u.Affinity != nil),
		boolFeature(len(u.Tolerations) > 0),
		boolFeature(len(u.NodeSelector) > 0),
		norm(float64(u.ContainerCount), normContainers),
		boolFeature(u.Stateful),
	}
}

// NodeFeatures encodes a candidate node as a fixed-width vector.
// The unit is needed for the fit feature (how snugly the request lands).
func NodeFeatures(n *cluster.Node, u *cluster.Unit) []float64 {
	var cpuFit, memFit float64
	if free := n.FreeMilliCPU(); free > 0 {
		cpuFit = norm(float64(u.MilliCPU), float64(free))
	}
	if free := n.FreeMemory(); free > 0 {
		memFit = norm(float64(u.Memory), float64(free))
	}

	return []float64{
		norm(n.CPUUtilization, 1.0),
		norm(n.MemoryUtilization, 1.0),
		norm(n.PodFraction(), 1.0),
		1 - norm(float64(n.AllocatedMilliCPU), float64(n.MilliCPU)),
		1 - norm(float64(n.AllocatedMemory), float64(n.Memory)),
		norm(float64(n.MilliCPU), normNodeMilliCPU),
		norm(float64(n.Memory), normNodeMemory),
		boolFeature(n.Ready),
		norm(float64(len(n.Taints)), normTaints),
		(cpuFit + memFit) / 2,
	}
}

// AggregateFeatures encodes cluster-wide statistics.
func AggregateFeatures(agg cluster.Aggregates) []float64 {
	readyFraction := 0.0
	if agg.TotalNodes > 0 {
		readyFraction = float64(agg.ReadyNodes) / float64(agg.TotalNodes)
	}
	return []float64{
		norm(agg.MeanCPUUtilization, 1.0),
		norm(agg.MeanMemoryUtilization, 1.0),
		norm(agg.BalanceScore, 1.0),
		readyFraction,
		norm(float64(agg.TotalUnits), normClusterUnits),
		norm(float64(agg.TotalNodes), normClusterNodes),
	}
}

// BuildFeatures assembles the full input vector for one (unit, node) action
// against a snapshot's aggregates.
func BuildFeatures(u *cluster.Unit, n *cluster.Node, agg cluster.Aggregates) []float64 {
	out := make([]float64, 0, FeatureCount)
	out = append(out, UnitFeatures(u)...)
	out = append(out, NodeFeatures(n, u)...)
	out = append(out, AggregateFeatures(agg)...)
	return out
}

// BuildInfeasibleFeatures assembles the input vector recorded when no node
// can host the unit. The node block is zeroed: there was no action to take.
func BuildInfeasibleFeatures(u *cluster.Unit, agg cluster.Aggregates) []float64 {
	out := make([]float64, 0, FeatureCount)
	out = append(out, UnitFeatures(u)...)
	out = append(out, make([]float64, NodeFeatureCount)...)
	out = append(out, AggregateFeatures(agg)...)
	return out
}
