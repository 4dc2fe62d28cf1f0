// Package cluster provides the normalized view of cluster state used for
// placement decisions: nodes, pending units, and immutable snapshots.
package cluster

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Node is the scheduler's view of a cluster member. It is read-only within a
// single decision; only Snapshot.Project derives modified copies.
type Node struct {
	Name   string
	Labels map[string]string
	Taints []corev1.Taint
	Ready  bool

	// Allocatable capacity.
	MilliCPU int64
	Memory   int64
	MaxPods  int64
	Extended map[corev1.ResourceName]int64

	// Allocated capacity (sum of requests of pods assigned to the node).
	AllocatedMilliCPU int64
	AllocatedMemory   int64
	AllocatedExtended map[corev1.ResourceName]int64
	PodCount          int

	// Utilization fractions in [0, 1]. Derived from allocations, or from
	// live telemetry when a utilization provider is configured.
	CPUUtilization    float64
	MemoryUtilization float64
}

// FreeMilliCPU returns the remaining allocatable CPU in millicores.
func (n *Node) FreeMilliCPU() int64 {
	return n.MilliCPU - n.AllocatedMilliCPU
}

// FreeMemory returns the remaining allocatable memory in bytes.
func (n *Node) FreeMemory() int64 {
	return n.Memory - n.AllocatedMemory
}

// FreeExtended returns the remaining allocatable amount of an extended resource.
func (n *Node) FreeExtended(name corev1.ResourceName) int64 {
	return n.Extended[name] - n.AllocatedExtended[name]
}

// CPUFraction returns the allocated CPU fraction in [0, 1].
func (n *Node) CPUFraction() float64 {
	if n.MilliCPU <= 0 {
		return 0
	}
	return float64(n.AllocatedMilliCPU) / float64(n.MilliCPU)
}

// MemoryFraction returns the allocated memory fraction in [0, 1].
func (n *Node) MemoryFraction() float64 {
	if n.Memory <= 0 {
		return 0
	}
	return float64(n.AllocatedMemory) / float64(n.Memory)
}

// PodFraction returns pod count relative to the node's pod capacity.
func (n *Node) PodFraction() float64 {
	if n.MaxPods <= 0 {
		return 0
	}
	return float64(n.PodCount) / float64(n.MaxPods)
}

// UnitState tracks a unit through the decision loop.
type UnitState string

const (
	UnitPending  UnitState = "Pending"
	UnitSelected UnitState = "Selected"
	UnitBound    UnitState = "Bound"
	// UnitFailed marks a retryable failure; the unit returns to Pending
	// after its backoff elapses.
	UnitFailed UnitState = "Failed"
)

// Unit is a pending workload awaiting node assignment.
type Unit struct {
	Namespace string
	Name      string
	UID       string
	CreatedAt time.Time

	// Declared resource requests.
	MilliCPU int64
	Memory   int64
	Extended map[corev1.ResourceName]int64

	Labels       map[string]string
	NodeSelector map[string]string
	Affinity     *corev1.Affinity
	Tolerations  []corev1.Toleration

	Priority       int32
	ContainerCount int
	Stateful       bool
}

// Key returns the namespace/name identity used for FIFO tie-breaking.
func (u *Unit) Key() string {
	return fmt.Sprintf("%s/%s", u.Namespace, u.Name)
}

// PlacedUnit is a unit already assigned to a node within a snapshot,
// tracked for anti-affinity evaluation.
type PlacedUnit struct {
	Unit
	NodeName string
}

// Aggregates are cluster-wide statistics computed once per snapshot.
type Aggregates struct {
	MeanCPUUtilization    float64
	MeanMemoryUtilization float64
	// BalanceScore is 1/(1+variance) over per-node CPU fractions; higher
	// means a more evenly loaded cluster.
	BalanceScore float64
	TotalNodes   int
	ReadyNodes   int
	TotalUnits   int
}

// Snapshot is an immutable, timestamped view of the cluster used for exactly
// one decision. Later units within a cycle see earlier commits through
// Project, never through mutation.
type Snapshot struct {
	Timestamp  time.Time
	Nodes      []Node
	Placed     []PlacedUnit
	Aggregates Aggregates
}

// Age returns how old the snapshot is.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.Timestamp)
}

// Node returns the named node, or nil if it is not part of the snapshot.
func (s *Snapshot) Node(name string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].Name == name {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Project returns a derived snapshot with the unit placed on the named node.
// The receiver is not modified. Projection keeps feasibility checks within a
// cycle consistent with earlier commits and feeds reward computation.
func (s *Snapshot) Project(u Unit, nodeName string) *Snapshot {
	out := &Snapshot{
		Timestamp: s.Timestamp,
		Nodes:     make([]Node, len(s.Nodes)),
		Placed:    make([]PlacedUnit, 0, len(s.Placed)+1),
	}
	copy(out.Nodes, s.Nodes)
	out.Placed = append(out.Placed, s.Placed...)
	out.Placed = append(out.Placed, PlacedUnit{Unit: u, NodeName: nodeName})

	for i := range out.Nodes {
		n := &out.Nodes[i]
		if n.Name != nodeName {
			continue
		}
		if len(n.AllocatedExtended) > 0 || len(u.Extended) > 0 {
			ext := make(map[corev1.ResourceName]int64, len(n.AllocatedExtended))
			for k, v := range n.AllocatedExtended {
				ext[k] = v
			}
			for k, v := range u.Extended {
				ext[k] += v
			}
			n.AllocatedExtended = ext
		}
		n.AllocatedMilliCPU += u.MilliCPU
		n.AllocatedMemory += u.Memory
		n.PodCount++
		n.CPUUtilization = n.CPUFraction()
		n.MemoryUtilization = n.MemoryFraction()
	}

	out.Aggregates = computeAggregates(out.Nodes, len(out.Placed))
	return out
}

// computeAggregates derives cluster-wide statistics from a node set.
func computeAggregates(nodes []Node, totalUnits int) Aggregates {
	agg := Aggregates{TotalNodes: len(nodes), TotalUnits: totalUnits}
	if len(nodes) == 0 {
		return agg
	}

	var cpuSum, memSum float64
	for i := range nodes {
		cpuSum += nodes[i].CPUUtilization
		memSum += nodes[i].MemoryUtilization
		if nodes[i].Ready {
			agg.ReadyNodes++
		}
	}
	agg.MeanCPUUtilization = cpuSum / float64(len(nodes))
	agg.MeanMemoryUtilization = memSum / float64(len(nodes))

	var variance float64
	for i := range nodes {
		diff := nodes[i].CPUUtilization - agg.MeanCPUUtilization
		variance += diff * diff
	}
	variance /= float64(len(nodes))
	agg.BalanceScore = 1.0 / (1.0 + variance)

	return agg
}
