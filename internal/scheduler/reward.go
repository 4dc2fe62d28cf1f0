package scheduler

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/softcane/neurosched/internal/cluster"
	"github.com/softcane/neurosched/internal/config"
)

// Breakdown holds the five sub-scores of one reward, each in [0, 1], and
// their weighted total.
type Breakdown struct {
	Utilization   float64 `json:"utilization"`
	LoadBalance   float64 `json:"loadBalance"`
	Latency       float64 `json:"latency"`
	Affinity      float64 `json:"affinity"`
	Consolidation float64 `json:"consolidation"`
	Total         float64 `json:"total"`
}

// RewardCalculator scores committed placements as a convex combination of
// five objectives. Weights are normalized at config load, so totals for
// feasible placements stay within [0, 1].
type RewardCalculator struct {
	cfg config.RewardConfig
}

// NewRewardCalculator creates a calculator from normalized reward config.
func NewRewardCalculator(cfg config.RewardConfig) *RewardCalculator {
	return &RewardCalculator{cfg: cfg}
}

// Infeasible returns the fixed penalty recorded when no node can host a unit.
func (r *RewardCalculator) Infeasible() float64 {
	return r.cfg.InfeasiblePenalty
}

// Compute scores the placement of the unit on the named node, given the
// snapshots before and after the commit. A placement that somehow slipped
// past the feasibility filter gets the fixed penalty, not a blended score.
func (r *RewardCalculator) Compute(pre, post *cluster.Snapshot, u *cluster.Unit, nodeName string) Breakdown {
	if n := post.Node(nodeName); n == nil || n.AllocatedMilliCPU > n.MilliCPU || n.AllocatedMemory > n.Memory {
		return Breakdown{Total: r.cfg.InfeasiblePenalty}
	}

	b := Breakdown{
		Utilization:   r.utilizationScore(post, nodeName),
		LoadBalance:   clamp01(post.Aggregates.BalanceScore),
		Latency:       r.latencyScore(pre, post, u, nodeName),
		Affinity:      affinityScore(pre, u, nodeName),
		Consolidation: consolidationScore(post),
	}

	w := r.cfg.Weights
	b.Total = w.Utilization*b.Utilization +
		w.LoadBalance*b.LoadBalance +
		w.Latency*b.Latency +
		w.Affinity*b.Affinity +
		w.Consolidation*b.Consolidation
	return b
}

// utilizationScore rewards post-placement node utilization near the target.
// The score falls off linearly and reaches zero at the far edge of [0, 1].
func (r *RewardCalculator) utilizationScore(post *cluster.Snapshot, nodeName string) float64 {
	n := post.Node(nodeName)
	if n == nil {
		return 0
	}
	util := (n.CPUFraction() + n.MemoryFraction()) / 2

	target := r.cfg.TargetUtilization
	span := target
	if 1-target > span {
		span = 1 - target
	}
	if span <= 0 {
		return 0
	}
	diff := util - target
	if diff < 0 {
		diff = -diff
	}
	return clamp01(1 - diff/span)
}

// latencyScore is a co-location proxy. Units that prefer pod affinity score
// by the weighted fraction of preferred pod affinity terms the chosen node's
// topology domain honors (anti-affinity terms count when the domain is
// clear); units declaring none sit at a neutral 0.8. Saturating the node's
// CPU erodes the score either way.
func (r *RewardCalculator) latencyScore(pre, post *cluster.Snapshot, u *cluster.Unit, nodeName string) float64 {
	const (
		baseline      = 0.8
		hotThreshold  = 0.9
		hotPenaltyMul = 2.0
	)
	n := post.Node(nodeName)
	if n == nil {
		return 0
	}

	score := baseline
	if pn := pre.Node(nodeName); pn != nil && u.Affinity != nil {
		var totalWeight, satisfied float64
		if pa := u.Affinity.PodAffinity; pa != nil {
			for i := range pa.PreferredDuringSchedulingIgnoredDuringExecution {
				term := &pa.PreferredDuringSchedulingIgnoredDuringExecution[i]
				w := float64(term.Weight)
				totalWeight += w
				if podTermHasMatch(pre, pn, u, &term.PodAffinityTerm) {
					satisfied += w
				}
			}
		}
		if paa := u.Affinity.PodAntiAffinity; paa != nil {
			for i := range paa.PreferredDuringSchedulingIgnoredDuringExecution {
				term := &paa.PreferredDuringSchedulingIgnoredDuringExecution[i]
				w := float64(term.Weight)
				totalWeight += w
				if !podTermHasMatch(pre, pn, u, &term.PodAffinityTerm) {
					satisfied += w
				}
			}
		}
		if totalWeight > 0 {
			score = satisfied / totalWeight
		}
	}

	if frac := n.CPUFraction(); frac > hotThreshold {
		score -= (frac - hotThreshold) * hotPenaltyMul
	}
	return clamp01(score)
}

// affinityScore reports the weighted fraction of the unit's preferred
// affinity terms satisfied by the chosen node. Required terms are guaranteed
// by the feasibility filter and do not participate. Units without preferences
// score a full 1.0.
func affinityScore(pre *cluster.Snapshot, u *cluster.Unit, nodeName string) float64 {
	if u.Affinity == nil {
		return 1
	}
	n := pre.Node(nodeName)
	if n == nil {
		return 0
	}

	var totalWeight, satisfied float64

	if na := u.Affinity.NodeAffinity; na != nil {
		for i := range na.PreferredDuringSchedulingIgnoredDuringExecution {
			term := &na.PreferredDuringSchedulingIgnoredDuringExecution[i]
			w := float64(term.Weight)
			totalWeight += w
			if nodeSelectorTermMatches(&term.Preference, n.Labels) {
				satisfied += w
			}
		}
	}
	if pa := u.Affinity.PodAffinity; pa != nil {
		for i := range pa.PreferredDuringSchedulingIgnoredDuringExecution {
			term := &pa.PreferredDuringSchedulingIgnoredDuringExecution[i]
			w := float64(term.Weight)
			totalWeight += w
			if podTermHasMatch(pre, n, u, &term.PodAffinityTerm) {
				satisfied += w
			}
		}
	}
	if paa := u.Affinity.PodAntiAffinity; paa != nil {
		for i := range paa.PreferredDuringSchedulingIgnoredDuringExecution {
			term := &paa.PreferredDuringSchedulingIgnoredDuringExecution[i]
			w := float64(term.Weight)
			totalWeight += w
			if !podTermHasMatch(pre, n, u, &term.PodAffinityTerm) {
				satisfied += w
			}
		}
	}

	if totalWeight == 0 {
		return 1
	}
	return clamp01(satisfied / totalWeight)
}

// podTermHasMatch reports whether any placed unit in the node's topology
// domain matches the term's selector.
func podTermHasMatch(snap *cluster.Snapshot, n *cluster.Node, u *cluster.Unit, term *corev1.PodAffinityTerm) bool {
	sel, err := metav1.LabelSelectorAsSelector(term.LabelSelector)
	if err != nil {
		return false
	}
	for i := range snap.Placed {
		placed := &snap.Placed[i]
		if len(term.Namespaces) > 0 && !containsString(term.Namespaces, placed.Namespace) {
			continue
		}
		if len(term.Namespaces) == 0 && placed.Namespace != u.Namespace {
			continue
		}
		if !sel.Matches(labels.Set(placed.Labels)) {
			continue
		}
		if sameTopologyDomain(snap, n, placed.NodeName, term.TopologyKey) {
			return true
		}
	}
	return false
}

// consolidationScore rewards keeping nodes empty: the fraction of snapshot
// nodes with no pods after the placement.
func consolidationScore(post *cluster.Snapshot) float64 {
	if len(post.Nodes) == 0 {
		return 0
	}
	empty := 0
	for i := range post.Nodes {
		if post.Nodes[i].PodCount == 0 {
			empty++
		}
	}
	return float64(empty) / float64(len(post.Nodes))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
