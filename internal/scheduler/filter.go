// Package scheduler implements the placement decision loop: feasibility
// filtering, reward computation, the pending queue, and the trainer that
// closes the learning loop.
package scheduler

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/klog/v2"

	"github.com/softcane/neurosched/internal/cluster"
)

const hostnameTopologyKey = "kubernetes.io/hostname"

// Feasible returns the nodes from the snapshot that can legally host the
// unit. The result preserves the snapshot's name ordering. An empty result
// means the unit is infeasible against this snapshot, not an error.
func Feasible(snap *cluster.Snapshot, u *cluster.Unit) []cluster.Node {
	out := make([]cluster.Node, 0, len(snap.Nodes))
	for i := range snap.Nodes {
		if nodeFits(snap, &snap.Nodes[i], u) {
			out = append(out, snap.Nodes[i])
		}
	}
	return out
}

func nodeFits(snap *cluster.Snapshot, n *cluster.Node, u *cluster.Unit) bool {
	if !n.Ready {
		return false
	}
	if !hasCapacity(n, u) {
		return false
	}
	if !toleratesTaints(n, u) {
		return false
	}
	if !matchesNodeSelector(n, u) {
		return false
	}
	if !matchesNodeAffinity(n, u) {
		return false
	}
	if !satisfiesPodAntiAffinity(snap, n, u) {
		return false
	}
	return true
}

// hasCapacity checks every declared resource dimension independently.
func hasCapacity(n *cluster.Node, u *cluster.Unit) bool {
	if n.FreeMilliCPU() < u.MilliCPU {
		return false
	}
	if n.FreeMemory() < u.Memory {
		return false
	}
	if n.MaxPods > 0 && int64(n.PodCount) >= n.MaxPods {
		return false
	}
	for name, req := range u.Extended {
		if n.FreeExtended(name) < req {
			return false
		}
	}
	return true
}

// toleratesTaints rejects nodes with untolerated NoSchedule or NoExecute
// taints. PreferNoSchedule never blocks placement.
func toleratesTaints(n *cluster.Node, u *cluster.Unit) bool {
	for i := range n.Taints {
		taint := &n.Taints[i]
		if taint.Effect != corev1.TaintEffectNoSchedule && taint.Effect != corev1.TaintEffectNoExecute {
			continue
		}
		if !tolerated(taint, u.Tolerations) {
			return false
		}
	}
	return true
}

func tolerated(taint *corev1.Taint, tolerations []corev1.Toleration) bool {
	for i := range tolerations {
		if tolerations[i].ToleratesTaint(klog.Background(), taint, false) {
			return true
		}
	}
	return false
}

func matchesNodeSelector(n *cluster.Node, u *cluster.Unit) bool {
	for key, want := range u.NodeSelector {
		if n.Labels[key] != want {
			return false
		}
	}
	return true
}

// matchesNodeAffinity evaluates required node affinity. Terms are ORed,
// expressions within a term are ANDed. Preferred terms never filter; the
// reward calculator scores them instead.
func matchesNodeAffinity(n *cluster.Node, u *cluster.Unit) bool {
	if u.Affinity == nil || u.Affinity.NodeAffinity == nil {
		return true
	}
	required := u.Affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution
	if required == nil || len(required.NodeSelectorTerms) == 0 {
		return true
	}

	for i := range required.NodeSelectorTerms {
		if nodeSelectorTermMatches(&required.NodeSelectorTerms[i], n.Labels) {
			return true
		}
	}
	return false
}

func nodeSelectorTermMatches(term *corev1.NodeSelectorTerm, nodeLabels map[string]string) bool {
	if len(term.MatchExpressions) == 0 && len(term.MatchFields) == 0 {
		return false
	}
	for i := range term.MatchExpressions {
		if !nodeSelectorRequirementMatches(&term.MatchExpressions[i], nodeLabels) {
			return false
		}
	}
	// MatchFields target object fields outside the snapshot's view and are
	// treated as unsatisfiable.
	return len(term.MatchFields) == 0
}

func nodeSelectorRequirementMatches(req *corev1.NodeSelectorRequirement, nodeLabels map[string]string) bool {
	value, exists := nodeLabels[req.Key]
	switch req.Operator {
	case corev1.NodeSelectorOpIn:
		if !exists {
			return false
		}
		for _, v := range req.Values {
			if v == value {
				return true
			}
		}
		return false
	case corev1.NodeSelectorOpNotIn:
		if !exists {
			return true
		}
		for _, v := range req.Values {
			if v == value {
				return false
			}
		}
		return true
	case corev1.NodeSelectorOpExists:
		return exists
	case corev1.NodeSelectorOpDoesNotExist:
		return !exists
	default:
		// Gt and Lt are rare on user workloads and not supported here.
		return false
	}
}

// satisfiesPodAntiAffinity evaluates the unit's required pod anti-affinity
// against units already placed in the snapshot. Two nodes belong to the same
// topology domain when they carry the same value for the term's topology key;
// the hostname key degenerates to the node itself.
func satisfiesPodAntiAffinity(snap *cluster.Snapshot, n *cluster.Node, u *cluster.Unit) bool {
	if u.Affinity == nil || u.Affinity.PodAntiAffinity == nil {
		return true
	}
	terms := u.Affinity.PodAntiAffinity.RequiredDuringSchedulingIgnoredDuringExecution
	for i := range terms {
		term := &terms[i]
		sel, err := metav1.LabelSelectorAsSelector(term.LabelSelector)
		if err != nil {
			// An unparseable selector can never be proven satisfied.
			return false
		}
		for j := range snap.Placed {
			placed := &snap.Placed[j]
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
				return false
			}
		}
	}
	return true
}

func sameTopologyDomain(snap *cluster.Snapshot, n *cluster.Node, otherNodeName, topologyKey string) bool {
	if topologyKey == "" || topologyKey == hostnameTopologyKey {
		return n.Name == otherNodeName
	}
	other := snap.Node(otherNodeName)
	if other == nil {
		return false
	}
	v, ok := n.Labels[topologyKey]
	if !ok {
		return false
	}
	ov, ook := other.Labels[topologyKey]
	return ook && v == ov
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
