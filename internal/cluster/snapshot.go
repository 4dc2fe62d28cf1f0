package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// UtilizationProvider supplies live node utilization fractions, keyed by node
// name. Implementations may query Prometheus or the metrics API; nil means
// utilization is derived from pod resource requests only.
type UtilizationProvider interface {
	GetNodeUtilization(ctx context.Context) (map[string]NodeUtilization, error)
}

// NodeUtilization holds observed utilization fractions for one node.
type NodeUtilization struct {
	CPU    float64
	Memory float64
}

// Builder produces cluster snapshots from the orchestration API.
type Builder struct {
	client   kubernetes.Interface
	utilProv UtilizationProvider
	logger   *slog.Logger
}

// NewBuilder creates a snapshot builder.
func NewBuilder(client kubernetes.Interface, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{client: client, logger: logger}
}

// SetUtilizationProvider enables live utilization blending. Must be called
// before the first Build.
func (b *Builder) SetUtilizationProvider(prov UtilizationProvider) {
	b.utilProv = prov
}

// Build lists nodes and pods and assembles an immutable snapshot. A node that
// disappears or reports no allocatable capacity is dropped; only a total API
// failure fails the build, which callers treat as transient.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	nodeList, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	podList, err := b.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var observed map[string]NodeUtilization
	if b.utilProv != nil {
		observed, err = b.utilProv.GetNodeUtilization(ctx)
		if err != nil {
			// Telemetry is best-effort; request-derived fractions still work.
			b.logger.Warn("failed to fetch live utilization, using request-derived fractions", "error", err)
			observed = nil
		}
	}

	byNode := make(map[string][]*corev1.Pod)
	placed := make([]PlacedUnit, 0)
	for i := range podList.Items {
		pod := &podList.Items[i]
		if pod.Spec.NodeName == "" {
			continue
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		byNode[pod.Spec.NodeName] = append(byNode[pod.Spec.NodeName], pod)
		placed = append(placed, PlacedUnit{Unit: UnitFromPod(pod), NodeName: pod.Spec.NodeName})
	}

	nodes := make([]Node, 0, len(nodeList.Items))
	for i := range nodeList.Items {
		k8sNode := &nodeList.Items[i]
		node, ok := b.buildNode(k8sNode, byNode[k8sNode.Name])
		if !ok {
			b.logger.Debug("dropping node from snapshot", "node", k8sNode.Name)
			continue
		}
		if util, found := observed[node.Name]; found {
			node.CPUUtilization = util.CPU
			node.MemoryUtilization = util.Memory
		}
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	return &Snapshot{
		Timestamp:  time.Now(),
		Nodes:      nodes,
		Placed:     placed,
		Aggregates: computeAggregates(nodes, len(placed)),
	}, nil
}

// buildNode converts an API node plus its pods into the scheduler's view.
// Returns false for nodes with no usable allocatable capacity.
func (b *Builder) buildNode(k8sNode *corev1.Node, pods []*corev1.Pod) (Node, bool) {
	alloc := k8sNode.Status.Allocatable
	if alloc == nil {
		return Node{}, false
	}

	cpu := alloc.Cpu().MilliValue()
	mem := alloc.Memory().Value()
	if cpu <= 0 || mem <= 0 {
		return Node{}, false
	}

	node := Node{
		Name:     k8sNode.Name,
		Labels:   k8sNode.Labels,
		Taints:   k8sNode.Spec.Taints,
		Ready:    isNodeReady(k8sNode),
		MilliCPU: cpu,
		Memory:   mem,
		MaxPods:  alloc.Pods().Value(),
		PodCount: len(pods),
	}

	for name, qty := range alloc {
		if isExtendedResource(name) {
			if node.Extended == nil {
				node.Extended = make(map[corev1.ResourceName]int64)
			}
			node.Extended[name] = qty.Value()
		}
	}

	for _, pod := range pods {
		cpuReq, memReq, ext := podRequests(pod)
		node.AllocatedMilliCPU += cpuReq
		node.AllocatedMemory += memReq
		for name, v := range ext {
			if node.AllocatedExtended == nil {
				node.AllocatedExtended = make(map[corev1.ResourceName]int64)
			}
			node.AllocatedExtended[name] += v
		}
	}

	node.CPUUtilization = node.CPUFraction()
	node.MemoryUtilization = node.MemoryFraction()
	return node, true
}

// UnitFromPod converts an API pod into a schedulable unit.
func UnitFromPod(pod *corev1.Pod) Unit {
	cpu, mem, ext := podRequests(pod)

	var priority int32
	if pod.Spec.Priority != nil {
		priority = *pod.Spec.Priority
	}

	return Unit{
		Namespace:      pod.Namespace,
		Name:           pod.Name,
		UID:            string(pod.UID),
		CreatedAt:      pod.CreationTimestamp.Time,
		MilliCPU:       cpu,
		Memory:         mem,
		Extended:       ext,
		Labels:         pod.Labels,
		NodeSelector:   pod.Spec.NodeSelector,
		Affinity:       pod.Spec.Affinity,
		Tolerations:    pod.Spec.Tolerations,
		Priority:       priority,
		ContainerCount: len(pod.Spec.Containers),
		Stateful:       isStateful(pod),
	}
}

// podRequests sums container resource requests.
func podRequests(pod *corev1.Pod) (milliCPU, memory int64, extended map[corev1.ResourceName]int64) {
	for i := range pod.Spec.Containers {
		requests := pod.Spec.Containers[i].Resources.Requests
		if requests == nil {
			continue
		}
		milliCPU += requests.Cpu().MilliValue()
		memory += requests.Memory().Value()
		for name, qty := range requests {
			if isExtendedResource(name) {
				if extended == nil {
					extended = make(map[corev1.ResourceName]int64)
				}
				extended[name] += qty.Value()
			}
		}
	}
	return milliCPU, memory, extended
}

// isExtendedResource reports whether a resource name is neither CPU, memory,
// nor one of the standard node-level quantities.
func isExtendedResource(name corev1.ResourceName) bool {
	switch name {
	case corev1.ResourceCPU, corev1.ResourceMemory, corev1.ResourcePods,
		corev1.ResourceEphemeralStorage, corev1.ResourceStorage:
		return false
	}
	return true
}

func isNodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func isStateful(pod *corev1.Pod) bool {
	for i := range pod.Spec.Volumes {
		if pod.Spec.Volumes[i].PersistentVolumeClaim != nil {
			return true
		}
	}
	return false
}
