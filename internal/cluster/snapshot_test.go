package cluster

import (
	"context"
	"log/slog"
	"math"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestNode(name string, cpu, mem string, ready bool) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(cpu),
				corev1.ResourceMemory: resource.MustParse(mem),
				corev1.ResourcePods:   resource.MustParse("110"),
			},
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: status},
			},
		},
	}
}

func newTestPod(name, node, cpu, mem string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: corev1.PodSpec{
			NodeName: node,
			Containers: []corev1.Container{
				{
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(cpu),
							corev1.ResourceMemory: resource.MustParse(mem),
						},
					},
				},
			},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func TestBuild_ComputesAllocationsAndAggregates(t *testing.T) {
	client := fake.NewSimpleClientset(
		newTestNode("node-a", "4", "8Gi", true),
		newTestNode("node-b", "4", "8Gi", true),
		newTestPod("pod-1", "node-a", "2", "4Gi"),
		newTestPod("pod-2", "node-b", "1", "2Gi"),
	)

	builder := NewBuilder(client, slog.Default())
	snap, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(snap.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(snap.Nodes))
	}
	// Nodes must come back sorted by name.
	if snap.Nodes[0].Name != "node-a" || snap.Nodes[1].Name != "node-b" {
		t.Fatalf("nodes not ordered by name: %v, %v", snap.Nodes[0].Name, snap.Nodes[1].Name)
	}

	a := snap.Node("node-a")
	if a.AllocatedMilliCPU != 2000 {
		t.Errorf("node-a allocated CPU = %d, want 2000", a.AllocatedMilliCPU)
	}
	if got := a.CPUUtilization; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("node-a CPU utilization = %v, want 0.5", got)
	}

	if snap.Aggregates.ReadyNodes != 2 || snap.Aggregates.TotalNodes != 2 {
		t.Errorf("unexpected node counts: %+v", snap.Aggregates)
	}
	if got := snap.Aggregates.MeanCPUUtilization; math.Abs(got-0.375) > 1e-9 {
		t.Errorf("mean CPU utilization = %v, want 0.375", got)
	}
	if snap.Aggregates.TotalUnits != 2 {
		t.Errorf("expected 2 placed units, got %d", snap.Aggregates.TotalUnits)
	}
}

func TestBuild_DropsNodeWithoutAllocatable(t *testing.T) {
	broken := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-broken"}}
	client := fake.NewSimpleClientset(
		newTestNode("node-a", "4", "8Gi", true),
		broken,
	)

	builder := NewBuilder(client, slog.Default())
	snap, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build should tolerate a node without allocatable capacity: %v", err)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].Name != "node-a" {
		t.Fatalf("expected only node-a in snapshot, got %+v", snap.Nodes)
	}
}

type staticUtilization struct {
	util map[string]NodeUtilization
}

func (s *staticUtilization) GetNodeUtilization(ctx context.Context) (map[string]NodeUtilization, error) {
	return s.util, nil
}

func TestBuild_BlendsLiveUtilization(t *testing.T) {
	client := fake.NewSimpleClientset(newTestNode("node-a", "4", "8Gi", true))

	builder := NewBuilder(client, slog.Default())
	builder.SetUtilizationProvider(&staticUtilization{
		util: map[string]NodeUtilization{"node-a": {CPU: 0.63, Memory: 0.41}},
	})

	snap, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := snap.Nodes[0].CPUUtilization; got != 0.63 {
		t.Errorf("CPU utilization = %v, want live value 0.63", got)
	}
	if got := snap.Nodes[0].MemoryUtilization; got != 0.41 {
		t.Errorf("memory utilization = %v, want live value 0.41", got)
	}
}

func TestProject_AppliesPlacementWithoutMutatingOriginal(t *testing.T) {
	client := fake.NewSimpleClientset(
		newTestNode("node-a", "4", "8Gi", true),
		newTestNode("node-b", "4", "8Gi", true),
	)
	builder := NewBuilder(client, slog.Default())
	snap, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	unit := Unit{Namespace: "default", Name: "new-pod", MilliCPU: 1000, Memory: 1 << 30}
	projected := snap.Project(unit, "node-a")

	if snap.Node("node-a").AllocatedMilliCPU != 0 {
		t.Error("Project must not mutate the source snapshot")
	}
	if projected.Node("node-a").AllocatedMilliCPU != 1000 {
		t.Errorf("projected allocation = %d, want 1000", projected.Node("node-a").AllocatedMilliCPU)
	}
	if projected.Node("node-a").PodCount != 1 {
		t.Errorf("projected pod count = %d, want 1", projected.Node("node-a").PodCount)
	}
	if len(projected.Placed) != 1 || projected.Placed[0].NodeName != "node-a" {
		t.Errorf("projected placements = %+v", projected.Placed)
	}
	if projected.Aggregates.MeanCPUUtilization <= snap.Aggregates.MeanCPUUtilization {
		t.Error("projected aggregates should reflect the placement")
	}
}

func TestUnitFromPod_ParsesRequests(t *testing.T) {
	pod := newTestPod("pod-1", "", "250m", "512Mi")
	pod.Spec.Volumes = []corev1.Volume{
		{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "data"},
			},
		},
	}

	unit := UnitFromPod(pod)
	if unit.MilliCPU != 250 {
		t.Errorf("MilliCPU = %d, want 250", unit.MilliCPU)
	}
	if unit.Memory != 512<<20 {
		t.Errorf("Memory = %d, want %d", unit.Memory, int64(512<<20))
	}
	if !unit.Stateful {
		t.Error("expected unit with PVC volume to be stateful")
	}
	if unit.Key() != "default/pod-1" {
		t.Errorf("Key = %q", unit.Key())
	}
}
