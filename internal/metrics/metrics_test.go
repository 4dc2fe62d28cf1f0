package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestScheduleAttempts_LabelsAndCounts(t *testing.T) {
	ScheduleAttempts.WithLabelValues(StatusBound).Add(3)
	ScheduleAttempts.WithLabelValues(StatusInfeasible).Inc()

	var m dto.Metric
	if err := ScheduleAttempts.WithLabelValues(StatusBound).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got < 3 {
		t.Errorf("bound attempts = %v, want >= 3", got)
	}
}

func TestGauges_ReflectLastSet(t *testing.T) {
	ExplorationRate.Set(0.42)
	ModelVersion.Set(7)
	ExperienceBufferSize.Set(128)

	var m dto.Metric
	if err := ExplorationRate.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 0.42 {
		t.Errorf("exploration rate = %v, want 0.42", got)
	}

	m.Reset()
	if err := ModelVersion.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 7 {
		t.Errorf("model version = %v, want 7", got)
	}
}

func TestClusterNodes_ReadinessLabels(t *testing.T) {
	ClusterNodes.WithLabelValues("true").Set(5)
	ClusterNodes.WithLabelValues("false").Set(1)

	var m dto.Metric
	if err := ClusterNodes.WithLabelValues("true").Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 5 {
		t.Errorf("ready nodes = %v, want 5", got)
	}
}
