package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/neurosched/internal/cluster"
	"github.com/softcane/neurosched/internal/config"
	"github.com/softcane/neurosched/internal/model"
	"github.com/softcane/neurosched/internal/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Model.CheckpointPath = filepath.Join(t.TempDir(), "model.json")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T, warm bool) (*Server, *config.Config) {
	t.Helper()

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("4"),
				corev1.ResourceMemory: resource.MustParse("8Gi"),
				corev1.ResourcePods:   resource.MustParse("110"),
			},
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
			},
		},
	}
	client := fake.NewSimpleClientset(node)
	cfg := testConfig(t)

	m := model.New(model.Options{Seed: 1})
	buf := model.NewBuffer(cfg.Training.BufferCapacity, 1)
	trainer := scheduler.NewTrainer(m, buf, cfg.Training, cfg.Model.CheckpointPath, slog.Default())

	sched, err := scheduler.New(scheduler.Options{
		Client:   client,
		Builder:  cluster.NewBuilder(client, slog.Default()),
		Model:    m,
		Rewards:  scheduler.NewRewardCalculator(cfg.Reward),
		Buffer:   buf,
		Trainer:  trainer,
		Config:   cfg.Scheduler,
		Training: cfg.Training,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	if warm {
		if err := sched.WarmUp(context.Background()); err != nil {
			t.Fatalf("WarmUp: %v", err)
		}
	}

	return NewServer(Options{
		Scheduler: sched,
		Model:     m,
		Trainer:   trainer,
		Buffer:    buf,
		Config:    cfg,
	}), cfg
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	cold, _ := newTestServer(t, false)
	h := cold.Handler()

	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("cold /readyz = %d, want 503", rec.Code)
	}

	warm, _ := newTestServer(t, true)
	if rec := doRequest(t, warm.Handler(), http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("warm /readyz = %d, want 200", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/status = %d, want 200", rec.Code)
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["schedulerName"] != "neurosched" {
		t.Errorf("schedulerName = %v", got["schedulerName"])
	}
	if got["ready"] != true {
		t.Errorf("ready = %v, want true", got["ready"])
	}
	if _, ok := got["epsilon"]; !ok {
		t.Error("status missing epsilon")
	}
}

func TestClusterStateAndNodes(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/cluster/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/cluster/state = %d, want 200", rec.Code)
	}
	var state map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if state["totalNodes"] != float64(1) {
		t.Errorf("totalNodes = %v, want 1", state["totalNodes"])
	}

	rec = doRequest(t, h, http.MethodGet, "/cluster/nodes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/cluster/nodes = %d, want 200", rec.Code)
	}
	var nodes []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(nodes) != 1 || nodes[0]["name"] != "node-a" {
		t.Fatalf("nodes = %v", nodes)
	}

	if rec := doRequest(t, h, http.MethodGet, "/cluster/nodes/node-a", ""); rec.Code != http.StatusOK {
		t.Errorf("/cluster/nodes/node-a = %d, want 200", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/cluster/nodes/ghost", ""); rec.Code != http.StatusNotFound {
		t.Errorf("/cluster/nodes/ghost = %d, want 404", rec.Code)
	}
}

func TestClusterState_ColdReturns503(t *testing.T) {
	srv, _ := newTestServer(t, false)
	if rec := doRequest(t, srv.Handler(), http.MethodGet, "/cluster/state", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/cluster/state = %d, want 503", rec.Code)
	}
}

func TestTrainingTrigger_EmptyBufferSkips(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/training/trigger", `{"episodes": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("/training/trigger = %d, want 200", rec.Code)
	}

	var summary scheduler.TrainSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if summary.Requested != 2 || summary.Completed != 0 || summary.Skipped != 2 {
		t.Fatalf("summary = %+v, want 2 requested, all skipped", summary)
	}
}

func TestModelSaveLoad(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	if rec := doRequest(t, h, http.MethodPost, "/model/save", ""); rec.Code != http.StatusOK {
		t.Fatalf("/model/save = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodPost, "/model/load", ""); rec.Code != http.StatusOK {
		t.Fatalf("/model/load = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestModelSave_NoPathConfigured(t *testing.T) {
	srv, cfg := newTestServer(t, true)
	cfg.Model.CheckpointPath = ""
	if rec := doRequest(t, srv.Handler(), http.MethodPost, "/model/save", ""); rec.Code != http.StatusConflict {
		t.Fatalf("/model/save without path = %d, want 409", rec.Code)
	}
}

func TestConfigEndpoint_RendersYAML(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/config = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "scheduler:") || !strings.Contains(body, "name: neurosched") {
		t.Fatalf("config body does not look like rendered YAML:\n%s", body)
	}
}
