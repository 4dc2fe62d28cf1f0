// Package api exposes the management REST interface: health probes, cluster
// state inspection, and manual training and checkpoint control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/softcane/neurosched/internal/cluster"
	"github.com/softcane/neurosched/internal/config"
	"github.com/softcane/neurosched/internal/model"
	"github.com/softcane/neurosched/internal/scheduler"
)

// Server serves the management API.
type Server struct {
	scheduler *scheduler.Scheduler
	model     *model.Model
	trainer   *scheduler.Trainer
	buffer    *model.Buffer
	cfg       *config.Config
	logger    *slog.Logger
}

// Options wires a Server's collaborators.
type Options struct {
	Scheduler *scheduler.Scheduler
	Model     *model.Model
	Trainer   *scheduler.Trainer
	Buffer    *model.Buffer
	Config    *config.Config
	Logger    *slog.Logger
}

// NewServer creates a management API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		scheduler: opts.Scheduler,
		model:     opts.Model,
		trainer:   opts.Trainer,
		buffer:    opts.Buffer,
		cfg:       opts.Config,
		logger:    logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /cluster/state", s.handleClusterState)
	mux.HandleFunc("GET /cluster/nodes", s.handleClusterNodes)
	mux.HandleFunc("GET /cluster/nodes/{name}", s.handleClusterNode)
	mux.HandleFunc("POST /training/trigger", s.handleTrainingTrigger)
	mux.HandleFunc("POST /model/save", s.handleModelSave)
	mux.HandleFunc("POST /model/load", s.handleModelLoad)
	mux.HandleFunc("GET /config", s.handleConfig)
	return mux
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("management API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.scheduler.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "no cluster snapshot yet")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	SchedulerName string                 `json:"schedulerName"`
	Ready         bool                   `json:"ready"`
	Commits       uint64                 `json:"commits"`
	Decisions     uint64                 `json:"decisions"`
	Episodes      uint64                 `json:"episodes"`
	ModelVersion  uint64                 `json:"modelVersion"`
	Epsilon       float64                `json:"epsilon"`
	BufferSize    int                    `json:"bufferSize"`
	BufferCap     int                    `json:"bufferCapacity"`
	PendingUnits  []string               `json:"pendingUnits"`
	LastTraining  scheduler.TrainSummary `json:"lastTraining"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		SchedulerName: s.cfg.Scheduler.Name,
		Ready:         s.scheduler.Ready(),
		Commits:       s.scheduler.Commits(),
		Decisions:     s.model.Decisions(),
		Episodes:      s.model.Episodes(),
		ModelVersion:  s.model.Version(),
		Epsilon:       s.model.Epsilon(),
		BufferSize:    s.buffer.Len(),
		BufferCap:     s.buffer.Cap(),
		PendingUnits:  s.scheduler.PendingKeys(),
		LastTraining:  s.trainer.Last(),
	})
}

type clusterStateResponse struct {
	Timestamp             time.Time `json:"timestamp"`
	AgeSeconds            float64   `json:"ageSeconds"`
	TotalNodes            int       `json:"totalNodes"`
	ReadyNodes            int       `json:"readyNodes"`
	TotalUnits            int       `json:"totalUnits"`
	MeanCPUUtilization    float64   `json:"meanCpuUtilization"`
	MeanMemoryUtilization float64   `json:"meanMemoryUtilization"`
	BalanceScore          float64   `json:"balanceScore"`
}

func (s *Server) handleClusterState(w http.ResponseWriter, r *http.Request) {
	snap := s.scheduler.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no cluster snapshot yet")
		return
	}
	s.writeJSON(w, http.StatusOK, clusterStateResponse{
		Timestamp:             snap.Timestamp,
		AgeSeconds:            snap.Age().Seconds(),
		TotalNodes:            snap.Aggregates.TotalNodes,
		ReadyNodes:            snap.Aggregates.ReadyNodes,
		TotalUnits:            snap.Aggregates.TotalUnits,
		MeanCPUUtilization:    snap.Aggregates.MeanCPUUtilization,
		MeanMemoryUtilization: snap.Aggregates.MeanMemoryUtilization,
		BalanceScore:          snap.Aggregates.BalanceScore,
	})
}

type nodeResponse struct {
	Name              string  `json:"name"`
	Ready             bool    `json:"ready"`
	MilliCPU          int64   `json:"milliCpu"`
	MemoryBytes       int64   `json:"memoryBytes"`
	AllocatedMilliCPU int64   `json:"allocatedMilliCpu"`
	AllocatedMemory   int64   `json:"allocatedMemoryBytes"`
	PodCount          int     `json:"podCount"`
	MaxPods           int64   `json:"maxPods"`
	CPUUtilization    float64 `json:"cpuUtilization"`
	MemoryUtilization float64 `json:"memoryUtilization"`
}

func nodeView(n *cluster.Node) nodeResponse {
	return nodeResponse{
		Name:              n.Name,
		Ready:             n.Ready,
		MilliCPU:          n.MilliCPU,
		MemoryBytes:       n.Memory,
		AllocatedMilliCPU: n.AllocatedMilliCPU,
		AllocatedMemory:   n.AllocatedMemory,
		PodCount:          n.PodCount,
		MaxPods:           n.MaxPods,
		CPUUtilization:    n.CPUUtilization,
		MemoryUtilization: n.MemoryUtilization,
	}
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	snap := s.scheduler.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no cluster snapshot yet")
		return
	}
	out := make([]nodeResponse, len(snap.Nodes))
	for i := range snap.Nodes {
		out[i] = nodeView(&snap.Nodes[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClusterNode(w http.ResponseWriter, r *http.Request) {
	snap := s.scheduler.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no cluster snapshot yet")
		return
	}
	name := r.PathValue("name")
	n := snap.Node(name)
	if n == nil {
		s.writeError(w, http.StatusNotFound, "node %s not in snapshot", name)
		return
	}
	s.writeJSON(w, http.StatusOK, nodeView(n))
}

type trainRequest struct {
	Episodes   int  `json:"episodes"`
	Checkpoint bool `json:"checkpoint"`
}

func (s *Server) handleTrainingTrigger(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Episodes <= 0 {
		req.Episodes = 1
	}

	summary := s.trainer.Train(req.Episodes, req.Checkpoint)
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleModelSave(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Model.CheckpointPath
	if path == "" {
		s.writeError(w, http.StatusConflict, "no checkpoint path configured")
		return
	}
	if err := s.model.SaveCheckpoint(path); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save checkpoint: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"path":    path,
		"version": s.model.Version(),
	})
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Model.CheckpointPath
	if path == "" {
		s.writeError(w, http.StatusConflict, "no checkpoint path configured")
		return
	}
	if err := s.model.LoadCheckpoint(path); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load checkpoint: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"path":    path,
		"version": s.model.Version(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render config: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write config response", "error", err)
	}
}
