package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/neurosched/internal/cluster"
	"github.com/softcane/neurosched/internal/config"
	"github.com/softcane/neurosched/internal/metrics"
	"github.com/softcane/neurosched/internal/model"
)

// Options wires a Scheduler's collaborators.
type Options struct {
	Client   kubernetes.Interface
	Builder  *cluster.Builder
	Model    *model.Model
	Rewards  *RewardCalculator
	Buffer   *model.Buffer
	Trainer  *Trainer
	Config   config.SchedulerConfig
	Training config.TrainingConfig
	Logger   *slog.Logger

	// SyncInterval overrides the pending-pod poll interval, for tests.
	SyncInterval time.Duration
}

// Scheduler is the closed-loop placement engine. Each cycle pulls pending
// units, filters feasible nodes, asks the model for a target, commits the
// bind, and records the rewarded experience that later trains the model.
type Scheduler struct {
	client   kubernetes.Interface
	builder  *cluster.Builder
	model    *model.Model
	rewards  *RewardCalculator
	buffer   *model.Buffer
	queue    *Queue
	trainer  *Trainer
	cfg      config.SchedulerConfig
	training config.TrainingConfig
	logger   *slog.Logger

	syncInterval time.Duration

	mu       sync.RWMutex
	snapshot *cluster.Snapshot

	seq      atomic.Uint64
	commits  atomic.Uint64
	outcomes atomic.Uint64
	ready    atomic.Bool
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("snapshot builder is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if opts.Rewards == nil {
		return nil, fmt.Errorf("reward calculator is required")
	}
	if opts.Buffer == nil {
		return nil, fmt.Errorf("experience buffer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Second
	}

	return &Scheduler{
		client:       opts.Client,
		builder:      opts.Builder,
		model:        opts.Model,
		rewards:      opts.Rewards,
		buffer:       opts.Buffer,
		queue:        NewQueue(),
		trainer:      opts.Trainer,
		cfg:          opts.Config,
		training:     opts.Training,
		logger:       opts.Logger,
		syncInterval: opts.SyncInterval,
	}, nil
}

// WarmUp builds the initial cluster snapshot so readiness and the management
// API do not wait for the first pending unit.
func (s *Scheduler) WarmUp(ctx context.Context) error {
	_, err := s.freshSnapshot(ctx)
	return err
}

// Run drives the decision loop until the context is cancelled. Shutdown is
// clean: the cycle in flight finishes, nothing new starts.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "schedulerName", s.cfg.Name)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle pulls newly pending units into the queue and decides as many as
// are eligible.
func (s *Scheduler) runCycle(ctx context.Context) {
	if err := s.syncPending(ctx); err != nil {
		s.logger.Warn("failed to sync pending units", "error", err)
		return
	}
	metrics.PendingUnits.Set(float64(s.queue.Len()))

	for {
		if ctx.Err() != nil {
			return
		}
		unit, attempts, ok := s.queue.Pop(time.Now())
		if !ok {
			return
		}
		s.scheduleOne(ctx, unit, attempts)
		metrics.PendingUnits.Set(float64(s.queue.Len()))
	}
}

// syncPending enqueues pods that declare this scheduler and have no node.
// The query is field-selected server-side so each tick transfers only this
// scheduler's pending pods, never the whole cluster.
func (s *Scheduler) syncPending(ctx context.Context) error {
	selector := fmt.Sprintf("spec.schedulerName=%s,status.phase=%s", s.cfg.Name, corev1.PodPending)
	podList, err := s.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: selector,
	})
	if err != nil {
		return fmt.Errorf("failed to list pending pods: %w", err)
	}

	// Re-checked client-side: the selector cannot express "unassigned", and
	// phase=Pending still includes pods another actor already bound.
	for i := range podList.Items {
		pod := &podList.Items[i]
		if pod.Spec.SchedulerName != s.cfg.Name {
			continue
		}
		if pod.Spec.NodeName != "" || pod.DeletionTimestamp != nil {
			continue
		}
		if pod.Status.Phase != corev1.PodPending && pod.Status.Phase != "" {
			continue
		}
		s.queue.Add(cluster.UnitFromPod(pod))
	}
	return nil
}

// scheduleOne runs the full decision path for a single unit.
func (s *Scheduler) scheduleOne(ctx context.Context, unit cluster.Unit, attempts int) {
	start := time.Now()
	log := s.logger.With("unit", unit.Key())

	snap, err := s.freshSnapshot(ctx)
	if err != nil {
		// Transient: the unit keeps its place, no experience is recorded.
		log.Warn("failed to build cluster snapshot", "error", err)
		metrics.ScheduleAttempts.WithLabelValues(metrics.StatusError).Inc()
		s.requeue(unit, attempts+1)
		return
	}
	s.publishClusterMetrics(snap)

	feasible := Feasible(snap, &unit)
	if len(feasible) == 0 {
		s.recordInfeasible(snap, unit)
		log.Info("no feasible node", "nodes", len(snap.Nodes))
		metrics.ScheduleAttempts.WithLabelValues(metrics.StatusInfeasible).Inc()
		s.requeue(unit, attempts+1)
		// Infeasible outcomes count toward the training trigger: penalty
		// experiences are only useful once they reach a batch.
		s.maybeTrain(s.outcomes.Add(1))
		return
	}

	choice := s.model.SelectTarget(&unit, snap, feasible)
	metrics.ExplorationRate.Set(s.model.Epsilon())

	if err := s.bind(ctx, &unit, choice.NodeName); err != nil {
		if apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) {
			// Another actor claimed the pod. Not a model failure, so no
			// experience is recorded.
			log.Info("bind conflict", "node", choice.NodeName)
			metrics.ScheduleAttempts.WithLabelValues(metrics.StatusConflict).Inc()
		} else {
			log.Error("bind failed", "node", choice.NodeName, "error", err)
			metrics.ScheduleAttempts.WithLabelValues(metrics.StatusError).Inc()
		}
		s.requeue(unit, attempts+1)
		return
	}

	post := snap.Project(unit, choice.NodeName)
	breakdown := s.rewards.Compute(snap, post, &unit, choice.NodeName)

	s.buffer.Push(model.Experience{
		Seq:       s.seq.Add(1),
		State:     choice.Features,
		Reward:    breakdown.Total,
		NextState: model.BuildFeatures(&unit, post.Node(choice.NodeName), post.Aggregates),
	})
	s.setSnapshot(post)

	s.commits.Add(1)
	metrics.ScheduleAttempts.WithLabelValues(metrics.StatusBound).Inc()
	metrics.ScheduleReward.Observe(breakdown.Total)
	metrics.ScheduleDuration.Observe(time.Since(start).Seconds())
	metrics.ExperienceBufferSize.Set(float64(s.buffer.Len()))

	log.Info("unit bound",
		"node", choice.NodeName,
		"reward", breakdown.Total,
		"explored", choice.Explored,
		"score", choice.Score,
		"durationMs", time.Since(start).Milliseconds())

	s.maybeTrain(s.outcomes.Add(1))
}

// maybeTrain requests a training run whenever the decision-outcome count
// crosses the configured interval. Both commits and infeasible outcomes
// advance the count, since both contribute experiences.
func (s *Scheduler) maybeTrain(outcomes uint64) {
	if !s.training.Enabled || s.trainer == nil || s.training.IntervalCommits <= 0 {
		return
	}
	if outcomes%uint64(s.training.IntervalCommits) == 0 {
		s.trainer.Notify()
	}
}

// recordInfeasible pushes the fixed-penalty terminal experience. Infeasible
// outcomes still count toward learning: the model must see what the cluster
// rejects.
func (s *Scheduler) recordInfeasible(snap *cluster.Snapshot, unit cluster.Unit) {
	s.buffer.Push(model.Experience{
		Seq:      s.seq.Add(1),
		State:    model.BuildInfeasibleFeatures(&unit, snap.Aggregates),
		Reward:   s.rewards.Infeasible(),
		Terminal: true,
	})
	metrics.ExperienceBufferSize.Set(float64(s.buffer.Len()))
}

// bind commits the placement through the API server with a bounded timeout.
func (s *Scheduler) bind(ctx context.Context, unit *cluster.Unit, nodeName string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BindTimeout())
	defer cancel()

	binding := &corev1.Binding{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: unit.Namespace,
			Name:      unit.Name,
			UID:       types.UID(unit.UID),
		},
		Target: corev1.ObjectReference{Kind: "Node", Name: nodeName},
	}
	return s.client.CoreV1().Pods(unit.Namespace).Bind(ctx, binding, metav1.CreateOptions{})
}

func (s *Scheduler) requeue(unit cluster.Unit, attempts int) {
	s.queue.Requeue(unit, attempts, s.cfg.RetryBackoff(), s.cfg.RetryBackoffMax())
}

// freshSnapshot returns the cached snapshot while it is younger than the
// staleness bound, rebuilding otherwise. Projections applied after commits
// keep the cache consistent within a cycle.
func (s *Scheduler) freshSnapshot(ctx context.Context) (*cluster.Snapshot, error) {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()

	if snap != nil && snap.Age() < s.cfg.SnapshotStaleness() {
		return snap, nil
	}

	snap, err := s.builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	s.setSnapshot(snap)
	s.ready.Store(true)
	return snap, nil
}

func (s *Scheduler) setSnapshot(snap *cluster.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

// Snapshot returns the latest snapshot, which may be nil before the first
// successful build.
func (s *Scheduler) Snapshot() *cluster.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Ready reports whether the scheduler has built at least one snapshot.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// Commits returns the number of successful binds.
func (s *Scheduler) Commits() uint64 {
	return s.commits.Load()
}

// PendingKeys returns queued unit identities in dequeue order.
func (s *Scheduler) PendingKeys() []string {
	return s.queue.Keys()
}

func (s *Scheduler) publishClusterMetrics(snap *cluster.Snapshot) {
	metrics.ClusterNodes.WithLabelValues("true").Set(float64(snap.Aggregates.ReadyNodes))
	metrics.ClusterNodes.WithLabelValues("false").Set(float64(snap.Aggregates.TotalNodes - snap.Aggregates.ReadyNodes))
	metrics.ClusterMeanCPUUtilization.Set(snap.Aggregates.MeanCPUUtilization)
	metrics.ClusterBalanceScore.Set(snap.Aggregates.BalanceScore)
}
