package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/softcane/neurosched/internal/config"
	"github.com/softcane/neurosched/internal/metrics"
	"github.com/softcane/neurosched/internal/model"
)

// TrainSummary reports the outcome of a training request.
type TrainSummary struct {
	Requested    int     `json:"requested"`
	Completed    int     `json:"completed"`
	Skipped      int     `json:"skipped"`
	LastLoss     float64 `json:"lastLoss"`
	ModelVersion uint64  `json:"modelVersion"`
	Checkpointed bool    `json:"checkpointed"`
}

// Trainer runs gradient updates against the experience buffer. Automatic
// runs are triggered by the decision loop every N commits; the management
// API triggers manual runs. Both paths funnel through Train, which
// serializes on the model's own update lock.
type Trainer struct {
	model          *model.Model
	buffer         *model.Buffer
	cfg            config.TrainingConfig
	checkpointPath string
	logger         *slog.Logger

	notify chan struct{}

	mu   sync.Mutex
	last TrainSummary
}

// NewTrainer creates a trainer. checkpointPath may be empty to disable
// checkpoint persistence.
func NewTrainer(m *model.Model, buf *model.Buffer, cfg config.TrainingConfig, checkpointPath string, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		model:          m,
		buffer:         buf,
		cfg:            cfg,
		checkpointPath: checkpointPath,
		logger:         logger,
		notify:         make(chan struct{}, 1),
	}
}

// Notify requests an automatic training run. Never blocks; a run already
// pending absorbs the request.
func (t *Trainer) Notify() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Run consumes automatic training requests until the context ends.
func (t *Trainer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.notify:
			t.Train(1, t.cfg.CheckpointOnTrain)
		}
	}
}

// Train runs up to episodes gradient updates. An episode with too few
// buffered experiences is skipped, not failed, and ends the run early.
func (t *Trainer) Train(episodes int, checkpoint bool) TrainSummary {
	if episodes <= 0 {
		episodes = 1
	}
	summary := TrainSummary{Requested: episodes}

	for i := 0; i < episodes; i++ {
		batch, err := t.buffer.Sample(t.cfg.BatchSize)
		if err != nil {
			summary.Skipped = episodes - i
			metrics.TrainingSkips.Add(float64(summary.Skipped))
			t.logger.Info("training skipped, not enough experiences",
				"buffered", t.buffer.Len(), "batchSize", t.cfg.BatchSize)
			break
		}

		loss, err := t.model.Update(batch)
		if err != nil {
			summary.Skipped = episodes - i
			t.logger.Error("training update failed", "error", err)
			break
		}

		summary.Completed++
		summary.LastLoss = loss
		metrics.TrainingEpisodes.Inc()
		metrics.TrainingLoss.Set(loss)
	}

	summary.ModelVersion = t.model.Version()
	metrics.ModelVersion.Set(float64(summary.ModelVersion))

	if checkpoint && summary.Completed > 0 && t.checkpointPath != "" {
		if err := t.model.SaveCheckpoint(t.checkpointPath); err != nil {
			t.logger.Error("failed to write checkpoint", "path", t.checkpointPath, "error", err)
		} else {
			summary.Checkpointed = true
			t.logger.Info("checkpoint written", "path", t.checkpointPath, "version", summary.ModelVersion)
		}
	}

	if summary.Completed > 0 {
		t.logger.Info("training run complete",
			"episodes", summary.Completed, "loss", summary.LastLoss, "version", summary.ModelVersion)
	}

	t.mu.Lock()
	t.last = summary
	t.mu.Unlock()
	return summary
}

// Last returns the most recent training summary.
func (t *Trainer) Last() TrainSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
