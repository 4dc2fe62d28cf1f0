package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/neurosched/internal/api"
	"github.com/softcane/neurosched/internal/cluster"
	"github.com/softcane/neurosched/internal/config"
	"github.com/softcane/neurosched/internal/model"
	"github.com/softcane/neurosched/internal/scheduler"
	"github.com/softcane/neurosched/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the NeuroSched placement engine",
	Long: `Run starts NeuroSched in controller mode.

The engine will:
1. Connect to the Kubernetes API server
2. Watch for pending pods that declare this scheduler
3. Place each pod with the scoring model and learn from the outcome

The management API and Prometheus metrics are served on separate ports.`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Load Configuration
	if cfgFile == "" {
		cfgFile = "config/default.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting NeuroSched",
		"schedulerName", cfg.Scheduler.Name,
		"trainingEnabled", cfg.Training.Enabled,
	)

	// 2. Initialize Kubernetes Client
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		// Fallback to kubeconfig if not in cluster
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	k8sClient, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	// 3. Initialize Snapshot Builder, with live telemetry when configured
	builder := cluster.NewBuilder(k8sClient, slog.Default())
	if cfg.Telemetry.PrometheusURL != "" {
		promClient, err := telemetry.NewClient(telemetry.ClientConfig{
			PrometheusURL: cfg.Telemetry.PrometheusURL,
			Timeout:       cfg.Telemetry.Timeout(),
			Logger:        slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry client: %w", err)
		}
		builder.SetUtilizationProvider(promClient)
		slog.Info("live utilization enabled", "prometheusUrl", cfg.Telemetry.PrometheusURL)
	}

	// 4. Initialize the Scoring Model
	var fallback *model.FallbackScorer
	if cfg.Model.FallbackExpression != "" {
		fallback, err = model.NewFallbackScorer(cfg.Model.FallbackExpression)
		if err != nil {
			return fmt.Errorf("failed to compile fallback expression: %w", err)
		}
		slog.Info("cold-start fallback scorer enabled", "expression", fallback.String())
	}

	m := model.New(model.Options{
		HiddenSize:   cfg.Model.HiddenSize,
		LearningRate: cfg.Model.LearningRate,
		Gamma:        cfg.Model.Gamma,
		EpsilonStart: cfg.Model.EpsilonStart,
		EpsilonMin:   cfg.Model.EpsilonMin,
		EpsilonDecay: cfg.Model.EpsilonDecay,
		Seed:         time.Now().UnixNano(),
		Fallback:     fallback,
		Logger:       slog.Default(),
	})

	if cfg.Model.CheckpointPath != "" {
		switch err := m.LoadCheckpoint(cfg.Model.CheckpointPath); {
		case err == nil:
			slog.Info("checkpoint restored",
				"path", cfg.Model.CheckpointPath,
				"version", m.Version(),
				"epsilon", m.Epsilon(),
			)
		case errors.Is(err, os.ErrNotExist):
			slog.Info("no checkpoint found, cold start", "path", cfg.Model.CheckpointPath)
		default:
			// A present but unusable checkpoint is fatal: silently training
			// from scratch would discard learned behavior.
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
	}

	// 5. Experience Buffer, Trainer, and Scheduler
	buffer := model.NewBuffer(cfg.Training.BufferCapacity, time.Now().UnixNano())
	trainer := scheduler.NewTrainer(m, buffer, cfg.Training, cfg.Model.CheckpointPath, slog.Default())

	sched, err := scheduler.New(scheduler.Options{
		Client:   k8sClient,
		Builder:  builder,
		Model:    m,
		Rewards:  scheduler.NewRewardCalculator(cfg.Reward),
		Buffer:   buffer,
		Trainer:  trainer,
		Config:   cfg.Scheduler,
		Training: cfg.Training,
		Logger:   slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := sched.WarmUp(ctx); err != nil {
		slog.Warn("initial snapshot failed, will retry in the decision loop", "error", err)
	}

	// 6. Start Metrics Server (Non-blocking)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Management.MetricsPort)
		slog.Info("starting metrics server", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	// 7. Start Management API (Non-blocking)
	apiServer := api.NewServer(api.Options{
		Scheduler: sched,
		Model:     m,
		Trainer:   trainer,
		Buffer:    buffer,
		Config:    cfg,
		Logger:    slog.Default(),
	})
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Management.APIPort)
		if err := apiServer.Run(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("management API failed", "error", err)
		}
	}()

	// 8. Start the Trainer and the Decision Loop
	if cfg.Training.Enabled {
		go trainer.Run(ctx)
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler failure: %w", err)
	}
	return nil
}
