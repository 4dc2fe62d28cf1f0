// Package telemetry provides a Prometheus client for querying live node
// utilization. It supplements request-derived allocation fractions with
// observed usage when a Prometheus endpoint is configured.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/softcane/neurosched/internal/cluster"
)

// Client wraps the Prometheus API for node utilization queries.
type Client struct {
	api     v1.API
	timeout time.Duration
	logger  *slog.Logger
}

// ClientConfig holds configuration for the telemetry client.
type ClientConfig struct {
	PrometheusURL string
	Timeout       time.Duration
	Logger        *slog.Logger
	// API is an optional Prometheus API client. If nil, one is created from
	// PrometheusURL. Useful for testing.
	API v1.API
}

// NewClient creates a new Prometheus telemetry client.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var v1api v1.API
	if cfg.API != nil {
		v1api = cfg.API
	} else {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("PrometheusURL is required")
		}
		client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		v1api = v1.NewAPI(client)
	}

	return &Client{api: v1api, timeout: timeout, logger: logger}, nil
}

// GetNodeUtilization queries Prometheus for current node CPU and memory
// utilization fractions. Implements cluster.UtilizationProvider.
func (c *Client) GetNodeUtilization(ctx context.Context) (map[string]cluster.NodeUtilization, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cpu, err := c.queryCPUUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query CPU utilization: %w", err)
	}

	mem, err := c.queryMemoryUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory utilization: %w", err)
	}

	out := make(map[string]cluster.NodeUtilization, len(cpu))
	for node, v := range cpu {
		out[node] = cluster.NodeUtilization{CPU: v, Memory: mem[node]}
	}
	for node, v := range mem {
		if _, ok := out[node]; !ok {
			out[node] = cluster.NodeUtilization{Memory: v}
		}
	}
	return out, nil
}

// queryCPUUsage queries node CPU utilization as a fraction in [0, 1].
func (c *Client) queryCPUUsage(ctx context.Context) (map[string]float64, error) {
	query := `1 - avg by (node) (rate(node_cpu_seconds_total{mode="idle"}[5m]))`

	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	return c.extractNodeValues(result), nil
}

// queryMemoryUsage queries node memory utilization as a fraction in [0, 1].
func (c *Client) queryMemoryUsage(ctx context.Context) (map[string]float64, error) {
	query := `1 - node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes`

	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	return c.extractNodeValues(result), nil
}

// extractNodeValues extracts node-keyed values from a Prometheus query result.
func (c *Client) extractNodeValues(result model.Value) map[string]float64 {
	values := make(map[string]float64)

	vector, ok := result.(model.Vector)
	if !ok {
		c.logger.Warn("unexpected prometheus result type", "type", result.Type())
		return values
	}

	for _, sample := range vector {
		nodeLabel := string(sample.Metric["node"])
		if nodeLabel == "" {
			nodeLabel = string(sample.Metric["instance"])
		}
		if nodeLabel == "" {
			continue
		}
		v := float64(sample.Value)
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		values[nodeLabel] = v
	}

	return values
}
