package model

import (
	"fmt"

	"github.com/Knetic/govaluate"

	"github.com/softcane/neurosched/internal/cluster"
)

// FallbackScorer evaluates an operator-supplied expression over node features
// to score candidates before the model has trained. Available variables:
//
//	cpu_free     free CPU fraction in [0, 1]
//	mem_free     free memory fraction in [0, 1]
//	pod_fraction pod count over pod capacity in [0, 1]
//	ready        1 when the node is Ready, else 0
type FallbackScorer struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewFallbackScorer compiles the expression. An empty expression is invalid;
// callers should pass nil instead of a no-op scorer.
func NewFallbackScorer(expression string) (*FallbackScorer, error) {
	if expression == "" {
		return nil, fmt.Errorf("fallback expression is empty")
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fallback expression %q: %w", expression, err)
	}
	return &FallbackScorer{source: expression, expr: expr}, nil
}

// String returns the original expression source.
func (f *FallbackScorer) String() string {
	return f.source
}

// Score evaluates the expression against one node.
func (f *FallbackScorer) Score(n *cluster.Node) (float64, error) {
	ready := 0.0
	if n.Ready {
		ready = 1.0
	}
	params := map[string]interface{}{
		"cpu_free":     1 - n.CPUFraction(),
		"mem_free":     1 - n.MemoryFraction(),
		"pod_fraction": n.PodFraction(),
		"ready":        ready,
	}

	result, err := f.expr.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate fallback expression: %w", err)
	}
	v, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("fallback expression returned %T, want float64", result)
	}
	return v, nil
}
