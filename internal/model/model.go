package model

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/softcane/neurosched/internal/cluster"
)

// Params holds one immutable generation of model weights. A generation is
// never mutated after publication; Update builds a successor and swaps the
// pointer, so concurrent scoring always sees a complete generation.
type Params struct {
	// W1 is hidden x input, B1 and W2 are hidden-sized.
	W1 *mat.Dense
	B1 *mat.VecDense
	W2 *mat.VecDense
	B2 float64

	// Version increases by exactly one per successful update.
	Version uint64
}

// value runs the forward pass: one ReLU hidden layer into a scalar score.
func (p *Params) value(x []float64) float64 {
	v, _, _ := p.forward(x)
	return v
}

// forward returns the scalar value plus the pre-activation and hidden
// vectors needed for the backward pass.
func (p *Params) forward(x []float64) (float64, *mat.VecDense, *mat.VecDense) {
	in := mat.NewVecDense(len(x), x)

	z := mat.NewVecDense(p.B1.Len(), nil)
	z.MulVec(p.W1, in)
	z.AddVec(z, p.B1)

	h := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		if v := z.AtVec(i); v > 0 {
			h.SetVec(i, v)
		}
	}

	return mat.Dot(p.W2, h) + p.B2, z, h
}

func (p *Params) clone() *Params {
	return &Params{
		W1:      mat.DenseCopyOf(p.W1),
		B1:      mat.VecDenseCopyOf(p.B1),
		W2:      mat.VecDenseCopyOf(p.W2),
		B2:      p.B2,
		Version: p.Version,
	}
}

// Choice is the outcome of one action selection.
type Choice struct {
	NodeName string
	Score    float64
	// Explored marks decisions taken by the exploration branch rather than
	// by argmax.
	Explored bool
	// Features is the input vector of the chosen action, recorded for the
	// experience that follows the commit.
	Features []float64
}

// Model is the trainable state-value scorer. Scoring reads a single atomic
// parameter pointer and never blocks on training; updates serialize behind
// trainMu and publish a new generation when complete.
type Model struct {
	params atomic.Pointer[Params]

	inputSize  int
	hiddenSize int
	lr         float64
	gamma      float64

	// Exploration state. The mutex also guards the rng, which is not safe
	// for concurrent use.
	epsMu        sync.Mutex
	epsilon      float64
	epsilonMin   float64
	epsilonDecay float64
	rng          *rand.Rand

	trainMu sync.Mutex

	decisions atomic.Uint64
	episodes  atomic.Uint64

	fallback *FallbackScorer
	logger   *slog.Logger
}

// Options configures a new model.
type Options struct {
	InputSize    int
	HiddenSize   int
	LearningRate float64
	Gamma        float64

	EpsilonStart float64
	EpsilonMin   float64
	EpsilonDecay float64

	Seed     int64
	Fallback *FallbackScorer
	Logger   *slog.Logger
}

// New creates a model with randomly initialized weights.
func New(opts Options) *Model {
	if opts.InputSize <= 0 {
		opts.InputSize = FeatureCount
	}
	if opts.HiddenSize <= 0 {
		opts.HiddenSize = 32
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.0003
	}
	if opts.Gamma <= 0 {
		opts.Gamma = 0.99
	}
	if opts.EpsilonStart <= 0 {
		opts.EpsilonStart = 1.0
	}
	if opts.EpsilonDecay <= 0 {
		opts.EpsilonDecay = 0.995
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Model{
		inputSize:    opts.InputSize,
		hiddenSize:   opts.HiddenSize,
		lr:           opts.LearningRate,
		gamma:        opts.Gamma,
		epsilon:      opts.EpsilonStart,
		epsilonMin:   opts.EpsilonMin,
		epsilonDecay: opts.EpsilonDecay,
		rng:          rand.New(rand.NewSource(opts.Seed)),
		fallback:     opts.Fallback,
		logger:       opts.Logger,
	}
	m.params.Store(m.initParams())
	return m
}

// initParams builds generation zero with Glorot-style initialization.
func (m *Model) initParams() *Params {
	scale := math.Sqrt(2.0 / float64(m.inputSize+m.hiddenSize))

	w1 := mat.NewDense(m.hiddenSize, m.inputSize, nil)
	for i := 0; i < m.hiddenSize; i++ {
		for j := 0; j < m.inputSize; j++ {
			w1.Set(i, j, m.rng.NormFloat64()*scale)
		}
	}
	w2 := mat.NewVecDense(m.hiddenSize, nil)
	for i := 0; i < m.hiddenSize; i++ {
		w2.SetVec(i, m.rng.NormFloat64()*scale)
	}

	return &Params{
		W1: w1,
		B1: mat.NewVecDense(m.hiddenSize, nil),
		W2: w2,
	}
}

// Score evaluates one feature vector against the current generation.
func (m *Model) Score(features []float64) float64 {
	return m.params.Load().value(features)
}

// Version returns the current parameter generation.
func (m *Model) Version() uint64 {
	return m.params.Load().Version
}

// Epsilon returns the current exploration rate.
func (m *Model) Epsilon() float64 {
	m.epsMu.Lock()
	defer m.epsMu.Unlock()
	return m.epsilon
}

// Decisions returns the number of action selections made.
func (m *Model) Decisions() uint64 {
	return m.decisions.Load()
}

// Episodes returns the number of completed training runs.
func (m *Model) Episodes() uint64 {
	return m.episodes.Load()
}

// SelectTarget chooses a node for the unit from the feasible set using
// epsilon-greedy selection. Exploration picks uniformly at random; otherwise
// the highest-scoring node wins, lowest name first on exact ties. The
// exploration rate decays geometrically after every call, explore or not.
// The feasible set must be non-empty and sorted by node name.
func (m *Model) SelectTarget(u *cluster.Unit, snap *cluster.Snapshot, feasible []cluster.Node) Choice {
	m.epsMu.Lock()
	explore := m.rng.Float64() < m.epsilon
	var pick int
	if explore {
		pick = m.rng.Intn(len(feasible))
	}
	m.epsilon = math.Max(m.epsilonMin, m.epsilon*m.epsilonDecay)
	m.epsMu.Unlock()

	m.decisions.Add(1)

	if explore {
		n := &feasible[pick]
		features := BuildFeatures(u, n, snap.Aggregates)
		return Choice{
			NodeName: n.Name,
			Score:    m.Score(features),
			Explored: true,
			Features: features,
		}
	}

	// Before the first training run the weights are noise; an operator-
	// supplied expression gives deterministic cold-start placements.
	useFallback := m.fallback != nil && m.episodes.Load() == 0

	best := Choice{Score: math.Inf(-1)}
	params := m.params.Load()
	for i := range feasible {
		n := &feasible[i]
		features := BuildFeatures(u, n, snap.Aggregates)

		var score float64
		if useFallback {
			s, err := m.fallback.Score(n)
			if err != nil {
				m.logger.Warn("fallback scorer failed, using model score", "node", n.Name, "error", err)
				score = params.value(features)
			} else {
				score = s
			}
		} else {
			score = params.value(features)
		}

		if score > best.Score {
			best = Choice{NodeName: n.Name, Score: score, Features: features}
		}
	}
	return best
}

// Update performs one gradient step on a sampled batch against the TD target
// r + gamma * V(next) * (1 - terminal) and publishes a new parameter
// generation. Returns the batch mean squared error.
func (m *Model) Update(batch []Experience) (float64, error) {
	if len(batch) == 0 {
		return 0, fmt.Errorf("empty batch")
	}

	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	old := m.params.Load()
	next := old.clone()

	gradW1 := mat.NewDense(m.hiddenSize, m.inputSize, nil)
	gradB1 := mat.NewVecDense(m.hiddenSize, nil)
	gradW2 := mat.NewVecDense(m.hiddenSize, nil)
	var gradB2, loss float64

	for _, exp := range batch {
		if len(exp.State) != m.inputSize {
			return 0, fmt.Errorf("experience state has %d features, model expects %d",
				len(exp.State), m.inputSize)
		}

		v, z, h := next.forward(exp.State)

		target := exp.Reward
		if !exp.Terminal {
			if len(exp.NextState) != m.inputSize {
				return 0, fmt.Errorf("experience next state has %d features, model expects %d",
					len(exp.NextState), m.inputSize)
			}
			target += m.gamma * next.value(exp.NextState)
		}

		diff := v - target
		loss += diff * diff

		// d(MSE)/dv for this sample; the batch mean folds in 1/N.
		g := 2 * diff / float64(len(batch))

		gradB2 += g
		for i := 0; i < m.hiddenSize; i++ {
			gradW2.SetVec(i, gradW2.AtVec(i)+g*h.AtVec(i))
			if z.AtVec(i) <= 0 {
				continue
			}
			gh := g * next.W2.AtVec(i)
			gradB1.SetVec(i, gradB1.AtVec(i)+gh)
			for j := 0; j < m.inputSize; j++ {
				gradW1.Set(i, j, gradW1.At(i, j)+gh*exp.State[j])
			}
		}
	}

	gradW1.Scale(-m.lr, gradW1)
	next.W1.Add(next.W1, gradW1)
	gradB1.ScaleVec(-m.lr, gradB1)
	next.B1.AddVec(next.B1, gradB1)
	gradW2.ScaleVec(-m.lr, gradW2)
	next.W2.AddVec(next.W2, gradW2)
	next.B2 -= m.lr * gradB2

	next.Version = old.Version + 1
	m.params.Store(next)
	m.episodes.Add(1)

	return loss / float64(len(batch)), nil
}
