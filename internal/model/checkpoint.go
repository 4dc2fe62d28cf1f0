package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
)

// checkpoint is the on-disk JSON form of a parameter generation plus the
// exploration and counter state needed to resume.
type checkpoint struct {
	SavedAt    time.Time `json:"savedAt"`
	InputSize  int       `json:"inputSize"`
	HiddenSize int       `json:"hiddenSize"`
	Version    uint64    `json:"version"`
	Epsilon    float64   `json:"epsilon"`
	Decisions  uint64    `json:"decisions"`
	Episodes   uint64    `json:"episodes"`

	// W1 is row-major hidden x input.
	W1 []float64 `json:"w1"`
	B1 []float64 `json:"b1"`
	W2 []float64 `json:"w2"`
	B2 float64   `json:"b2"`
}

// SaveCheckpoint writes the current model state to path. The file is written
// to a temporary sibling and renamed, so a crash never leaves a truncated
// checkpoint behind.
func (m *Model) SaveCheckpoint(path string) error {
	p := m.params.Load()

	ck := checkpoint{
		SavedAt:    time.Now().UTC(),
		InputSize:  m.inputSize,
		HiddenSize: m.hiddenSize,
		Version:    p.Version,
		Epsilon:    m.Epsilon(),
		Decisions:  m.decisions.Load(),
		Episodes:   m.episodes.Load(),
		W1:         append([]float64(nil), p.W1.RawMatrix().Data...),
		B1:         append([]float64(nil), p.B1.RawVector().Data...),
		W2:         append([]float64(nil), p.W2.RawVector().Data...),
		B2:         p.B2,
	}

	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint replaces the model's parameters, exploration rate, and
// counters with the state stored at path. A checkpoint whose dimensions do
// not match the configured model is rejected; callers treat that as fatal at
// startup rather than silently discarding learned weights.
func (m *Model) LoadCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var ck checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}

	if ck.InputSize != m.inputSize || ck.HiddenSize != m.hiddenSize {
		return fmt.Errorf("checkpoint dimensions %dx%d do not match model %dx%d",
			ck.InputSize, ck.HiddenSize, m.inputSize, m.hiddenSize)
	}
	if len(ck.W1) != ck.HiddenSize*ck.InputSize || len(ck.B1) != ck.HiddenSize || len(ck.W2) != ck.HiddenSize {
		return fmt.Errorf("checkpoint %s has malformed weight arrays", path)
	}

	p := &Params{
		W1:      mat.NewDense(ck.HiddenSize, ck.InputSize, ck.W1),
		B1:      mat.NewVecDense(ck.HiddenSize, ck.B1),
		W2:      mat.NewVecDense(ck.HiddenSize, ck.W2),
		B2:      ck.B2,
		Version: ck.Version,
	}

	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	m.params.Store(p)
	m.decisions.Store(ck.Decisions)
	m.episodes.Store(ck.Episodes)

	m.epsMu.Lock()
	m.epsilon = ck.Epsilon
	if m.epsilon < m.epsilonMin {
		m.epsilon = m.epsilonMin
	}
	m.epsMu.Unlock()

	return nil
}
