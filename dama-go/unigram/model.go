// Package unigram is a context-free language model: the same next-token
// logits are predicted at every position. It stands in for a real policy so
// that training can run end to end on a CPU.
package unigram

import (
	"context"
	"math"

	"github.com/bytedance/sonic"
	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/floats"
)

// Model holds one logit per vocabulary entry.
type Model struct {
	theta []float64
}

// NewModel returns a model predicting the uniform distribution over a
// vocabulary of the given size.
func NewModel(vocabSize int) (*Model, error) {
	if vocabSize < 1 {
		return nil, errors.Errorf("vocabulary size must be positive, got %d", vocabSize)
	}
	return &Model{theta: make([]float64, vocabSize)}, nil
}

// FromParams returns a model with a copy of theta.
func FromParams(theta []float64) (*Model, error) {
	m, err := NewModel(len(theta))
	if err != nil {
		return nil, err
	}
	copy(m.theta, theta)
	return m, nil
}

// VocabSize of the model.
func (m *Model) VocabSize() int { return len(m.theta) }

// Params returns a copy of the logits.
func (m *Model) Params() []float64 {
	return append([]float64(nil), m.theta...)
}

// Clone returns an independent copy of m.
func (m *Model) Clone() *Model {
	return &Model{theta: m.Params()}
}

// Probs returns the predicted next-token distribution.
func (m *Model) Probs() []float64 {
	lse := floats.LogSumExp(m.theta)
	probs := make([]float64, len(m.theta))
	for v, t := range m.theta {
		probs[v] = math.Exp(t - lse)
	}
	return probs
}

// Logits returns the logits at every position of every sequence. All
// positions share one snapshot of the parameters and must not be modified.
func (m *Model) Logits(ctx context.Context, inputIDs [][]int) ([][][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snapshot := m.Params()
	out := make([][][]float64, len(inputIDs))
	for i, ids := range inputIDs {
		out[i] = make([][]float64, len(ids))
		for t := range ids {
			out[i][t] = snapshot
		}
	}
	return out, nil
}

// Forward returns the logits of the concatenated rows of b.
func (m *Model) Forward(ctx context.Context, b *collate.Batch) ([][][]float64, error) {
	return m.Logits(ctx, b.ConcatInputIDs)
}

type checkpoint struct {
	Theta []float64 `json:"theta"`
}

// Save writes the model to path.
func (m *Model) Save(fs afero.Fs, path string) error {
	buf, err := sonic.Marshal(checkpoint{Theta: m.theta})
	if err != nil {
		return errors.Wrapf(err, "could not encode model")
	}
	if err := afero.WriteFile(fs, path, buf, 0644); err != nil {
		return errors.Wrapf(err, "could not write model to %s", path)
	}
	return nil
}

// Load reads a model written by Save.
func Load(fs afero.Fs, path string) (*Model, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read model %s", path)
	}
	var c checkpoint
	if err := sonic.Unmarshal(buf, &c); err != nil {
		return nil, errors.Wrapf(err, "could not decode model %s", path)
	}
	return FromParams(c.Theta)
}
