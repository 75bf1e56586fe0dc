package unigram

import (
	"context"

	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/injadlu/dama/dama-golib/errors"
	"gonum.org/v1/gonum/floats"
)

// AllReducer averages values element-wise across the ranks of a group.
type AllReducer interface {
	AllReduceMean(ctx context.Context, values []float64) ([]float64, error)
}

// Objective describes how per-token log-probabilities were reduced to the
// sequence log-probabilities the loss was computed on.
type Objective struct {
	// TokenWeighted sequences weigh each token by the batch token weights.
	TokenWeighted bool
	// UseAverage sequences divide by the total weight of labeled tokens.
	UseAverage bool
}

// Optimizer applies stochastic gradient descent to a Model.
type Optimizer struct {
	LearningRate float64
	Objective    Objective

	model   *Model
	reducer AllReducer
}

// NewOptimizer returns an optimizer for model. Gradients are averaged through
// reducer; a nil reducer means a single process.
func NewOptimizer(model *Model, reducer AllReducer, lr float64, obj Objective) *Optimizer {
	return &Optimizer{
		LearningRate: lr,
		Objective:    obj,
		model:        model,
		reducer:      reducer,
	}
}

// Gradient returns the derivative with respect to the model logits of
// sum_r seqGrad[r] * logp_r, where logp_r is the log-probability of the
// concatenated row r of b reduced according to the objective.
func (o *Optimizer) Gradient(b *collate.Batch, seqGrad []float64) ([]float64, error) {
	if len(seqGrad) != len(b.ConcatLabels) {
		return nil, dpo.AssertionErrorf("gradient for %d sequences, batch has %d", len(seqGrad), len(b.ConcatLabels))
	}
	if err := dpo.CheckNaN("sequence gradient", seqGrad); err != nil {
		return nil, err
	}

	probs := o.model.Probs()
	grad := make([]float64, len(probs))
	for r, labels := range b.ConcatLabels {
		if seqGrad[r] == 0 {
			continue
		}

		var mass float64
		counts := make(map[int]float64)
		for t := 0; t+1 < len(labels); t++ {
			label := labels[t+1]
			if label == dpo.IgnoreIndex {
				continue
			}
			if label < 0 || label >= len(grad) {
				return nil, dpo.AssertionErrorf("row %d: label %d outside vocabulary of %d", r, label, len(grad))
			}
			w := 1.0
			if o.Objective.TokenWeighted {
				w = b.ConcatTokenWeight[r][t]
			}
			counts[label] += w
			mass += w
		}
		if mass == 0 {
			continue
		}

		coef := seqGrad[r]
		if o.Objective.UseAverage {
			coef /= mass
		}
		for label, w := range counts {
			grad[label] += coef * w
		}
		floats.AddScaled(grad, -coef*mass, probs)
	}
	return grad, nil
}

// Step computes the gradient of the loss given its derivatives with respect
// to the sequence log-probabilities, averages it across ranks and updates
// the model.
func (o *Optimizer) Step(ctx context.Context, b *collate.Batch, seqGrad []float64) error {
	grad, err := o.Gradient(b, seqGrad)
	if err != nil {
		return err
	}
	if o.reducer != nil {
		if grad, err = o.reducer.AllReduceMean(ctx, grad); err != nil {
			return errors.Wrapf(err, "averaging gradients")
		}
	}
	if err := dpo.CheckNaN("parameter gradient", grad); err != nil {
		return err
	}
	floats.AddScaled(o.model.theta, -o.LearningRate, grad)
	return nil
}
