// Package gapstats tracks running statistics of the DPO preference gap and
// loss, synchronized across the ranks of a training group.
package gapstats

import (
	"context"
	"math"

	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/montanaflynn/stats"
)

// DefaultGamma is the decay of the exponential moving averages.
const DefaultGamma = 0.9

// Statistics are the running averages of the preference gap and the
// per-example loss. The zero value is the state before the first step.
type Statistics struct {
	GapMean  float64 `json:"gap_mean"`
	GapStd   float64 `json:"gap_std"`
	LossMean float64 `json:"loss_mean"`
	LossStd  float64 `json:"loss_std"`
}

func (s Statistics) values() []float64 {
	return []float64{s.GapMean, s.GapStd, s.LossMean, s.LossStd}
}

func fromValues(v []float64) Statistics {
	return Statistics{GapMean: v[0], GapStd: v[1], LossMean: v[2], LossStd: v[3]}
}

// AllReducer averages values element-wise across the ranks of a group.
type AllReducer interface {
	AllReduceMean(ctx context.Context, values []float64) ([]float64, error)
}

// Tracker updates Statistics once per optimization step.
type Tracker struct {
	Gamma   float64
	reducer AllReducer
}

// NewTracker returns a tracker that synchronizes through reducer; a nil
// reducer means a single process.
func NewTracker(reducer AllReducer) *Tracker {
	return &Tracker{Gamma: DefaultGamma, reducer: reducer}
}

// Update folds this step's gaps and losses into prev and returns the new
// statistics, averaged across ranks. Every rank must call Update exactly
// once per step or the group deadlocks.
func (t *Tracker) Update(ctx context.Context, prev Statistics, gaps, losses []float64) (Statistics, error) {
	gapMean, gapStd, err := meanStd(gaps)
	if err != nil {
		return prev, errors.Wrapf(err, "gap statistics")
	}
	lossMean, lossStd, err := meanStd(losses)
	if err != nil {
		return prev, errors.Wrapf(err, "loss statistics")
	}

	next := Statistics{
		GapMean:  ema(prev.GapMean, gapMean, t.Gamma),
		GapStd:   ema(prev.GapStd, gapStd, t.Gamma),
		LossMean: ema(prev.LossMean, lossMean, t.Gamma),
		LossStd:  ema(prev.LossStd, lossStd, t.Gamma),
	}

	if t.reducer == nil {
		return next, nil
	}
	reduced, err := t.reducer.AllReduceMean(ctx, next.values())
	if err != nil {
		return prev, err
	}
	if len(reduced) != 4 {
		return prev, errors.Fatalf("all-reduce returned %d statistics, expected 4", len(reduced))
	}
	return fromValues(reduced), nil
}

func ema(running, sample, gamma float64) float64 {
	return gamma*running + (1-gamma)*sample
}

// meanStd returns the mean and the sample standard deviation of values. The
// deviation of fewer than two values is 0.
func meanStd(values []float64) (float64, float64, error) {
	if len(values) == 0 {
		return 0, 0, errors.Fatalf("no values")
	}
	for i, v := range values {
		if math.IsNaN(v) {
			return 0, 0, errors.Fatalf("NaN at position %d", i)
		}
	}

	mean, err := stats.Mean(values)
	if err != nil {
		return 0, 0, err
	}
	if len(values) < 2 {
		return mean, 0, nil
	}
	std, err := stats.StandardDeviationSample(values)
	if err != nil {
		return 0, 0, err
	}
	return mean, std, nil
}
