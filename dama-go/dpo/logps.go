package dpo

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// IgnoreIndex labels positions that do not contribute to log-probabilities:
// prompt tokens and padding.
const IgnoreIndex = -100

// BatchLogps computes the log-probability of each label under the logits
// predicted at the previous position. logits[i] has one row of vocabulary
// scores per position of labels[i].
//
// perToken[i] has len(labels[i])-1 entries, zero where the label is
// IgnoreIndex. sum[i] is the total over labeled positions and avg[i] its mean,
// which is NaN for a sequence without labels.
func BatchLogps(logits [][][]float64, labels [][]int) (perToken [][]float64, sum, avg []float64, err error) {
	if len(logits) != len(labels) {
		return nil, nil, nil, AssertionErrorf("logits for %d sequences, labels for %d", len(logits), len(labels))
	}

	perToken = make([][]float64, len(labels))
	sum = make([]float64, len(labels))
	avg = make([]float64, len(labels))
	for i, seq := range labels {
		if len(logits[i]) != len(seq) {
			return nil, nil, nil, AssertionErrorf("sequence %d: logits for %d positions, %d labels", i, len(logits[i]), len(seq))
		}
		if len(seq) == 0 {
			avg[i] = math.NaN()
			continue
		}

		perToken[i] = make([]float64, len(seq)-1)
		var count int
		for t := 0; t < len(seq)-1; t++ {
			label := seq[t+1]
			if label == IgnoreIndex {
				continue
			}
			row := logits[i][t]
			if label < 0 || label >= len(row) {
				return nil, nil, nil, AssertionErrorf("sequence %d: label %d at position %d outside vocabulary of %d", i, label, t+1, len(row))
			}
			lp := row[label] - floats.LogSumExp(row)
			perToken[i][t] = lp
			sum[i] += lp
			count++
		}
		avg[i] = sum[i] / float64(count)
	}
	return perToken, sum, avg, nil
}

// WeightedLogp sums perToken weighted by weights over labeled positions. With
// useAverage it divides by the total weight of those positions instead.
// perToken[i] and weights[i] cover len(labels[i])-1 positions.
func WeightedLogp(perToken [][]float64, labels [][]int, weights [][]float64, useAverage bool) ([]float64, error) {
	if len(perToken) != len(labels) || len(weights) != len(labels) {
		return nil, AssertionErrorf("weighted logp over %d per-token rows, %d label rows, %d weight rows",
			len(perToken), len(labels), len(weights))
	}

	out := make([]float64, len(labels))
	for i, seq := range labels {
		width := len(seq) - 1
		if width < 0 {
			width = 0
		}
		if len(perToken[i]) != width || len(weights[i]) != width {
			return nil, AssertionErrorf("sequence %d: %d labels, %d per-token values, %d weights",
				i, len(seq), len(perToken[i]), len(weights[i]))
		}

		var logp, mass float64
		for t := 0; t < width; t++ {
			if seq[t+1] == IgnoreIndex {
				continue
			}
			logp += perToken[i][t] * weights[i][t]
			mass += weights[i][t]
		}
		if useAverage {
			logp /= mass
		}
		out[i] = logp
	}
	return out, nil
}

// SplitConcatenated splits values of a chosen-then-rejected batch into its
// two halves.
func SplitConcatenated(values []float64) (chosen, rejected []float64, err error) {
	if len(values)%2 != 0 {
		return nil, nil, AssertionErrorf("concatenated batch of odd size %d", len(values))
	}
	half := len(values) / 2
	return values[:half], values[half:], nil
}
