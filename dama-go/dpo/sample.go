package dpo

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// SampleSize is the number of examples kept out of n: the ceiling of 80%.
func SampleSize(n int) int {
	return (4*n + 4) / 5
}

// sampler draws subsets of a batch.
type sampler struct {
	src rand.Source
}

// degenerate reports whether weights cannot drive a weighted draw.
func degenerate(weights []float64) bool {
	var total float64
	for _, w := range weights {
		if math.IsInf(w, 0) {
			return true
		}
		total += w
	}
	return total == 0
}

// uniform draws k distinct indices of [0, n) uniformly.
func (s sampler) uniform(n, k int) []int {
	if k == 0 {
		return nil
	}
	idxs := make([]int, k)
	sampleuv.WithoutReplacement(idxs, n, s.src)
	return idxs
}

// weighted draws k distinct indices with probability proportional to weights.
// Once the positive weights are exhausted the rest is drawn uniformly from
// the remaining indices.
func (s sampler) weighted(weights []float64, k int) []int {
	var positive int
	for _, w := range weights {
		if w > 0 {
			positive++
		}
	}

	picked := make([]int, 0, k)
	taken := make([]bool, len(weights))
	ws := sampleuv.NewWeighted(weights, s.src)
	for len(picked) < k && len(picked) < positive {
		i, ok := ws.Take()
		if !ok || taken[i] {
			break
		}
		taken[i] = true
		picked = append(picked, i)
	}

	if rest := k - len(picked); rest > 0 {
		var pool []int
		for i := range weights {
			if !taken[i] {
				pool = append(pool, i)
			}
		}
		for _, j := range s.uniform(len(pool), rest) {
			picked = append(picked, pool[j])
		}
	}
	return picked
}
