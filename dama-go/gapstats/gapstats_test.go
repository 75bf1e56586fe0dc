package gapstats

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/injadlu/dama/dama-golib/collective"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateSingleProcess(t *testing.T) {
	tr := NewTracker(nil)

	s, err := tr.Update(context.Background(), Statistics{}, []float64{1, 2, 3}, []float64{0.5, 0.5})
	require.NoError(t, err)

	assert.InDelta(t, 0.2, s.GapMean, 1e-12)
	assert.InDelta(t, 0.1, s.GapStd, 1e-12)
	assert.InDelta(t, 0.05, s.LossMean, 1e-12)
	assert.InDelta(t, 0, s.LossStd, 1e-12)

	s, err = tr.Update(context.Background(), s, []float64{2}, []float64{1})
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.2+0.1*2, s.GapMean, 1e-12)
	// a single value has no deviation
	assert.InDelta(t, 0.9*0.1, s.GapStd, 1e-12)
	assert.InDelta(t, 0.9*0.05+0.1*1, s.LossMean, 1e-12)
}

func TestUpdateLocalCollective(t *testing.T) {
	withNil, err := NewTracker(nil).Update(context.Background(), Statistics{}, []float64{4, 6}, []float64{1, 3})
	require.NoError(t, err)
	withLocal, err := NewTracker(collective.Local()).Update(context.Background(), Statistics{}, []float64{4, 6}, []float64{1, 3})
	require.NoError(t, err)
	assert.Equal(t, withNil, withLocal)
}

func TestUpdateGroupAverages(t *testing.T) {
	members := collective.NewGroup(2, time.Second)
	inputs := [][]float64{{0, 2}, {10, 10}}

	results := make([]Statistics, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank, c := range members {
		wg.Add(1)
		go func(rank int, c collective.Collective) {
			defer wg.Done()
			results[rank], errs[rank] = NewTracker(c).Update(context.Background(), Statistics{}, inputs[rank], inputs[rank])
		}(rank, c)
	}
	wg.Wait()

	for rank := range members {
		require.NoError(t, errs[rank])
	}
	assert.Equal(t, results[0], results[1])

	// rank 0: mean 1, std sqrt(2); rank 1: mean 10, std 0
	assert.InDelta(t, (0.1+1.0)/2, results[0].GapMean, 1e-12)
	assert.InDelta(t, 0.1*math.Sqrt2/2, results[0].GapStd, 1e-12)
	assert.InDelta(t, results[0].GapMean, results[0].LossMean, 1e-12)
}

func TestUpdateRejectsBadInput(t *testing.T) {
	tr := NewTracker(nil)
	prev := Statistics{GapMean: 1}

	s, err := tr.Update(context.Background(), prev, nil, []float64{1})
	assert.Error(t, err)
	assert.Equal(t, prev, s)

	_, err = tr.Update(context.Background(), prev, []float64{1, math.NaN()}, []float64{1})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
