package unigram

import (
	"context"
	"testing"

	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/injadlu/dama/dama-golib/collective"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ignore = dpo.IgnoreIndex

func testBatch() *collate.Batch {
	return &collate.Batch{
		ConcatInputIDs: [][]int{
			{1, 4, 5, 3},
			{1, 4, 6, 0},
		},
		ConcatLabels: [][]int{
			{ignore, 4, 5, 3},
			{ignore, ignore, 6, ignore},
		},
		ConcatTokenWeight: [][]float64{
			{1, 3, 1},
			{1, 3, 0},
		},
	}
}

// objective is sum_r seqGrad[r] * logp_r computed the way the trainer does.
func objective(t *testing.T, m *Model, b *collate.Batch, obj Objective, seqGrad []float64) float64 {
	logits, err := m.Forward(context.Background(), b)
	require.NoError(t, err)
	perToken, sum, avg, err := dpo.BatchLogps(logits, b.ConcatLabels)
	require.NoError(t, err)

	logps := sum
	switch {
	case obj.TokenWeighted:
		logps, err = dpo.WeightedLogp(perToken, b.ConcatLabels, b.ConcatTokenWeight, obj.UseAverage)
		require.NoError(t, err)
	case obj.UseAverage:
		logps = avg
	}

	var f float64
	for r, g := range seqGrad {
		f += g * logps[r]
	}
	return f
}

func TestForward(t *testing.T) {
	m, err := FromParams([]float64{0, 1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	b := testBatch()
	logits, err := m.Forward(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, logits, 2)
	for _, row := range logits {
		require.Len(t, row, 4)
		for _, pos := range row {
			assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6}, pos)
		}
	}

	var total float64
	for _, p := range m.Probs() {
		total += p
	}
	assert.InDelta(t, 1, total, 1e-12)

	_, err = NewModel(0)
	assert.Error(t, err)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	seqGrad := []float64{-0.7, 0.4}
	for _, obj := range []Objective{
		{},
		{UseAverage: true},
		{TokenWeighted: true},
		{TokenWeighted: true, UseAverage: true},
	} {
		m, err := FromParams([]float64{0.1, -0.2, 0.3, 0.5, -0.4, 0.2, 0})
		require.NoError(t, err)
		b := testBatch()

		grad, err := NewOptimizer(m, nil, 0.1, obj).Gradient(b, seqGrad)
		require.NoError(t, err)

		const eps = 1e-6
		for v := range m.theta {
			orig := m.theta[v]
			m.theta[v] = orig + eps
			up := objective(t, m, b, obj, seqGrad)
			m.theta[v] = orig - eps
			down := objective(t, m, b, obj, seqGrad)
			m.theta[v] = orig

			assert.InDelta(t, (up-down)/(2*eps), grad[v], 1e-6, "%+v: logit %d", obj, v)
		}
	}
}

func TestStepIncreasesLikelihood(t *testing.T) {
	m, err := NewModel(7)
	require.NoError(t, err)
	b := testBatch()
	obj := Objective{TokenWeighted: true}
	// minimizing -logp of both rows
	seqGrad := []float64{-1, -1}

	before := objective(t, m, b, obj, seqGrad)
	opt := NewOptimizer(m, collective.Local(), 0.5, obj)
	for i := 0; i < 5; i++ {
		require.NoError(t, opt.Step(context.Background(), b, seqGrad))
	}
	after := objective(t, m, b, obj, seqGrad)
	assert.Less(t, after, before)
}

func TestStepAveragesAcrossRanks(t *testing.T) {
	group := collective.NewGroup(2, 0)
	models := make([]*Model, 2)
	grads := [][]float64{{-1, 0}, {0, -1}}
	errs := make(chan error, 2)
	for r := range group {
		m, err := NewModel(7)
		require.NoError(t, err)
		models[r] = m
		go func(r int) {
			opt := NewOptimizer(models[r], group[r], 1, Objective{})
			errs <- opt.Step(context.Background(), testBatch(), grads[r])
		}(r)
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, models[0].Params(), models[1].Params())

	single, err := NewModel(7)
	require.NoError(t, err)
	grad, err := NewOptimizer(single, nil, 1, Objective{}).Gradient(testBatch(), []float64{-0.5, -0.5})
	require.NoError(t, err)
	for v, g := range grad {
		assert.InDelta(t, -g, models[0].theta[v], 1e-12)
	}
}

func TestGradientErrors(t *testing.T) {
	m, err := NewModel(7)
	require.NoError(t, err)
	opt := NewOptimizer(m, nil, 1, Objective{})

	_, err = opt.Gradient(testBatch(), []float64{1})
	assert.ErrorIs(t, err, dpo.ErrAssertion)

	small, err := NewModel(3)
	require.NoError(t, err)
	_, err = NewOptimizer(small, nil, 1, Objective{}).Gradient(testBatch(), []float64{1, 1})
	assert.ErrorIs(t, err, dpo.ErrAssertion)
}

func TestSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := FromParams([]float64{0.25, -1, 3})
	require.NoError(t, err)
	require.NoError(t, m.Save(fs, "/model.json"))

	loaded, err := Load(fs, "/model.json")
	require.NoError(t, err)
	assert.Equal(t, m.Params(), loaded.Params())

	clone := loaded.Clone()
	clone.theta[0] = 9
	assert.Equal(t, 0.25, loaded.Params()[0])
}
