package collate

import (
	"context"
	"math"
	"testing"

	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ig = dpo.IgnoreIndex

func seq(ids ...int) Sequence {
	labels := append([]int(nil), ids...)
	labels[0] = ig
	return Sequence{InputIDs: ids, Labels: labels}
}

func ref(n int, v float64) Reference {
	r := Reference{Logp: v * float64(n), AvgLogp: v}
	for i := 0; i < n; i++ {
		r.PerToken = append(r.PerToken, v)
	}
	return r
}

func testExamples() []Example {
	return []Example{
		{
			Chosen:      seq(1, 10, 11, 12, 20, 13, 14, 15),
			Rejected:    seq(1, 10, 11, 12, 30, 13, 14, 15),
			RefChosen:   ref(7, -1),
			RefRejected: ref(7, -2),
			AuxChosen:   0.5,
			AuxRejected: 0.25,
			Image:       "a.jpg",
		},
		{
			Chosen:      seq(1, 5, 6),
			Rejected:    seq(1, 5, 6, 7, 8),
			RefChosen:   ref(2, -3),
			RefRejected: ref(4, -4),
			AuxChosen:   1,
			AuxRejected: 2,
			Image:       "b.jpg",
		},
	}
}

func newTestAssembler(t *testing.T) *Assembler {
	opts := DefaultOptions()
	opts.Workers = 2
	a, err := NewAssembler(opts, nil)
	require.NoError(t, err)
	return a
}

func TestAssemble(t *testing.T) {
	a := newTestAssembler(t)
	b, err := a.Assemble(context.Background(), testExamples())
	require.NoError(t, err)

	assert.Equal(t, 2, b.Size())
	assert.Equal(t, 8, b.Chosen.Width())
	assert.Equal(t, 8, b.Rejected.Width())

	assert.Equal(t, []int{1, 5, 6, 0, 0, 0, 0, 0}, b.Chosen.InputIDs[1])
	assert.Equal(t, []int{ig, 5, 6, ig, ig, ig, ig, ig}, b.Chosen.Labels[1])
	assert.Equal(t, []bool{true, true, true, false, false, false, false, false}, b.Chosen.AttentionMask[1])
	assert.Equal(t, []int{8, 3}, b.Chosen.Lengths)
	assert.Equal(t, []int{8, 5}, b.Rejected.Lengths)

	// the substituted token is boosted on both sides
	assert.Equal(t, []float64{1, 1, 1, 3, 1, 1, 1}, b.Chosen.TokenWeight[0])
	assert.Equal(t, []float64{1, 1, 1, 3, 1, 1, 1}, b.Rejected.TokenWeight[0])
	// the shared prefix is shorter than the minimum match, so the whole
	// response counts as modified
	assert.Equal(t, []float64{3, 3, 1, 1, 1, 1, 1}, b.Chosen.TokenWeight[1])
	assert.Equal(t, []float64{3, 3, 3, 3, 1, 1, 1}, b.Rejected.TokenWeight[1])

	assert.Equal(t, []float64{-7, -6}, b.Chosen.RefLogp)
	assert.Equal(t, []float64{-1, -3}, b.Chosen.RefAvgLogp)
	assert.Equal(t, []float64{-14, -16}, b.Rejected.RefLogp)
	assert.Equal(t, []float64{-3, -3, 0, 0, 0, 0, 0}, b.Chosen.RefPerToken[1])
	assert.Equal(t, []float64{-4, -4, -4, -4, 0, 0, 0}, b.Rejected.RefPerToken[1])
	assert.Equal(t, []float64{0.5, 1}, b.Chosen.Aux)
	assert.Equal(t, []float64{0.25, 2}, b.Rejected.Aux)

	require.Len(t, b.ConcatInputIDs, 4)
	assert.Equal(t, b.Chosen.InputIDs[0], b.ConcatInputIDs[0])
	assert.Equal(t, b.Chosen.InputIDs[1], b.ConcatInputIDs[1])
	assert.Equal(t, b.Rejected.InputIDs[0], b.ConcatInputIDs[2])
	assert.Equal(t, []int{1, 5, 6, 7, 8, 0, 0, 0}, b.ConcatInputIDs[3])
	assert.Equal(t, []int{ig, 5, 6, 7, 8, ig, ig, ig}, b.ConcatLabels[3])
	assert.Equal(t, b.Rejected.AttentionMask[1], b.ConcatAttentionMask[3])
	assert.Equal(t, [][]float64{
		b.Chosen.TokenWeight[0], b.Chosen.TokenWeight[1],
		b.Rejected.TokenWeight[0], b.Rejected.TokenWeight[1],
	}, b.ConcatTokenWeight)

	require.IsType(t, LLaVAExtension{}, b.Extension)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, b.Extension.(LLaVAExtension).Images)
	assert.Equal(t, LLaVA, b.Extension.Family())
}

func TestAssembleConcatPadsShorterSide(t *testing.T) {
	a := newTestAssembler(t)
	ex := Example{
		Chosen:      seq(1, 2, 3),
		Rejected:    seq(1, 2, 3, 4, 5, 6),
		RefChosen:   ref(2, -1),
		RefRejected: ref(5, -1),
	}
	b, err := a.Assemble(context.Background(), []Example{ex})
	require.NoError(t, err)

	assert.Equal(t, 3, b.Chosen.Width())
	assert.Len(t, b.Chosen.TokenWeight[0], 2)
	assert.Len(t, b.ConcatInputIDs[0], 6)
	require.Len(t, b.ConcatTokenWeight[0], 5)
	assert.Equal(t, 0.0, b.ConcatTokenWeight[0][4])
}

func TestAssembleLengthMismatch(t *testing.T) {
	a := newTestAssembler(t)
	examples := testExamples()
	examples[1].Rejected.Labels = examples[1].Rejected.Labels[:3]

	_, err := a.Assemble(context.Background(), examples)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dpo.ErrAssertion))
	assert.True(t, errors.IsFatal(err))
}

func TestAssembleShortReference(t *testing.T) {
	a := newTestAssembler(t)
	examples := testExamples()
	examples[0].RefChosen = ref(5, -1)

	_, err := a.Assemble(context.Background(), examples)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dpo.ErrAssertion))
}

func TestAssembleTruncatesLongReference(t *testing.T) {
	a := newTestAssembler(t)
	examples := testExamples()
	examples[0].RefChosen = ref(12, -1)

	b, err := a.Assemble(context.Background(), examples)
	require.NoError(t, err)
	assert.Len(t, b.Chosen.RefPerToken[0], 7)
}

func TestAssembleNaNWeight(t *testing.T) {
	opts := DefaultOptions()
	opts.ModTokenWeight = math.NaN()
	a, err := NewAssembler(opts, nil)
	require.NoError(t, err)

	_, err = a.Assemble(context.Background(), testExamples())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dpo.ErrNumerical))
}

func TestAssembleEmpty(t *testing.T) {
	_, err := newTestAssembler(t).Assemble(context.Background(), nil)
	assert.True(t, errors.Is(err, dpo.ErrAssertion))
}

func TestAssembleCachesAlignments(t *testing.T) {
	a := newTestAssembler(t)
	_, err := a.Assemble(context.Background(), testExamples())
	require.NoError(t, err)
	assert.Equal(t, 2, a.cache.Len())

	first, err := a.Assemble(context.Background(), testExamples())
	require.NoError(t, err)
	assert.Equal(t, 2, a.cache.Len())
	assert.Equal(t, []float64{3, 3, 3, 3, 1, 1, 1}, first.Rejected.TokenWeight[1])
}

func TestAssembleCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestAssembler(t).Assemble(ctx, testExamples())
	assert.Error(t, err)
}

func TestAssembleMiniCPM(t *testing.T) {
	examples := testExamples()
	examples[0].MiniCPM = &MiniCPMInputs{
		Chosen:   MiniCPMSequence{ImageBounds: []ImageBound{{1, 3}}, ContextIDs: []int{1, 2, 3}, PositionIDs: []int{0, 1, 2}},
		Rejected: MiniCPMSequence{ImageBounds: []ImageBound{{1, 3}}, ContextIDs: []int{1, 2}, PositionIDs: []int{0, 1}},
	}

	_, err := newTestAssembler(t).Assemble(context.Background(), examples)
	assert.True(t, errors.Is(err, dpo.ErrAssertion))

	examples[1].MiniCPM = &MiniCPMInputs{
		Chosen:   MiniCPMSequence{ContextIDs: []int{4}},
		Rejected: MiniCPMSequence{ContextIDs: []int{5, 6, 7, 8}},
	}
	b, err := newTestAssembler(t).Assemble(context.Background(), examples)
	require.NoError(t, err)

	ext, ok := b.Extension.(MiniCPMExtension)
	require.True(t, ok)
	assert.Equal(t, MiniCPM, ext.Family())
	assert.Equal(t, [][]int{{1, 2, 3, 0}, {4, 0, 0, 0}, {1, 2, 0, 0}, {5, 6, 7, 8}}, ext.ContextIDs)
	assert.Equal(t, []ImageBound{{1, 3}}, ext.ImageBounds[2])
	assert.Equal(t, []int{0, 1, 2}, ext.PositionIDs[0])
}

func TestNewAssemblerInvalid(t *testing.T) {
	opts := DefaultOptions()
	opts.MinMatchSize = 0
	_, err := NewAssembler(opts, nil)
	assert.Error(t, err)
}
