// Package dpo implements the adaptive-beta Direct Preference Optimization
// loss and the log-probability helpers feeding it.
package dpo

import (
	"context"
	"math"
	"sort"

	"github.com/injadlu/dama/dama-go/gapstats"
	"github.com/injadlu/dama/dama-golib/collective"
	"github.com/injadlu/dama/dama-golib/logging"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
)

const (
	// ConfidenceCalibration is the historical mean of the auxiliary
	// confidence difference; confidence ratios are normalized by its sigmoid.
	ConfidenceCalibration = 0.0482190464911681
	// MinBeta is the floor of the effective beta.
	MinBeta = 1e-3
)

// Inputs are the per-example log-probabilities of the local shard of a batch.
// All slices have the local batch size.
type Inputs struct {
	PolicyChosen   []float64
	PolicyRejected []float64
	RefChosen      []float64
	RefRejected    []float64
	// AuxChosen and AuxRejected are the auxiliary confidence scores.
	AuxChosen   []float64
	AuxRejected []float64
	Beta        float64
	Stats       gapstats.Statistics
}

func (in Inputs) size() (int, error) {
	n := len(in.PolicyChosen)
	for _, l := range []int{len(in.PolicyRejected), len(in.RefChosen), len(in.RefRejected), len(in.AuxChosen), len(in.AuxRejected)} {
		if l != n {
			return 0, AssertionErrorf("loss inputs of different sizes: %d and %d", n, l)
		}
	}
	if n == 0 {
		return 0, AssertionErrorf("empty batch")
	}
	return n, nil
}

func (in Inputs) check() error {
	named := []struct {
		name   string
		values []float64
	}{
		{"policy chosen logp", in.PolicyChosen},
		{"policy rejected logp", in.PolicyRejected},
		{"reference chosen logp", in.RefChosen},
		{"reference rejected logp", in.RefRejected},
		{"auxiliary chosen confidence", in.AuxChosen},
		{"auxiliary rejected confidence", in.AuxRejected},
		{"beta", []float64{in.Beta}},
		{"gap mean", []float64{in.Stats.GapMean}},
	}
	for _, n := range named {
		if err := CheckNaN(n.name, n.values); err != nil {
			return err
		}
	}
	return nil
}

// Result is the outcome of one loss computation on the local shard.
type Result struct {
	// Loss is the mean loss over the selected local examples.
	Loss float64
	// Losses holds the per-example losses, zero for unselected examples.
	Losses []float64
	// Mask is the local slice of GlobalMask.
	Mask       []float64
	GlobalMask []float64
	// Selected is the number of selected examples across all ranks.
	Selected int
	// Clamped is the number of local effective betas raised to MinBeta.
	Clamped int

	Gap []float64
	// GlobalGap is the gap of every example of every rank, ordered by rank.
	GlobalGap []float64
	// GlobalLosses are the losses of GlobalGap at the base beta.
	GlobalLosses []float64

	Confidence     []float64
	SigmoidAverage float64
	Ratio          []float64
	BetaUsed       []float64

	ChosenRewards   []float64
	RejectedRewards []float64
	Accuracies      []float64

	// GradChosen and GradRejected are the derivatives of Loss with respect to
	// the policy log-probabilities.
	GradChosen   []float64
	GradRejected []float64
}

// Loss computes the adaptive-beta DPO loss for one rank of a group.
type Loss struct {
	ReferenceFree bool

	coll    collective.Collective
	sampler sampler
	logger  *zap.Logger
}

// NewLoss returns a loss for the calling rank of coll. The subset draws made
// on rank 0 are seeded with seed.
func NewLoss(coll collective.Collective, seed uint64, logger *zap.Logger) *Loss {
	logger = logging.OrNop(logger)
	return &Loss{
		coll:    coll,
		sampler: sampler{src: rand.NewSource(seed)},
		logger:  logger,
	}
}

// Compute runs one loss computation. Every rank of the group must call it
// once per step with a local batch of the same size.
func (l *Loss) Compute(ctx context.Context, in Inputs) (*Result, error) {
	n, err := in.size()
	if err != nil {
		return nil, err
	}
	if err := in.check(); err != nil {
		return nil, err
	}

	res := &Result{
		Gap:        make([]float64, n),
		Confidence: make([]float64, n),
	}
	calibration := sigmoid(ConfidenceCalibration)
	for i := 0; i < n; i++ {
		gap := in.PolicyChosen[i] - in.PolicyRejected[i]
		if !l.ReferenceFree {
			gap -= in.RefChosen[i] - in.RefRejected[i]
		}
		res.Gap[i] = gap
		res.Confidence[i] = sigmoid(in.AuxChosen[i]-in.AuxRejected[i]) / calibration
	}
	if err := CheckNaN("gap", res.Gap); err != nil {
		return nil, err
	}
	if err := CheckNaN("confidence ratio", res.Confidence); err != nil {
		return nil, err
	}

	res.GlobalGap, err = l.coll.AllGather(ctx, res.Gap)
	if err != nil {
		return nil, err
	}
	if len(res.GlobalGap) != n*l.coll.WorldSize() {
		return nil, AssertionErrorf("gathered %d gaps from %d ranks of %d", len(res.GlobalGap), l.coll.WorldSize(), n)
	}
	if err := CheckNaN("gathered gap", res.GlobalGap); err != nil {
		return nil, err
	}

	sampled, err := l.selectExamples(ctx, res.GlobalGap, in.Stats.GapMean)
	if err != nil {
		return nil, err
	}
	res.Selected = len(sampled)
	res.GlobalMask = make([]float64, len(res.GlobalGap))
	var sigmoidSum float64
	for _, i := range sampled {
		res.GlobalMask[i] = 1
		sigmoidSum += sigmoid(res.GlobalGap[i])
	}
	offset := l.coll.Rank() * n
	res.Mask = res.GlobalMask[offset : offset+n]

	res.SigmoidAverage = sigmoidSum / float64(len(sampled))
	ratio := res.SigmoidAverage / sigmoid(in.Stats.GapMean)

	res.Ratio = make([]float64, n)
	res.BetaUsed = make([]float64, n)
	res.Losses = make([]float64, n)
	var selected float64
	for i := 0; i < n; i++ {
		res.Ratio[i] = res.Confidence[i] * ratio
		beta := in.Beta * res.Ratio[i]
		if beta <= MinBeta {
			res.Clamped++
			beta = MinBeta
		}
		res.BetaUsed[i] = beta
		res.Losses[i] = res.Mask[i] * -logSigmoid(beta*res.Gap[i])
		selected += res.Mask[i]
	}
	if err := CheckNaN("effective beta", res.BetaUsed); err != nil {
		return nil, err
	}
	if err := CheckNaN("loss", res.Losses); err != nil {
		return nil, err
	}

	count := math.Max(1, selected)
	res.GradChosen = make([]float64, n)
	res.GradRejected = make([]float64, n)
	for i := 0; i < n; i++ {
		res.Loss += res.Losses[i]
		g := -res.Mask[i] * res.BetaUsed[i] * sigmoid(-res.BetaUsed[i]*res.Gap[i]) / count
		res.GradChosen[i] = g
		res.GradRejected[i] = -g
	}
	res.Loss /= count

	res.GlobalLosses = make([]float64, len(res.GlobalGap))
	for i, gap := range res.GlobalGap {
		res.GlobalLosses[i] = -logSigmoid(in.Beta * gap)
	}

	res.ChosenRewards = make([]float64, n)
	res.RejectedRewards = make([]float64, n)
	res.Accuracies = make([]float64, n)
	for i := 0; i < n; i++ {
		res.ChosenRewards[i] = in.Beta * (in.PolicyChosen[i] - in.RefChosen[i])
		res.RejectedRewards[i] = in.Beta * (in.PolicyRejected[i] - in.RefRejected[i])
		if res.ChosenRewards[i] > res.RejectedRewards[i] {
			res.Accuracies[i] = 1
		}
	}

	return res, nil
}

// selectExamples draws the examples of the global batch contributing to the
// loss. Rank 0 draws and broadcasts, so that every rank uses the same subset.
func (l *Loss) selectExamples(ctx context.Context, gaps []float64, gapMean float64) ([]int, error) {
	k := SampleSize(len(gaps))

	var drawn []int
	if l.coll.Rank() == 0 {
		weights := make([]float64, len(gaps))
		for i, a := range gaps {
			d := a - gapMean
			weights[i] = math.Exp(-0.5 * d * d)
		}
		if err := CheckNaN("sampling weight", weights); err != nil {
			return nil, err
		}

		if degenerate(weights) {
			l.logger.Warn("degenerate sampling weights, drawing uniformly",
				zap.Int("batch_size", len(gaps)), zap.Float64("gap_mean", gapMean))
			drawn = l.sampler.uniform(len(gaps), k)
		} else {
			drawn = l.sampler.weighted(weights, k)
		}
		sort.Ints(drawn)
	}

	sampled, err := l.coll.Broadcast(ctx, 0, drawn)
	if err != nil {
		return nil, err
	}
	if len(sampled) != k {
		return nil, AssertionErrorf("received %d sampled examples, expected %d", len(sampled), k)
	}
	seen := make(map[int]bool, k)
	for _, i := range sampled {
		if i < 0 || i >= len(gaps) || seen[i] {
			return nil, AssertionErrorf("invalid sampled example %d in a batch of %d", i, len(gaps))
		}
		seen[i] = true
	}
	return sampled, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// logSigmoid is log(sigmoid(x)), stable for large |x|.
func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}
