// Package trainer runs synchronous data-parallel DPO training: every rank
// computes the loss on its shard of a global batch, and the ranks agree on
// the selected examples, the gap statistics and the parameter updates.
package trainer

import (
	"context"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-go/dataset"
	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/injadlu/dama/dama-go/gapstats"
	"github.com/injadlu/dama/dama-go/metrics"
	"github.com/injadlu/dama/dama-golib/collective"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/injadlu/dama/dama-golib/logging"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// Policy predicts the logits of the concatenated rows of a batch.
type Policy interface {
	Forward(ctx context.Context, b *collate.Batch) ([][][]float64, error)
}

// Optimizer updates the policy given the derivatives of the loss with respect
// to the log-probabilities of the concatenated rows of a batch.
type Optimizer interface {
	Step(ctx context.Context, b *collate.Batch, seqGrad []float64) error
}

// Options parameterize training.
type Options struct {
	Beta           float64
	TokenWeighted  bool
	UseAverageLogp bool
	ReferenceFree  bool
	Seed           uint64
	// BatchSize is the number of preferences per rank and step.
	BatchSize int
	Epochs    int
	// EvalEvery is the number of training steps between evaluations; 0
	// evaluates after each epoch only.
	EvalEvery int
}

// Components are the collaborators of a Trainer. Recorder may be nil, e.g.
// on ranks other than 0.
type Components struct {
	Collective collective.Collective
	Encoder    *Encoder
	Assembler  *collate.Assembler
	Policy     Policy
	Optimizer  Optimizer
	Recorder   metrics.Recorder
	Logger     *zap.Logger
}

// Trainer runs the training loop of one rank.
type Trainer struct {
	opts Options
	c    Components

	loss    *dpo.Loss
	tracker *gapstats.Tracker
	stats   gapstats.Statistics
	step    int
}

// New returns a trainer.
func New(opts Options, c Components) (*Trainer, error) {
	switch {
	case c.Collective == nil:
		return nil, errors.Errorf("trainer needs a collective")
	case c.Encoder == nil || c.Assembler == nil:
		return nil, errors.Errorf("trainer needs an encoder and an assembler")
	case c.Policy == nil || c.Optimizer == nil:
		return nil, errors.Errorf("trainer needs a policy and an optimizer")
	case opts.BatchSize < 1:
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	c.Logger = logging.OrNop(c.Logger)

	loss := dpo.NewLoss(c.Collective, opts.Seed, c.Logger)
	loss.ReferenceFree = opts.ReferenceFree
	return &Trainer{
		opts:    opts,
		c:       c,
		loss:    loss,
		tracker: gapstats.NewTracker(c.Collective),
	}, nil
}

// Statistics are the current gap statistics.
func (t *Trainer) Statistics() gapstats.Statistics { return t.stats }

// Steps is the number of optimizer steps taken so far.
func (t *Trainer) Steps() int { return t.step }

// sequenceLogps reduces the per-token log-probabilities of the policy and the
// reference to one value per sequence, as configured.
func (t *Trainer) sequenceLogps(b *collate.Batch, perToken [][]float64, sum, avg []float64) (policy, refChosen, refRejected []float64, err error) {
	switch {
	case t.opts.TokenWeighted:
		if policy, err = dpo.WeightedLogp(perToken, b.ConcatLabels, b.ConcatTokenWeight, t.opts.UseAverageLogp); err != nil {
			return nil, nil, nil, err
		}
		if refChosen, err = dpo.WeightedLogp(b.Chosen.RefPerToken, b.Chosen.Labels, b.Chosen.TokenWeight, t.opts.UseAverageLogp); err != nil {
			return nil, nil, nil, err
		}
		if refRejected, err = dpo.WeightedLogp(b.Rejected.RefPerToken, b.Rejected.Labels, b.Rejected.TokenWeight, t.opts.UseAverageLogp); err != nil {
			return nil, nil, nil, err
		}
	case t.opts.UseAverageLogp:
		policy, refChosen, refRejected = avg, b.Chosen.RefAvgLogp, b.Rejected.RefAvgLogp
	default:
		policy, refChosen, refRejected = sum, b.Chosen.RefLogp, b.Rejected.RefLogp
	}

	if err := dpo.CheckNaN("policy logp", policy); err != nil {
		return nil, nil, nil, err
	}
	if err := dpo.CheckNaN("reference chosen logp", refChosen); err != nil {
		return nil, nil, nil, err
	}
	if err := dpo.CheckNaN("reference rejected logp", refRejected); err != nil {
		return nil, nil, nil, err
	}
	return policy, refChosen, refRejected, nil
}

// Step computes the loss of one local batch. In the training phase it also
// updates the gap statistics and the policy. Every rank must call Step with
// the same phase and a batch of the same size.
func (t *Trainer) Step(ctx context.Context, prefs []dataset.Preference, phase metrics.Phase) (*metrics.Metrics, error) {
	examples, err := t.c.Encoder.Encode(ctx, prefs)
	if err != nil {
		return nil, err
	}
	batch, err := t.c.Assembler.Assemble(ctx, examples)
	if err != nil {
		return nil, err
	}

	logits, err := t.c.Policy.Forward(ctx, batch)
	if err != nil {
		return nil, errors.Wrapf(err, "policy forward pass")
	}
	perToken, sum, avg, err := dpo.BatchLogps(logits, batch.ConcatLabels)
	if err != nil {
		return nil, err
	}
	policy, refChosen, refRejected, err := t.sequenceLogps(batch, perToken, sum, avg)
	if err != nil {
		return nil, err
	}
	chosen, rejected, err := dpo.SplitConcatenated(policy)
	if err != nil {
		return nil, err
	}

	res, err := t.loss.Compute(ctx, dpo.Inputs{
		PolicyChosen:   chosen,
		PolicyRejected: rejected,
		RefChosen:      refChosen,
		RefRejected:    refRejected,
		AuxChosen:      batch.Chosen.Aux,
		AuxRejected:    batch.Rejected.Aux,
		Beta:           t.opts.Beta,
		Stats:          t.stats,
	})
	if err != nil {
		return nil, err
	}

	if phase == metrics.Train {
		if t.stats, err = t.tracker.Update(ctx, t.stats, res.GlobalGap, res.GlobalLosses); err != nil {
			return nil, err
		}
	}

	m, err := t.collect(ctx, phase, res, batch, chosen, rejected, refChosen, refRejected)
	if err != nil {
		return nil, err
	}

	if phase == metrics.Train {
		seqGrad := append(append([]float64(nil), res.GradChosen...), res.GradRejected...)
		if err := t.c.Optimizer.Step(ctx, batch, seqGrad); err != nil {
			return nil, errors.Wrapf(err, "optimizer step")
		}
		t.step++
	}
	return m, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}

// collect builds the metrics of a step, averaged across ranks.
func (t *Trainer) collect(ctx context.Context, phase metrics.Phase, res *dpo.Result, b *collate.Batch,
	chosen, rejected, refChosen, refRejected []float64) (*metrics.Metrics, error) {

	margins := make([]float64, len(res.ChosenRewards))
	vlmDiff := make([]float64, len(res.ChosenRewards))
	for i := range margins {
		margins[i] = res.ChosenRewards[i] - res.RejectedRewards[i]
		vlmDiff[i] = sigmoid(b.Chosen.Aux[i] - b.Rejected.Aux[i])
	}
	type entry struct {
		key   string
		value float64
	}
	entries := []entry{
		{metrics.Key("record", phase, "gap_mean"), t.stats.GapMean},
		{metrics.Key("record", phase, "gap_std"), t.stats.GapStd},
		{metrics.Key("record", phase, "loss_mean"), t.stats.LossMean},
		{metrics.Key("record", phase, "loss_std"), t.stats.LossStd},
		{metrics.Key("record", phase, "beta_used"), mean(res.BetaUsed)},
		{metrics.Key("record", phase, "beta_clamped"), float64(res.Clamped)},
		{metrics.Key("record", phase, "mask_count"), float64(res.Selected)},
		{metrics.Key("record", phase, "A_sigmoid"), res.SigmoidAverage},
		{metrics.Key("record", phase, "this_ratio"), mean(res.Ratio)},
		{metrics.Key("rewards", phase, "chosen"), mean(res.ChosenRewards)},
		{metrics.Key("rewards", phase, "rejected"), mean(res.RejectedRewards)},
		{metrics.Key("rewards", phase, "accuracies"), mean(res.Accuracies)},
		{metrics.Key("rewards", phase, "margins"), mean(margins)},
		{metrics.Key("logps", phase, "chosen"), mean(chosen)},
		{metrics.Key("logps", phase, "rejected"), mean(rejected)},
		{metrics.Key("logps", phase, "ref_chosen"), mean(refChosen)},
		{metrics.Key("logps", phase, "ref_rejected"), mean(refRejected)},
		{metrics.Key("logps", phase, "vlm_chosen"), mean(b.Chosen.Aux)},
		{metrics.Key("logps", phase, "vlm_rejected"), mean(b.Rejected.Aux)},
		{metrics.Key("logps", phase, "vlm_diff_sigmoid"), mean(vlmDiff)},
		{metrics.LossKey(phase), res.Loss},
	}

	local := make([]float64, len(entries))
	for i, e := range entries {
		local[i] = e.value
	}
	global, err := t.c.Collective.AllReduceMean(ctx, local)
	if err != nil {
		return nil, errors.Wrapf(err, "averaging metrics")
	}

	m := metrics.New(t.step, phase)
	for i, e := range entries {
		m.Set(e.key, global[i])
	}
	return m, nil
}

func (t *Trainer) record(m *metrics.Metrics) error {
	if t.c.Recorder == nil {
		return nil
	}
	return t.c.Recorder.Record(m)
}

// Run trains for the configured number of epochs over train, evaluating on
// eval when it is not nil.
func (t *Trainer) Run(ctx context.Context, train, eval *dataset.Source) error {
	steps := train.Steps(t.opts.BatchSize)
	if steps == 0 {
		return errors.Errorf("%s: %d preferences do not fill a single global batch of %d per rank",
			train.Name(), train.Len(), t.opts.BatchSize)
	}

	log := t.c.Logger
	log.Info("starting training",
		zap.String("dataset", train.Name()),
		zap.String("preferences", humanize.Comma(int64(train.Len()))),
		zap.Int("steps_per_epoch", steps),
		zap.Int("epochs", t.opts.Epochs))

	start := time.Now()
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		for s := 0; s < steps; s++ {
			prefs, err := train.Batch(s, t.opts.BatchSize)
			if err != nil {
				return err
			}
			m, err := t.Step(ctx, prefs, metrics.Train)
			if err != nil {
				return errors.Wrapf(err, "%s epoch, step %d", humanize.Ordinal(epoch+1), s)
			}
			if err := t.record(m); err != nil {
				return err
			}

			loss, _ := m.Get(metrics.LossKey(metrics.Train))
			log.Debug("train step",
				zap.Int("step", t.step),
				zap.Float64("loss", loss),
				zap.Float64("gap_mean", t.stats.GapMean))

			if eval != nil && t.opts.EvalEvery > 0 && t.step%t.opts.EvalEvery == 0 {
				if _, err := t.Evaluate(ctx, eval); err != nil {
					return err
				}
			}
		}

		log.Info("finished epoch",
			zap.String("epoch", humanize.Ordinal(epoch+1)),
			zap.Int("step", t.step),
			zap.String("elapsed", humanize.RelTime(start, time.Now(), "", "")))
		if eval != nil && t.opts.EvalEvery == 0 {
			if _, err := t.Evaluate(ctx, eval); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluate computes the loss on every full global batch of src without
// updating the policy or the statistics, and records the metrics averaged
// over the batches.
func (t *Trainer) Evaluate(ctx context.Context, src *dataset.Source) (*metrics.Metrics, error) {
	steps := src.Steps(t.opts.BatchSize)
	if steps == 0 {
		return nil, errors.Errorf("%s: no full global batch to evaluate", src.Name())
	}

	var keys []string
	var sums []float64
	for s := 0; s < steps; s++ {
		prefs, err := src.Batch(s, t.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		m, err := t.Step(ctx, prefs, metrics.Eval)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating %s, step %d", src.Name(), s)
		}
		if keys == nil {
			keys = m.Values.Keys()
			sums = make([]float64, len(keys))
		}
		for i, k := range keys {
			v, _ := m.Get(k)
			sums[i] += v
		}
	}

	out := metrics.New(t.step, metrics.Eval)
	for i, k := range keys {
		out.Set(k, sums[i]/float64(steps))
	}
	loss, _ := out.Get(metrics.LossKey(metrics.Eval))
	t.c.Logger.Info("evaluated",
		zap.String("dataset", src.Name()),
		zap.Int("step", t.step),
		zap.Float64("loss", loss))
	return out, t.record(out)
}
