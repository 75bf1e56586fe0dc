package collate

import (
	"context"
	"encoding/binary"

	"github.com/dgryski/go-spooky"
	lru "github.com/hashicorp/golang-lru"
	"github.com/injadlu/dama/dama-go/align"
	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/injadlu/dama/dama-golib/logging"
	"github.com/injadlu/dama/dama-golib/workerpool"
	"go.uber.org/zap"
)

// Options configures an Assembler.
type Options struct {
	PadID int
	// ModTokenWeight is the weight of tokens in modified spans; other tokens
	// weigh 1.
	ModTokenWeight float64
	MinMatchSize   int
	// Workers bounds the number of examples aligned concurrently.
	Workers int
	// CacheSize is the number of aligned pairs remembered across batches.
	CacheSize int
}

// DefaultOptions returns the options used for training.
func DefaultOptions() Options {
	return Options{
		ModTokenWeight: 3.0,
		MinMatchSize:   align.DefaultMinMatchSize,
		Workers:        4,
		CacheSize:      1 << 14,
	}
}

// Assembler turns preference examples into batches.
type Assembler struct {
	opts   Options
	cache  *lru.Cache
	logger *zap.Logger
}

// NewAssembler returns an assembler for opts.
func NewAssembler(opts Options, logger *zap.Logger) (*Assembler, error) {
	if opts.MinMatchSize < 1 {
		return nil, errors.Errorf("min match size must be positive, got %d", opts.MinMatchSize)
	}
	if opts.CacheSize < 1 {
		opts.CacheSize = 1
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create alignment cache")
	}
	logger = logging.OrNop(logger)
	return &Assembler{opts: opts, cache: cache, logger: logger}, nil
}

// diffIDs are the positions of modified tokens in the rejected and chosen
// responses, without their first token.
type diffIDs struct {
	rejected, chosen []int
}

type cacheKey struct {
	h1, h2 uint64
}

func (a *Assembler) key(rejected, chosen []int) cacheKey {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64*(len(rejected)+len(chosen)+2))
	buf = binary.AppendVarint(buf, int64(a.opts.MinMatchSize))
	buf = binary.AppendVarint(buf, int64(len(rejected)))
	for _, id := range rejected {
		buf = binary.AppendVarint(buf, int64(id))
	}
	for _, id := range chosen {
		buf = binary.AppendVarint(buf, int64(id))
	}
	var k cacheKey
	spooky.Hash128(buf, &k.h1, &k.h2)
	return k
}

func tail(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	return ids[1:]
}

// diff aligns the responses of ex, skipping the shared first token.
func (a *Assembler) diff(ex Example) diffIDs {
	rejected, chosen := tail(ex.Rejected.InputIDs), tail(ex.Chosen.InputIDs)
	k := a.key(rejected, chosen)
	if v, ok := a.cache.Get(k); ok {
		return v.(diffIDs)
	}
	var d diffIDs
	d.rejected, d.chosen = align.DiffIDs(rejected, chosen, a.opts.MinMatchSize)
	a.cache.Add(k, d)
	return d
}

// Assemble validates examples and builds their batch.
func (a *Assembler) Assemble(ctx context.Context, examples []Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, dpo.AssertionErrorf("cannot assemble an empty batch")
	}
	for i, ex := range examples {
		if len(ex.Chosen.InputIDs) != len(ex.Chosen.Labels) {
			return nil, dpo.AssertionErrorf("example %d: chosen has %d input ids and %d labels",
				i, len(ex.Chosen.InputIDs), len(ex.Chosen.Labels))
		}
		if len(ex.Rejected.InputIDs) != len(ex.Rejected.Labels) {
			return nil, dpo.AssertionErrorf("example %d: rejected has %d input ids and %d labels",
				i, len(ex.Rejected.InputIDs), len(ex.Rejected.Labels))
		}
	}

	diffs, err := a.alignAll(ctx, examples)
	if err != nil {
		return nil, err
	}

	chosen := make([]Sequence, len(examples))
	rejected := make([]Sequence, len(examples))
	for i, ex := range examples {
		chosen[i], rejected[i] = ex.Chosen, ex.Rejected
	}

	b := &Batch{}
	b.Chosen = a.side(chosen)
	b.Rejected = a.side(rejected)

	for i, ex := range examples {
		b.Chosen.RefLogp = append(b.Chosen.RefLogp, ex.RefChosen.Logp)
		b.Chosen.RefAvgLogp = append(b.Chosen.RefAvgLogp, ex.RefChosen.AvgLogp)
		b.Chosen.Aux = append(b.Chosen.Aux, ex.AuxChosen)
		b.Rejected.RefLogp = append(b.Rejected.RefLogp, ex.RefRejected.Logp)
		b.Rejected.RefAvgLogp = append(b.Rejected.RefAvgLogp, ex.RefRejected.AvgLogp)
		b.Rejected.Aux = append(b.Rejected.Aux, ex.AuxRejected)

		b.Chosen.TokenWeight = append(b.Chosen.TokenWeight,
			align.BuildWeightMask(predicted(b.Chosen.Width()), diffs[i].chosen, 1, a.opts.ModTokenWeight))
		b.Rejected.TokenWeight = append(b.Rejected.TokenWeight,
			align.BuildWeightMask(predicted(b.Rejected.Width()), diffs[i].rejected, 1, a.opts.ModTokenWeight))
	}

	refChosen := make([][]float64, len(examples))
	refRejected := make([][]float64, len(examples))
	for i, ex := range examples {
		refChosen[i], refRejected[i] = ex.RefChosen.PerToken, ex.RefRejected.PerToken
	}
	if b.Chosen.RefPerToken, err = perToken(refChosen, b.Chosen.Width()); err != nil {
		return nil, errors.Wrapf(err, "chosen reference log-probs")
	}
	if b.Rejected.RefPerToken, err = perToken(refRejected, b.Rejected.Width()); err != nil {
		return nil, errors.Wrapf(err, "rejected reference log-probs")
	}

	if err := dpo.CheckNaN2("chosen token weight", b.Chosen.TokenWeight); err != nil {
		return nil, err
	}
	if err := dpo.CheckNaN2("rejected token weight", b.Rejected.TokenWeight); err != nil {
		return nil, err
	}

	all := append(append([]Sequence(nil), chosen...), rejected...)
	concat := a.side(all)
	b.ConcatInputIDs = concat.InputIDs
	b.ConcatLabels = concat.Labels
	b.ConcatAttentionMask = concat.AttentionMask
	b.ConcatTokenWeight = padFloats(append(append([][]float64(nil), b.Chosen.TokenWeight...), b.Rejected.TokenWeight...),
		predicted(concat.Width()), 0)

	if b.Extension, err = extension(examples); err != nil {
		return nil, err
	}

	a.logger.Debug("assembled batch",
		zap.Int("size", len(examples)),
		zap.Int("width", concat.Width()),
		zap.Stringer("family", b.Extension.Family()),
		zap.Int("cached_alignments", a.cache.Len()))
	return b, nil
}

// alignAll computes the modified positions of every example on the worker
// pool.
func (a *Assembler) alignAll(ctx context.Context, examples []Example) ([]diffIDs, error) {
	diffs := make([]diffIDs, len(examples))

	pool := workerpool.New(a.opts.Workers)
	defer pool.Stop()

	var jobs []workerpool.Job
	for i := range examples {
		i := i
		jobs = append(jobs, func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			diffs[i] = a.diff(examples[i])
			return nil
		})
	}
	pool.Add(jobs)
	if err := pool.Wait(); err != nil {
		return nil, errors.Wrapf(err, "aligning %d examples", len(examples))
	}
	return diffs, nil
}

// side pads seqs into one half of a batch.
func (a *Assembler) side(seqs []Sequence) Side {
	var width int
	for _, s := range seqs {
		if len(s.InputIDs) > width {
			width = len(s.InputIDs)
		}
	}

	s := Side{
		InputIDs:      make([][]int, len(seqs)),
		Labels:        make([][]int, len(seqs)),
		AttentionMask: make([][]bool, len(seqs)),
		Lengths:       make([]int, len(seqs)),
	}
	for i, seq := range seqs {
		s.InputIDs[i] = padInts(seq.InputIDs, width, a.opts.PadID)
		s.Labels[i] = padInts(seq.Labels, width, dpo.IgnoreIndex)
		s.Lengths[i] = len(seq.InputIDs)
		s.AttentionMask[i] = make([]bool, width)
		for t := range seq.InputIDs {
			s.AttentionMask[i][t] = true
		}
	}
	return s
}

// predicted is the number of next-token predictions in a sequence of the
// given length.
func predicted(length int) int {
	if length < 1 {
		return 0
	}
	return length - 1
}

// perToken pads the reference log-probs of a side with 0 and truncates them to
// the predicted positions of the side.
func perToken(rows [][]float64, width int) ([][]float64, error) {
	var longest int
	for _, r := range rows {
		if len(r) > longest {
			longest = len(r)
		}
	}
	want := predicted(width)
	if longest < want {
		return nil, dpo.AssertionErrorf("per-token log-probs cover %d positions, sequences need %d", longest, want)
	}
	return padFloats(rows, want, 0), nil
}

func padInts(ids []int, width, pad int) []int {
	out := make([]int, width)
	n := copy(out, ids)
	for i := n; i < width; i++ {
		out[i] = pad
	}
	return out
}

// padFloats pads or truncates every row to width.
func padFloats(rows [][]float64, width int, pad float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, width)
		n := copy(out[i], r)
		for j := n; j < width; j++ {
			out[i][j] = pad
		}
	}
	return out
}

// extension resolves the model-family inputs of a batch. All examples must
// belong to the same family.
func extension(examples []Example) (Extension, error) {
	var minicpm int
	for _, ex := range examples {
		if ex.MiniCPM != nil {
			minicpm++
		}
	}

	switch minicpm {
	case 0:
		ext := LLaVAExtension{Images: make([]string, len(examples))}
		for i, ex := range examples {
			ext.Images[i] = ex.Image
		}
		return ext, nil
	case len(examples):
		var ext MiniCPMExtension
		var rows []MiniCPMSequence
		for _, ex := range examples {
			rows = append(rows, ex.MiniCPM.Chosen)
		}
		for _, ex := range examples {
			rows = append(rows, ex.MiniCPM.Rejected)
		}
		var width int
		for _, r := range rows {
			if len(r.ContextIDs) > width {
				width = len(r.ContextIDs)
			}
		}
		for _, r := range rows {
			ext.ImageBounds = append(ext.ImageBounds, r.ImageBounds)
			ext.ContextIDs = append(ext.ContextIDs, padInts(r.ContextIDs, width, 0))
			ext.PositionIDs = append(ext.PositionIDs, r.PositionIDs)
		}
		return ext, nil
	default:
		return nil, dpo.AssertionErrorf("%d of %d examples carry MiniCPM inputs", minicpm, len(examples))
	}
}
