package main

import (
	"context"
	"path/filepath"

	"github.com/injadlu/dama/dama-go/align"
	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-go/config"
	"github.com/injadlu/dama/dama-go/dataset"
	"github.com/injadlu/dama/dama-go/metrics"
	"github.com/injadlu/dama/dama-go/tokenize"
	"github.com/injadlu/dama/dama-go/trainer"
	"github.com/injadlu/dama/dama-go/unigram"
	"github.com/injadlu/dama/dama-golib/cmdline"
	"github.com/injadlu/dama/dama-golib/collective"
	"github.com/injadlu/dama/dama-golib/envutil"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/injadlu/dama/dama-golib/logging"
	uuid "github.com/satori/go.uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var trainCmd = cmdline.Command{
	Name:     "train",
	Synopsis: "train a policy on preference data",
	Args:     &trainArgs{Procs: 1},
}

type trainArgs struct {
	Config      string `arg:"positional,required" help:"YAML training config"`
	Procs       int    `arg:"--procs" help:"number of ranks to run in this process"`
	Coordinator string `arg:"--coordinator" help:"address of the rendezvous coordinator, for one rank per process"`
	TrainData   string `arg:"--train-data" help:"overrides train_data"`
	EvalData    string `arg:"--eval-data" help:"overrides eval_data"`
	OutputDir   string `arg:"--output-dir" help:"overrides output_dir"`
}

func (args *trainArgs) Validate() error {
	if args.Procs < 1 {
		return errors.Errorf("--procs must be positive, got %d", args.Procs)
	}
	if args.Procs > 1 && args.Coordinator != "" {
		return errors.Errorf("--procs and --coordinator are exclusive")
	}
	return nil
}

// run holds what every rank of a training run shares.
type run struct {
	id     string
	fs     afero.Fs
	cfg    config.Config
	logger *zap.Logger

	vocab *tokenize.Vocab
	train *dataset.Source
	eval  *dataset.Source
}

func (args *trainArgs) Handle(ctx context.Context) error {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, args.Config)
	if err != nil {
		return err
	}
	if args.TrainData != "" {
		cfg.TrainData = args.TrainData
	}
	if args.EvalData != "" {
		cfg.EvalData = args.EvalData
	}
	if args.OutputDir != "" {
		cfg.OutputDir = args.OutputDir
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel})
	defer logger.Sync()

	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrapf(err, "could not generate run id")
	}
	r := &run{id: id.String(), fs: fs, cfg: cfg, logger: logger}
	if err := r.load(); err != nil {
		return err
	}
	if err := fs.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return errors.Wrapf(err, "could not create output directory %s", cfg.OutputDir)
	}

	dist, err := envutil.LookupDistributed()
	if err != nil {
		return err
	}
	if args.Coordinator != "" {
		dist.Coordinator = args.Coordinator
	}

	if dist.Coordinator != "" {
		coll, err := collective.Dial(ctx, dist.Coordinator, dist.Rank, dist.WorldSize, cfg.CollectiveTimeout)
		if err != nil {
			return err
		}
		return r.rank(ctx, coll)
	}
	return trainer.LaunchLocal(ctx, args.Procs, cfg.CollectiveTimeout, r.rank)
}

// load reads the datasets and builds the vocabulary over all their texts.
func (r *run) load() error {
	prefs, err := dataset.LoadPreferences(r.fs, r.cfg.TrainData)
	if err != nil {
		return err
	}
	r.train = dataset.NewSource(filepath.Base(r.cfg.TrainData), prefs)

	all := prefs
	if r.cfg.EvalData != "" {
		evalPrefs, err := dataset.LoadPreferences(r.fs, r.cfg.EvalData)
		if err != nil {
			return err
		}
		r.eval = dataset.NewSource(filepath.Base(r.cfg.EvalData), evalPrefs)
		all = append(append([]dataset.Preference(nil), prefs...), evalPrefs...)
	}

	var texts []string
	for _, p := range all {
		texts = append(texts, p.Question, p.Chosen, p.Rejected)
	}
	r.vocab = tokenize.BuildVocab(texts, r.cfg.VocabMinCount)
	r.logger.Info("loaded preferences",
		zap.String("run_id", r.id),
		zap.Int("train", r.train.Len()),
		zap.Int("vocab_size", r.vocab.Size()))
	return nil
}

func (r *run) recorder() (metrics.Recorder, error) {
	jsonl, err := metrics.NewJSONLRecorder(r.fs, filepath.Join(r.cfg.OutputDir, "metrics.jsonl"))
	if err != nil {
		return nil, err
	}
	if !r.cfg.Charts {
		return jsonl, nil
	}
	return metrics.Tee(jsonl, metrics.NewChartRecorder(r.fs, filepath.Join(r.cfg.OutputDir, "charts"))), nil
}

// rank trains as one rank of coll. Rank 0 records metrics and saves the
// policy.
func (r *run) rank(ctx context.Context, coll collective.Collective) (err error) {
	cfg := r.cfg
	log := logging.ForRank(r.logger, r.id, coll.Rank(), coll.WorldSize())

	model, err := unigram.NewModel(r.vocab.Size())
	if err != nil {
		return err
	}
	encoder := &trainer.Encoder{Conversation: tokenize.V1(), Tokenizer: r.vocab}
	encoder.Conversation.MaxLength = cfg.MaxLength
	if cfg.ScoreReference {
		encoder.Reference = model.Clone()
	}

	assembler, err := collate.NewAssembler(collate.Options{
		PadID:          r.vocab.PadID(),
		ModTokenWeight: cfg.ModTokenWeight,
		MinMatchSize:   align.DefaultMinMatchSize,
		Workers:        cfg.Workers,
		CacheSize:      cfg.CacheSize,
	}, log)
	if err != nil {
		return err
	}

	var recorder metrics.Recorder
	if coll.Rank() == 0 {
		if recorder, err = r.recorder(); err != nil {
			return err
		}
		defer errors.Defer(&err, recorder.Close)
	}

	tr, err := trainer.New(trainer.Options{
		Beta:           cfg.Beta,
		TokenWeighted:  cfg.TokenWeighted,
		UseAverageLogp: cfg.UseAverageLogp,
		ReferenceFree:  cfg.ReferenceFree,
		Seed:           cfg.Seed,
		BatchSize:      cfg.BatchSize,
		Epochs:         cfg.Epochs,
		EvalEvery:      cfg.EvalEvery,
	}, trainer.Components{
		Collective: coll,
		Encoder:    encoder,
		Assembler:  assembler,
		Policy:     model,
		Optimizer: unigram.NewOptimizer(model, coll, cfg.LearningRate, unigram.Objective{
			TokenWeighted: cfg.TokenWeighted,
			UseAverage:    cfg.UseAverageLogp,
		}),
		Recorder: recorder,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	train, err := r.train.ForShard(coll.Rank(), coll.WorldSize())
	if err != nil {
		return err
	}
	var eval *dataset.Source
	if r.eval != nil {
		if eval, err = r.eval.ForShard(coll.Rank(), coll.WorldSize()); err != nil {
			return err
		}
	}

	if err := tr.Run(ctx, train, eval); err != nil {
		log.Error("training failed", zap.Error(err))
		return err
	}

	if coll.Rank() == 0 {
		path := filepath.Join(cfg.OutputDir, "policy.json")
		if err := model.Save(r.fs, path); err != nil {
			return err
		}
		log.Info("saved policy", zap.String("path", path), zap.Int("steps", tr.Steps()))
	}
	return nil
}
