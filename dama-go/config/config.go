// Package config holds the training configuration of a DPO run.
package config

import (
	"time"

	"github.com/injadlu/dama/dama-golib/envutil"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

// Config parameterizes a training run.
type Config struct {
	Beta           float64 `yaml:"beta"`
	ModTokenWeight float64 `yaml:"mod_token_weight"`
	UseAverageLogp bool    `yaml:"use_average_logp"`
	TokenWeighted  bool    `yaml:"token_weighted"`
	ReferenceFree  bool    `yaml:"reference_free"`
	// ScoreReference recomputes reference log-probabilities with a frozen
	// copy of the initial policy instead of using the stored ones.
	ScoreReference bool `yaml:"score_reference"`

	Seed         uint64  `yaml:"seed"`
	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	EvalEvery    int     `yaml:"eval_every"`

	TrainData     string `yaml:"train_data"`
	EvalData      string `yaml:"eval_data"`
	OutputDir     string `yaml:"output_dir"`
	Charts        bool   `yaml:"charts"`
	VocabMinCount int    `yaml:"vocab_min_count"`
	MaxLength     int    `yaml:"max_length"`

	Workers           int           `yaml:"workers"`
	CacheSize         int           `yaml:"cache_size"`
	CollectiveTimeout time.Duration `yaml:"collective_timeout"`
	LogLevel          string        `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Beta:              0.5,
		ModTokenWeight:    3.0,
		ScoreReference:    true,
		Seed:              42,
		BatchSize:         4,
		Epochs:            1,
		LearningRate:      0.1,
		OutputDir:         "dama-out",
		VocabMinCount:     1,
		MaxLength:         2048,
		Workers:           4,
		CacheSize:         1 << 14,
		CollectiveTimeout: 5 * time.Minute,
		LogLevel:          "info",
	}
}

// Load reads a YAML config from path on top of the defaults. Unknown keys
// are rejected.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "could not read config %s", path)
	}
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "could not parse config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides the log level and seed from DAMA_LOG_LEVEL and DAMA_SEED.
func (c *Config) ApplyEnv() error {
	c.LogLevel = envutil.GetenvDefault("DAMA_LOG_LEVEL", c.LogLevel)
	seed, err := envutil.GetenvIntDefault("DAMA_SEED", int(c.Seed))
	if err != nil {
		return err
	}
	if seed < 0 {
		return errors.Errorf("DAMA_SEED must not be negative, got %d", seed)
	}
	c.Seed = uint64(seed)
	return nil
}

// Validate checks the config for values training cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Beta <= 0:
		return errors.Errorf("beta must be positive, got %v", c.Beta)
	case c.ModTokenWeight <= 0:
		return errors.Errorf("mod_token_weight must be positive, got %v", c.ModTokenWeight)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %v", c.LearningRate)
	case c.EvalEvery < 0:
		return errors.Errorf("eval_every must not be negative, got %d", c.EvalEvery)
	case c.Workers <= 0:
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	case c.CacheSize <= 0:
		return errors.Errorf("cache_size must be positive, got %d", c.CacheSize)
	case c.MaxLength <= 0:
		return errors.Errorf("max_length must be positive, got %d", c.MaxLength)
	case c.CollectiveTimeout < 0:
		return errors.Errorf("collective_timeout must not be negative, got %v", c.CollectiveTimeout)
	case c.TrainData == "":
		return errors.Errorf("train_data is required")
	}
	return nil
}
