package dataset

import (
	"github.com/injadlu/dama/dama-golib/errors"
)

// Source serves preferences in their stored order. Batches are laid out so
// that rank r of a group of n ranks holds rows [r*b, (r+1)*b) of every global
// batch of n*b preferences.
type Source struct {
	name  string
	prefs []Preference

	shard, totalShards int
}

// NewSource returns an unsharded source over prefs.
func NewSource(name string, prefs []Preference) *Source {
	return &Source{name: name, prefs: prefs, totalShards: 1}
}

// Name of the source.
func (s *Source) Name() string { return s.name }

// Len is the number of preferences in the whole dataset.
func (s *Source) Len() int { return len(s.prefs) }

// ForShard returns the source as seen by shard of totalShards.
func (s *Source) ForShard(shard, totalShards int) (*Source, error) {
	if totalShards < 1 || shard < 0 || shard >= totalShards {
		return nil, errors.Errorf("bad shard/totalShards params: %d, %d", shard, totalShards)
	}
	return &Source{name: s.name, prefs: s.prefs, shard: shard, totalShards: totalShards}, nil
}

// Steps is the number of full global batches for a local batch size. A
// trailing partial global batch is dropped, since every rank must contribute
// the same number of examples to a step.
func (s *Source) Steps(batchSize int) int {
	if batchSize < 1 {
		return 0
	}
	return len(s.prefs) / (batchSize * s.totalShards)
}

// Batch returns the local batch of the shard for a step.
func (s *Source) Batch(step, batchSize int) ([]Preference, error) {
	if step < 0 || step >= s.Steps(batchSize) {
		return nil, errors.Errorf("step %d out of range for %d steps", step, s.Steps(batchSize))
	}
	start := (step*s.totalShards + s.shard) * batchSize
	return s.prefs[start : start+batchSize], nil
}
