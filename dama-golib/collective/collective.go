// Package collective provides the blocking cross-rank operations used by
// synchronous data-parallel training: every rank of a group must issue the
// same operations in the same order, and each call returns only once all
// ranks have contributed.
package collective

import (
	"context"
	"sync"
	"time"

	"github.com/injadlu/dama/dama-golib/errors"
)

var (
	// ErrCollectiveTimeout is returned when a rank gave up waiting for the
	// others, e.g. because one of them hung or crashed. It is always fatal.
	ErrCollectiveTimeout = errors.New("collective timed out")
	// ErrDiverged is returned when ranks issue different operations for the
	// same call, which means their step loops are out of lockstep.
	ErrDiverged = errors.New("collective operations diverged across ranks")
)

// Collective is a group of ranks exchanging values in lockstep.
type Collective interface {
	// Rank of the caller in [0, WorldSize()).
	Rank() int
	// WorldSize is the number of ranks in the group.
	WorldSize() int
	// AllGather concatenates the values of every rank, ordered by rank.
	// Every rank must contribute the same number of values.
	AllGather(ctx context.Context, values []float64) ([]float64, error)
	// AllReduceMean averages values element-wise across ranks.
	AllReduceMean(ctx context.Context, values []float64) ([]float64, error)
	// Broadcast returns the values contributed by root on every rank; the
	// values passed by other ranks are ignored.
	Broadcast(ctx context.Context, root int, values []int) ([]int, error)
}

// Payload is what one rank contributes to one collective call.
type Payload struct {
	Op     string    `json:"op"`
	Floats []float64 `json:"floats,omitempty"`
	Ints   []int     `json:"ints,omitempty"`
}

// exchanger swaps the caller's payload for call number seq against the
// payloads of all ranks, ordered by rank.
type exchanger interface {
	exchange(ctx context.Context, seq uint64, rank int, p Payload) ([]Payload, error)
}

// member implements Collective on top of an exchanger.
type member struct {
	rank, world int
	timeout     time.Duration
	ex          exchanger

	m   sync.Mutex
	seq uint64
}

func newMember(rank, world int, timeout time.Duration, ex exchanger) *member {
	return &member{rank: rank, world: world, timeout: timeout, ex: ex}
}

func (c *member) Rank() int      { return c.rank }
func (c *member) WorldSize() int { return c.world }

func (c *member) do(ctx context.Context, p Payload) ([]Payload, error) {
	c.m.Lock()
	seq := c.seq
	c.seq++
	c.m.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	all, err := c.ex.exchange(ctx, seq, c.rank, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Fatal(errors.Wrapf(ErrCollectiveTimeout, "%s #%d on rank %d", p.Op, seq, c.rank))
		}
		return nil, errors.Fatal(errors.Wrapf(err, "%s #%d on rank %d", p.Op, seq, c.rank))
	}
	if len(all) != c.world {
		return nil, errors.Fatalf("%s #%d: got %d contributions for %d ranks", p.Op, seq, len(all), c.world)
	}
	for r, other := range all {
		if other.Op != p.Op {
			return nil, errors.Fatal(errors.Wrapf(ErrDiverged, "#%d: rank %d issued %s, rank %d issued %s",
				seq, c.rank, p.Op, r, other.Op))
		}
	}
	return all, nil
}

func (c *member) AllGather(ctx context.Context, values []float64) ([]float64, error) {
	all, err := c.do(ctx, Payload{Op: "all_gather", Floats: values})
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(values)*c.world)
	for r, p := range all {
		if len(p.Floats) != len(values) {
			return nil, errors.Fatalf("all_gather: rank %d sent %d values, rank %d sent %d",
				r, len(p.Floats), c.rank, len(values))
		}
		out = append(out, p.Floats...)
	}
	return out, nil
}

func (c *member) AllReduceMean(ctx context.Context, values []float64) ([]float64, error) {
	all, err := c.do(ctx, Payload{Op: "all_reduce_mean", Floats: values})
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for r, p := range all {
		if len(p.Floats) != len(values) {
			return nil, errors.Fatalf("all_reduce_mean: rank %d sent %d values, rank %d sent %d",
				r, len(p.Floats), c.rank, len(values))
		}
		for i, v := range p.Floats {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(c.world)
	}
	return out, nil
}

func (c *member) Broadcast(ctx context.Context, root int, values []int) ([]int, error) {
	if root < 0 || root >= c.world {
		return nil, errors.Errorf("broadcast root %d out of range for %d ranks", root, c.world)
	}
	p := Payload{Op: "broadcast"}
	if c.rank == root {
		p.Ints = values
	}
	all, err := c.do(ctx, p)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), all[root].Ints...), nil
}

// local is the single-rank group.
type local struct{}

// Local returns the collective of a standalone process: every operation is
// the identity.
func Local() Collective { return local{} }

func (local) Rank() int      { return 0 }
func (local) WorldSize() int { return 1 }

func (local) AllGather(ctx context.Context, values []float64) ([]float64, error) {
	return append([]float64(nil), values...), nil
}

func (local) AllReduceMean(ctx context.Context, values []float64) ([]float64, error) {
	return append([]float64(nil), values...), nil
}

func (local) Broadcast(ctx context.Context, root int, values []int) ([]int, error) {
	if root != 0 {
		return nil, errors.Errorf("broadcast root %d out of range for 1 rank", root)
	}
	return append([]int(nil), values...), nil
}
