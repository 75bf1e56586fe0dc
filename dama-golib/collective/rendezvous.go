package collective

import (
	"context"
	"sync"
	"time"

	"github.com/injadlu/dama/dama-golib/errors"
)

// round collects the payloads of one collective call.
type round struct {
	payloads []Payload
	arrived  []bool
	count    int
	read     int
	done     chan struct{}
}

// rendezvous is the meeting point of the ranks of a group. It backs both
// in-process groups and the HTTP coordinator.
type rendezvous struct {
	world int

	m      sync.Mutex
	rounds map[uint64]*round
}

func newRendezvous(world int) *rendezvous {
	return &rendezvous{
		world:  world,
		rounds: make(map[uint64]*round),
	}
}

func (rv *rendezvous) exchange(ctx context.Context, seq uint64, rank int, p Payload) ([]Payload, error) {
	if rank < 0 || rank >= rv.world {
		return nil, errors.Errorf("rank %d out of range for %d ranks", rank, rv.world)
	}

	rv.m.Lock()
	r := rv.rounds[seq]
	if r == nil {
		r = &round{
			payloads: make([]Payload, rv.world),
			arrived:  make([]bool, rv.world),
			done:     make(chan struct{}),
		}
		rv.rounds[seq] = r
	}
	if r.arrived[rank] {
		rv.m.Unlock()
		return nil, errors.Errorf("rank %d contributed twice to call #%d", rank, seq)
	}
	r.arrived[rank] = true
	r.payloads[rank] = p
	r.count++
	if r.count == rv.world {
		close(r.done)
	}
	rv.m.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rv.m.Lock()
	defer rv.m.Unlock()
	r.read++
	if r.read == rv.world {
		delete(rv.rounds, seq)
	}
	return r.payloads, nil
}

// pending returns the calls some ranks are still waiting on, mapped to the
// number of ranks that arrived.
func (rv *rendezvous) pending() map[uint64]int {
	rv.m.Lock()
	defer rv.m.Unlock()
	out := make(map[uint64]int)
	for seq, r := range rv.rounds {
		if r.count < rv.world {
			out[seq] = r.count
		}
	}
	return out
}

// NewGroup returns the members of an in-process group of n ranks, for ranks
// running as goroutines of one process. A positive timeout bounds every call.
func NewGroup(n int, timeout time.Duration) []Collective {
	rv := newRendezvous(n)
	members := make([]Collective, n)
	for rank := range members {
		members[rank] = newMember(rank, n, timeout, rv)
	}
	return members
}
