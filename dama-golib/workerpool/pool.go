package workerpool

import (
	"sync"

	"github.com/injadlu/dama/dama-golib/errors"
)

// Job is a unit of work run by the pool.
type Job func() error

// Pool runs jobs on a fixed number of goroutines.
type Pool struct {
	jobs chan Job
	wg   sync.WaitGroup
	done chan struct{}

	stopOnce sync.Once

	m    sync.Mutex
	errs errors.Errors
}

// New starts a pool with n workers; n < 1 is treated as 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan Job),
		done: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pool) run(job Job) {
	defer p.wg.Done()
	select {
	case <-p.done:
		return
	default:
	}
	if err := job(); err != nil {
		p.m.Lock()
		p.errs = errors.Append(p.errs, err)
		p.m.Unlock()
	}
}

// Add queues jobs for execution. It does not block on the jobs running.
func (p *Pool) Add(jobs []Job) {
	p.wg.Add(len(jobs))
	go func() {
		for i, job := range jobs {
			select {
			case p.jobs <- job:
			case <-p.done:
				// account for the jobs that will never be picked up
				p.wg.Add(-(len(jobs) - i))
				return
			}
		}
	}()
}

// Wait blocks until every added job finished or was dropped by Stop, and
// returns the combined errors of the jobs that ran.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.m.Lock()
	defer p.m.Unlock()
	if p.errs == nil {
		return nil
	}
	return p.errs
}

// Stop prevents queued jobs from starting and shuts the workers down. Jobs
// already running are allowed to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}
