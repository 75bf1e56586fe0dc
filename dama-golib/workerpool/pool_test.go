package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareJobs(out []int) []Job {
	jobs := make([]Job, len(out))
	for i := range out {
		i := i
		jobs[i] = func() error {
			out[i] = i * i
			return nil
		}
	}
	return jobs
}

func TestPoolRunsEveryJob(t *testing.T) {
	p := New(4)
	defer p.Stop()

	out := make([]int, 20)
	p.Add(squareJobs(out))
	require.NoError(t, p.Wait())
	for i, v := range out {
		assert.Equal(t, i*i, v)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var running, peak int32
	jobs := make([]Job, 8)
	for i := range jobs {
		jobs[i] = func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}
	}
	p.Add(jobs)
	require.NoError(t, p.Wait())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolCollectsErrors(t *testing.T) {
	p := New(3)
	defer p.Stop()

	jobs := make([]Job, 7)
	for i := range jobs {
		i := i
		jobs[i] = func() error {
			if i%3 == 0 {
				return errors.New("example %d", i)
			}
			return nil
		}
	}
	p.Add(jobs)

	err := p.Wait()
	require.Error(t, err)
	assert.Equal(t, 3, err.(errors.Errors).Len())
}

func TestPoolStopDropsQueuedJobs(t *testing.T) {
	p := New(1)

	var ran int32
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = func() error {
			atomic.AddInt32(&ran, 1)
			time.Sleep(20 * time.Millisecond)
			return nil
		}
	}
	p.Add(jobs)
	time.Sleep(10 * time.Millisecond)
	p.Stop()

	require.NoError(t, p.Wait())
	assert.Less(t, atomic.LoadInt32(&ran), int32(len(jobs)))
}
