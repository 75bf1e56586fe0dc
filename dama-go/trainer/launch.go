package trainer

import (
	"context"
	"time"

	"github.com/injadlu/dama/dama-golib/collective"
	"golang.org/x/sync/errgroup"
)

// LaunchLocal runs n ranks as goroutines of the calling process, connected by
// an in-process group. The first failing rank cancels the others.
func LaunchLocal(ctx context.Context, n int, timeout time.Duration, run func(ctx context.Context, coll collective.Collective) error) error {
	group := collective.NewGroup(n, timeout)
	g, ctx := errgroup.WithContext(ctx)
	for _, member := range group {
		member := member
		g.Go(func() error {
			return run(ctx, member)
		})
	}
	return g.Wait()
}
