// Package supervisor runs fixed-interval tick loops with graceful
// shutdown. It is the generic shape underlying the Controller's
// scheduler tick, the Sync loop's tick, and the Agent's task-runner
// tick (spec.md §5: each runs as its own worker ticking independently
// in the same process).
package supervisor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop is a single named tick loop: Run is invoked once per interval
// until ctx is cancelled or Run returns an error.
type Loop struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Group supervises a set of Loops concurrently. The first Loop to
// return a non-nil error cancels every other Loop's context and that
// error is returned from Wait.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewGroup builds a Group bound to ctx. Cancelling ctx stops every Loop
// started on this Group.
func NewGroup(ctx context.Context) *Group {
	eg, gctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: gctx}
}

// Go starts loop ticking on its own goroutine. loop.Run is called
// immediately once (so a process restart doesn't wait a full interval
// before its first pass), then again every loop.Interval until the
// group's context is cancelled or Run returns an error.
func (g *Group) Go(loop Loop) {
	g.eg.Go(func() error {
		if err := tick(g.ctx, loop); err != nil {
			return fmt.Errorf("%s: %w", loop.Name, err)
		}

		ticker := time.NewTicker(loop.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.ctx.Done():
				return nil
			case <-ticker.C:
				if err := tick(g.ctx, loop); err != nil {
					return fmt.Errorf("%s: %w", loop.Name, err)
				}
			}
		}
	})
}

func tick(ctx context.Context, loop Loop) error {
	select {
	case <-ctx.Done():
		return nil
	default:
		return loop.Run(ctx)
	}
}

// Wait blocks until every Loop has stopped, returning the first error
// (if any) reported by a Loop's Run function.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
