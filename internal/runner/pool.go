package runner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/signalnine/agentv/internal/config"
	"github.com/signalnine/agentv/internal/metrics"
)

// Job processes one chain of work units.
type Job func(ctx context.Context) error

// ClampWorkers bounds a requested worker count to [1, config.MaxWorkers].
func ClampWorkers(n int) int {
	return min(max(n, 1), config.MaxWorkers)
}

// RunPool feeds jobs through a shared queue to at most maxWorkers goroutines.
// The first job error cancels the rest and is returned.
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) error {
	workers := min(ClampWorkers(maxWorkers), max(len(jobs), 1))
	queue := make(chan Job)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, j := range jobs {
			select {
			case queue <- j:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for range workers {
		g.Go(func() error {
			for j := range queue {
				metrics.ActiveWorkers.Inc()
				err := j(ctx)
				metrics.ActiveWorkers.Dec()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
