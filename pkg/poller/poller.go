package poller

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pool_validator/pkg/data"
)

// DefaultConcurrency is the number of worker calls in flight when none is configured
const DefaultConcurrency = 8

// Asker asks one worker for a task result. *worker.Client implements it.
type Asker interface {
	Ask(ctx context.Context, worker data.WorkerHandle, task data.Task, timeout time.Duration) data.Reply
}

// Poller fans a task out to every worker with bounded concurrency
type Poller struct {
	asker       Asker
	concurrency int
	logger      *zap.Logger
}

// New creates a poller. A non-positive concurrency selects DefaultConcurrency.
func New(asker Asker, concurrency int, logger *zap.Logger) *Poller {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Poller{
		asker:       asker,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Poll asks every worker and returns exactly one reply per worker, in worker
// order. It returns once every call has completed; a failing call never
// cancels the others.
func (p *Poller) Poll(ctx context.Context, task data.Task, workers []data.WorkerHandle, timeout time.Duration) []data.Reply {
	replies := make([]data.Reply, len(workers))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			replies[i] = p.asker.Ask(ctx, w, task, timeout)
			replies[i].WorkerUID = w.UID
			return nil
		})
	}
	_ = g.Wait()

	answered := 0
	for _, r := range replies {
		if r.HasPayload() {
			answered++
		}
	}
	p.logger.Info("Polled workers",
		zap.String("task", task.Key()),
		zap.Int("workers", len(workers)),
		zap.Int("answered", answered),
		zap.Int("concurrency", p.concurrency))

	return replies
}
