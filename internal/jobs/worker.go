package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dn-keeper-bot/internal/metrics"
)

// Handler executes one job. A nil return completes the job, a non-nil return
// schedules a retry (or terminal failure on the last attempt).
type Handler func(ctx context.Context, job Job) error

// Waker delivers wake signals from the enqueue side. Polling continues
// regardless, so a lossy waker only costs latency.
type Waker interface {
	Wait(ctx context.Context) <-chan struct{}
}

type Worker struct {
	queue        *Queue
	handlers     map[string]Handler
	waker        Waker
	workers      int
	pollInterval time.Duration
	metrics      *metrics.Metrics
	log          *zap.Logger
}

func NewWorker(queue *Queue, waker Waker, workers int, pollInterval time.Duration, m *metrics.Metrics, log *zap.Logger) *Worker {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Worker{
		queue:        queue,
		handlers:     make(map[string]Handler),
		waker:        waker,
		workers:      workers,
		pollInterval: pollInterval,
		metrics:      m,
		log:          log,
	}
}

// Register binds a handler to a job name. Must be called before Run.
func (w *Worker) Register(name string, handler Handler) {
	w.handlers[name] = handler
}

// Run claims and executes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		id := i
		g.Go(func() error {
			return w.loop(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	log := w.log.With(zap.Int("worker", id))
	for {
		job, err := w.queue.Claim(ctx)
		switch {
		case errors.Is(err, ErrNoJob):
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		case err != nil:
			log.Error("claim failed", zap.Error(err))
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}
		w.execute(ctx, log, job)
	}
}

func (w *Worker) idle(ctx context.Context) error {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	var wake <-chan struct{}
	if w.waker != nil {
		wake = w.waker.Wait(ctx)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-wake:
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, log *zap.Logger, job Job) {
	handler, ok := w.handlers[job.Name]
	if !ok {
		err := fmt.Errorf("jobs: no handler registered for %q", job.Name)
		if ferr := w.queue.store.MarkFailed(ctx, job.ID, err.Error()); ferr != nil {
			log.Error("mark failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		log.Error("unroutable job", zap.String("name", job.Name), zap.String("job_id", job.ID))
		return
	}
	start := time.Now()
	err := handler(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		w.metrics.JobsFailed.Inc()
		if qerr := w.queue.Fail(ctx, job, err); qerr != nil {
			log.Error("record failure", zap.String("job_id", job.ID), zap.Error(qerr))
		}
		return
	}
	if qerr := w.queue.Complete(ctx, job); qerr != nil {
		log.Error("record completion", zap.String("job_id", job.ID), zap.Error(qerr))
		return
	}
	w.metrics.JobsCompleted.Inc()
	log.Debug("job done",
		zap.String("name", job.Name),
		zap.String("job_id", job.ID),
		zap.Duration("elapsed", elapsed))
}
