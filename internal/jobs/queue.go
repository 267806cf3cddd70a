package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 300 * time.Second
)

// Notifier wakes idle workers when new work lands, so enqueue latency is not
// bounded by the poll interval.
type Notifier interface {
	Wake(ctx context.Context) error
}

type NoopNotifier struct{}

func (NoopNotifier) Wake(context.Context) error { return nil }

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Queue wraps a Store with scheduling policy: retry backoff for failed
// attempts and cron-based rescheduling for recurring jobs.
type Queue struct {
	store    Store
	notifier Notifier
	log      *zap.Logger
}

func NewQueue(store Store, notifier Notifier, log *zap.Logger) *Queue {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Queue{store: store, notifier: notifier, log: log}
}

func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error) {
	if opts.Recurring {
		if _, err := cronParser.Parse(opts.CronPattern); err != nil {
			return "", fmt.Errorf("jobs: invalid cron pattern %q: %w", opts.CronPattern, err)
		}
	}
	id, err := q.store.Enqueue(ctx, name, payload, opts)
	if err != nil {
		return "", err
	}
	if err := q.notifier.Wake(ctx); err != nil {
		q.log.Warn("worker wake failed", zap.Error(err))
	}
	q.log.Debug("job enqueued",
		zap.String("job_id", id),
		zap.String("name", name),
		zap.Bool("recurring", opts.Recurring))
	return id, nil
}

// EnsureRecurring enqueues a recurring job unless a live instance already
// exists, so restarts do not multiply the schedule.
func (q *Queue) EnsureRecurring(ctx context.Context, name, pattern string) error {
	exists, err := q.store.HasPending(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = q.Enqueue(ctx, name, nil, Options{
		Recurring:   true,
		CronPattern: pattern,
	})
	return err
}

func (q *Queue) Claim(ctx context.Context) (Job, error) {
	return q.store.Claim(ctx)
}

// Complete finishes a successful run. A recurring job is re-enqueued for its
// next cron occurrence instead of staying completed.
func (q *Queue) Complete(ctx context.Context, job Job) error {
	if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	if err := q.store.RecordRun(ctx, job, "completed", ""); err != nil {
		q.log.Warn("job run audit failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if !job.Recurring {
		return nil
	}
	schedule, err := cronParser.Parse(job.CronPattern)
	if err != nil {
		return fmt.Errorf("jobs: recurring job %s has invalid pattern %q: %w", job.ID, job.CronPattern, err)
	}
	next := schedule.Next(time.Now())
	_, err = q.store.Enqueue(ctx, job.Name, job.Payload, Options{
		Priority:     job.Priority,
		ScheduledFor: next,
		MaxAttempts:  job.MaxAttempts,
		Recurring:    true,
		CronPattern:  job.CronPattern,
	})
	if err != nil {
		return fmt.Errorf("jobs: reschedule recurring %s: %w", job.Name, err)
	}
	q.log.Debug("recurring job rescheduled",
		zap.String("name", job.Name),
		zap.Time("next", next))
	return nil
}

// Fail records a failed attempt. The job is retried with exponential backoff
// until its attempts are exhausted, then marked terminally failed.
func (q *Queue) Fail(ctx context.Context, job Job, runErr error) error {
	msg := runErr.Error()
	if err := q.store.RecordRun(ctx, job, "failed", msg); err != nil {
		q.log.Warn("job run audit failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.Attempts >= job.MaxAttempts {
		q.log.Error("job exhausted attempts",
			zap.String("job_id", job.ID),
			zap.String("name", job.Name),
			zap.Int("attempts", job.Attempts),
			zap.Error(runErr))
		return q.store.MarkFailed(ctx, job.ID, msg)
	}
	delay := Backoff(job.Attempts)
	q.log.Warn("job failed, retrying",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(runErr))
	return q.store.Retry(ctx, job.ID, time.Now().Add(delay), msg)
}

// Backoff returns the delay before retry attempt n+1: 30s doubling per
// attempt, capped at 300s.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseBackoff << (attempts - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}
