package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dn-keeper-bot/internal/jobs"
)

// JobStore implements jobs.Store on PostgreSQL. Claiming relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never hand out the same row.
type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobSelectCols = `id, name, payload, status, attempts, max_attempts,
	priority, scheduled_for, recurring, cron_pattern, last_run,
	created_at, updated_at`

func scanJobRow(row pgx.Row) (jobs.Job, error) {
	var j jobs.Job
	var status string
	var lastRun *time.Time
	err := row.Scan(
		&j.ID, &j.Name, &j.Payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.Priority, &j.ScheduledFor, &j.Recurring, &j.CronPattern, &lastRun,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return jobs.Job{}, err
	}
	j.Status = jobs.Status(status)
	if lastRun != nil {
		j.LastRun = *lastRun
	}
	return j, nil
}

func (s *JobStore) Enqueue(ctx context.Context, name string, payload []byte, opts jobs.Options) (string, error) {
	id := uuid.NewString()
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	scheduledFor := opts.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = time.Now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	const query = `
		INSERT INTO jobs (
			id, name, payload, status, max_attempts, priority,
			scheduled_for, recurring, cron_pattern
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		id, name, payload, string(jobs.StatusPending), maxAttempts,
		opts.Priority, scheduledFor, opts.Recurring, opts.CronPattern,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: enqueue %s: %w", name, err)
	}
	return id, nil
}

func (s *JobStore) Claim(ctx context.Context) (jobs.Job, error) {
	const query = `
		UPDATE jobs SET
			status = 'processing',
			attempts = attempts + 1,
			last_run = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobSelectCols
	j, err := scanJobRow(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, jobs.ErrNoJob
		}
		return jobs.Job{}, fmt.Errorf("postgres: claim job: %w", err)
	}
	return j, nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', last_error = '', updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("postgres: complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *JobStore) Retry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', scheduled_for = $2, last_error = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id, runAt, lastError)
	if err != nil {
		return fmt.Errorf("postgres: retry job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
		 WHERE id = $1`, id, lastError)
	if err != nil {
		return fmt.Errorf("postgres: fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobSelectCols+` FROM jobs WHERE id = $1`, id)
	j, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, ErrNotFound
		}
		return jobs.Job{}, fmt.Errorf("postgres: get job %s: %w", id, err)
	}
	return j, nil
}

func (s *JobStore) HasPending(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE name = $1 AND status IN ('pending', 'processing'))`,
		name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: pending lookup for %s: %w", name, err)
	}
	return exists, nil
}

func (s *JobStore) RecordRun(ctx context.Context, job jobs.Job, outcome, runError string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (job_id, name, attempt, outcome, error) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.Name, job.Attempts, outcome, runError)
	if err != nil {
		return fmt.Errorf("postgres: record run for %s: %w", job.ID, err)
	}
	return nil
}

var _ jobs.Store = (*JobStore)(nil)
