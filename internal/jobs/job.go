// Package jobs provides the durable, claim-based task queue the engine
// schedules all of its work through.
package jobs

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrNoJob = errors.New("no job available")

type Job struct {
	ID           string
	Name         string
	Payload      []byte
	Status       Status
	Attempts     int
	MaxAttempts  int
	Priority     int
	ScheduledFor time.Time
	Recurring    bool
	CronPattern  string
	LastRun      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Options struct {
	Priority     int
	ScheduledFor time.Time
	MaxAttempts  int
	Recurring    bool
	CronPattern  string
}

// Store is the persistence contract. Claim must atomically select the
// highest-priority, earliest-scheduled pending job that is due, mark it
// processing, and increment attempts, skipping rows locked by concurrent
// claimers.
type Store interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error)
	Claim(ctx context.Context) (Job, error)
	MarkCompleted(ctx context.Context, id string) error
	// Retry reschedules a failed attempt.
	Retry(ctx context.Context, id string, runAt time.Time, lastError string) error
	// MarkFailed terminally fails a job that exhausted its attempts.
	MarkFailed(ctx context.Context, id string, lastError string) error
	Get(ctx context.Context, id string) (Job, error)
	// HasPending reports whether a pending or processing job with this
	// name already exists.
	HasPending(ctx context.Context, name string) (bool, error)
	RecordRun(ctx context.Context, job Job, outcome, runError string) error
}
