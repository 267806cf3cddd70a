package position

import (
	"context"
	"errors"
)

// ErrTriggerAlreadySet reports a SetExitTrigger call whose marker is already
// recorded or whose position is terminal. Callers treat it as a benign
// duplicate, not a failure.
var ErrTriggerAlreadySet = errors.New("exit trigger already set")

// Store is the persistence contract for positions. Status updates are
// compare-and-set so a duplicate-dispatched job cannot replay a transition.
type Store interface {
	Create(ctx context.Context, p Position) error
	Get(ctx context.Context, id string) (Position, error)
	Update(ctx context.Context, p Position) error
	// UpdateStatus moves id from `from` to `to`; it fails when the stored
	// status no longer matches.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// SetExitTrigger records the trigger marker and moves the position to
	// exit_monitoring in one write.
	SetExitTrigger(ctx context.Context, id, marker string) error
	// UpdateEconomics persists recomputed valuation fields.
	UpdateEconomics(ctx context.Context, p Position) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]Position, error)
}
