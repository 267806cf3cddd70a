package position

import "time"

type Status string

const (
	StatusPendingEntry   Status = "pending_entry"
	StatusActive         Status = "active"
	StatusStasis         Status = "stasis"
	StatusStasisPending  Status = "stasis_pending_stake"
	StatusStasisActive   Status = "stasis_active"
	StatusUnwinding      Status = "unwinding"
	StatusExitMonitoring Status = "exit_monitoring"
	StatusClosed         Status = "closed"
	StatusEmergency      Status = "emergency"
)

type StasisPreference string

const (
	StasisHold  StasisPreference = "hold"
	StasisStake StasisPreference = "stake"
)

// Position is the unit of automation: one vault, one hedged pair.
type Position struct {
	ID    string
	Owner string
	Pair  string

	SpotAmount   float64
	PerpAmount   float64
	SpotValue    float64
	PerpValue    float64
	TotalEquity  float64
	EntryPrice   float64
	EntryEquity  float64
	CurrentPrice float64
	Drift        float64

	PrincipalFloor   float64
	MaxLossPct       float64
	DelegationExpiry time.Time
	StasisPreference StasisPreference

	VaultAddress string
	// LastExitTrigger holds the ledger-order marker of the most recently
	// consumed exit trigger. Used to skip replayed triggers.
	LastExitTrigger string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether no further automated transitions are legal.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusEmergency
}

// Unwindable reports whether a keeper trigger may force an exit from this
// status.
func (s Status) Unwindable() bool {
	switch s {
	case StatusActive, StatusUnwinding, StatusExitMonitoring:
		return true
	}
	return false
}
