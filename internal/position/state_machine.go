package position

import (
	"errors"
	"fmt"
)

type Event string

const (
	// EventEntered fires when the initial entry bundle has been broadcast.
	EventEntered Event = "ENTERED"
	// EventFundingNegative fires when the strategy driver sees non-positive
	// funding and the position prefers holding cash in stasis.
	EventFundingNegative Event = "FUNDING_NEGATIVE"
	// EventFundingNegativeStake is the staking variant of the above.
	EventFundingNegativeStake Event = "FUNDING_NEGATIVE_STAKE"
	// EventFundingPositive fires when funding climbs back above the entry
	// threshold.
	EventFundingPositive Event = "FUNDING_POSITIVE"
	// EventStakeSettled fires when the staking leg is observed settled.
	EventStakeSettled Event = "STAKE_SETTLED"
	// EventUnstaked fires when the unstake half of a stasis unwind settles.
	EventUnstaked Event = "UNSTAKED"
	// EventPartialUnwind fires when a panic unwind sold only a chunk.
	EventPartialUnwind Event = "PARTIAL_UNWIND"
	// EventTriggerMatched fires when the keeper monitor matches an exit
	// trigger transaction.
	EventTriggerMatched Event = "TRIGGER_MATCHED"
	// EventExitSettled fires when a forced or panic exit bundle settles.
	EventExitSettled Event = "EXIT_SETTLED"
	// EventFailure fires when an unwind execution itself fails. The result
	// is terminal and operator-visible; nothing reverts it automatically.
	EventFailure Event = "FAILURE"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Next returns the status reached by applying event to current. Every legal
// transition of the engine is listed here; anything else is rejected.
func Next(current Status, event Event) (Status, error) {
	if current == StatusClosed {
		return current, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}
	// Events legal from any non-terminal status.
	if current != StatusEmergency {
		switch event {
		case EventTriggerMatched:
			return StatusExitMonitoring, nil
		case EventExitSettled:
			return StatusClosed, nil
		case EventFailure:
			return StatusEmergency, nil
		}
	} else if event == EventFailure {
		return current, nil
	}
	switch current {
	case StatusPendingEntry:
		if event == EventEntered {
			return StatusActive, nil
		}
	case StatusActive:
		switch event {
		case EventFundingNegative:
			return StatusStasis, nil
		case EventFundingNegativeStake:
			return StatusStasisPending, nil
		case EventPartialUnwind:
			return StatusUnwinding, nil
		}
	case StatusStasis:
		if event == EventFundingPositive {
			return StatusActive, nil
		}
	case StatusStasisPending:
		if event == EventStakeSettled {
			return StatusStasisActive, nil
		}
	case StatusStasisActive:
		if event == EventUnstaked {
			return StatusStasis, nil
		}
	case StatusUnwinding:
		if event == EventPartialUnwind {
			return StatusUnwinding, nil
		}
	case StatusExitMonitoring:
		if event == EventPartialUnwind {
			return StatusExitMonitoring, nil
		}
	}
	return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
}
