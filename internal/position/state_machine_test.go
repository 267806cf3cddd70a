package position

import (
	"errors"
	"testing"
)

func TestNextHappyPath(t *testing.T) {
	status, err := Next(StatusPendingEntry, EventEntered)
	if err != nil || status != StatusActive {
		t.Fatalf("expected %s, got %s (%v)", StatusActive, status, err)
	}
	status, err = Next(status, EventFundingNegativeStake)
	if err != nil || status != StatusStasisPending {
		t.Fatalf("expected %s, got %s (%v)", StatusStasisPending, status, err)
	}
	status, err = Next(status, EventStakeSettled)
	if err != nil || status != StatusStasisActive {
		t.Fatalf("expected %s, got %s (%v)", StatusStasisActive, status, err)
	}
	status, err = Next(status, EventUnstaked)
	if err != nil || status != StatusStasis {
		t.Fatalf("expected %s, got %s (%v)", StatusStasis, status, err)
	}
	status, err = Next(status, EventFundingPositive)
	if err != nil || status != StatusActive {
		t.Fatalf("expected %s, got %s (%v)", StatusActive, status, err)
	}
}

func TestNextForcedExit(t *testing.T) {
	for _, from := range []Status{StatusActive, StatusStasis, StatusStasisPending, StatusStasisActive, StatusUnwinding} {
		status, err := Next(from, EventTriggerMatched)
		if err != nil || status != StatusExitMonitoring {
			t.Fatalf("trigger from %s: expected %s, got %s (%v)", from, StatusExitMonitoring, status, err)
		}
	}
	status, err := Next(StatusExitMonitoring, EventExitSettled)
	if err != nil || status != StatusClosed {
		t.Fatalf("expected %s, got %s (%v)", StatusClosed, status, err)
	}
}

func TestNextPanicFromActive(t *testing.T) {
	status, err := Next(StatusActive, EventExitSettled)
	if err != nil || status != StatusClosed {
		t.Fatalf("expected %s, got %s (%v)", StatusClosed, status, err)
	}
	status, err = Next(StatusActive, EventPartialUnwind)
	if err != nil || status != StatusUnwinding {
		t.Fatalf("expected %s, got %s (%v)", StatusUnwinding, status, err)
	}
	status, err = Next(StatusUnwinding, EventExitSettled)
	if err != nil || status != StatusClosed {
		t.Fatalf("expected %s, got %s (%v)", StatusClosed, status, err)
	}
}

func TestNextFailureIsTerminal(t *testing.T) {
	status, err := Next(StatusUnwinding, EventFailure)
	if err != nil || status != StatusEmergency {
		t.Fatalf("expected %s, got %s (%v)", StatusEmergency, status, err)
	}
	// Nothing leaves emergency automatically.
	if _, err := Next(StatusEmergency, EventFundingPositive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := Next(StatusEmergency, EventTriggerMatched); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNextClosedIsTerminal(t *testing.T) {
	for _, event := range []Event{EventEntered, EventTriggerMatched, EventExitSettled, EventFailure} {
		if _, err := Next(StatusClosed, event); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s on closed: expected ErrInvalidTransition, got %v", event, err)
		}
	}
}

func TestNextRejectsInvalid(t *testing.T) {
	if _, err := Next(StatusStasis, EventStakeSettled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := Next(StatusPendingEntry, EventFundingNegative); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStatusHelpers(t *testing.T) {
	if !StatusClosed.Terminal() || !StatusEmergency.Terminal() {
		t.Fatalf("closed and emergency must be terminal")
	}
	if StatusActive.Terminal() {
		t.Fatalf("active must not be terminal")
	}
	if !StatusActive.Unwindable() || !StatusExitMonitoring.Unwindable() {
		t.Fatalf("active and exit_monitoring must be unwindable")
	}
	if StatusStasis.Unwindable() {
		t.Fatalf("stasis is not directly unwindable by trigger match list")
	}
}
