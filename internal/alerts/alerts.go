// Package alerts delivers operator notifications for events that need a
// human looking at them.
package alerts

import (
	"context"
	"fmt"
)

// Sender delivers a message to the operator channel.
type Sender interface {
	Send(ctx context.Context, message string) error
}

type Noop struct{}

func (Noop) Send(context.Context, string) error { return nil }

func EmergencyMessage(positionID, reason string) string {
	return fmt.Sprintf("🚨 position %s entered emergency: %s", positionID, reason)
}

func PanicUnwindMessage(positionID string, equity, floor float64) string {
	return fmt.Sprintf("⚠️ panic unwind started for %s: equity %.2f below floor %.2f", positionID, equity, floor)
}

func ForcedExitMessage(positionID, trigger string) string {
	return fmt.Sprintf("keeper-forced exit for %s (trigger %s)", positionID, trigger)
}

func ExitSettledMessage(positionID string, net, fee float64) string {
	return fmt.Sprintf("position %s closed: %.2f to owner, %.2f fee", positionID, net, fee)
}
