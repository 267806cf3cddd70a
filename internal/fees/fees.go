// Package fees computes the performance-fee split applied when a position
// exits. Losses are never fee-bearing.
package fees

const (
	DefaultRate          = 0.20
	DefaultDustThreshold = 0.01
)

type Split struct {
	Fee       float64
	NetToUser float64
}

// Compute returns the performance-fee split for an exit. The identity
// Fee + NetToUser == exitEquity holds exactly: the fee is taken first and the
// remainder goes to the user.
func Compute(entryEquity, exitEquity, rate float64) Split {
	if exitEquity <= entryEquity {
		return Split{Fee: 0, NetToUser: exitEquity}
	}
	fee := rate * (exitEquity - entryEquity)
	return Split{Fee: fee, NetToUser: exitEquity - fee}
}

// Payable reports whether a fee is large enough to include as its own
// transfer leg. Micro-transfers below the dust threshold fail on-chain more
// often than they are worth collecting.
func Payable(fee, dustThreshold float64) bool {
	return fee > dustThreshold
}
