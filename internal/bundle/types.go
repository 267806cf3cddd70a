package bundle

// SendMode controls how the ledger executes an individual leg.
type SendMode int

const (
	// ModeDefault pays transfer fees out of the leg value.
	ModeDefault SendMode = 0
	// ModeSeparateFees pays transfer fees from the sender balance.
	ModeSeparateFees SendMode = 1
	// ModeIgnoreErrors keeps processing the bundle when this leg fails.
	ModeIgnoreErrors SendMode = 2
	// ModeCarryAll ignores the leg value and sends the entire remaining
	// balance of the account. Used by the user-sweep leg on exit.
	ModeCarryAll SendMode = 128
)

// Leg is one action message addressed to the ledger: a transfer, a venue
// call, or a staking instruction, identified only by destination, value,
// opaque body, and send mode.
type Leg struct {
	To    string
	Value float64
	Body  []byte
	Mode  SendMode
}

// Bundle is the unit of broadcast: every leg executes against the same vault
// under one sequence number. RevokeDelegate, when set, removes that
// delegate's authority over the vault in the same atomic bundle.
type Bundle struct {
	Vault          string
	Seqno          uint64
	Legs           []Leg
	RevokeDelegate string
}

// Signed is an encoded bundle ready for broadcast.
type Signed struct {
	Payload   []byte
	Signature []byte
	Hash      []byte
}
