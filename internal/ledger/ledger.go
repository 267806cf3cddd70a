// Package ledger talks to the external distributed ledger: account state,
// inbound transaction history, and signed-bundle broadcast.
package ledger

import (
	"context"
	"errors"

	"dn-keeper-bot/internal/bundle"
)

var (
	ErrRateLimited = errors.New("ledger rate limited")
	ErrNotDeployed = errors.New("account not deployed")
)

// Transaction is one inbound transfer observed on an account.
type Transaction struct {
	Value        float64
	Sender       string
	Body         []byte
	LogicalOrder uint64
}

type BroadcastResult struct {
	Seqno uint64
}

type AccountState struct {
	Balance  float64
	Seqno    uint64
	Deployed bool
}

type Client interface {
	GetAccount(ctx context.Context, account string) (AccountState, error)
	GetBalance(ctx context.Context, account string) (float64, error)
	// GetTokenBalance reads the account's balance of the token issued by
	// the given minter.
	GetTokenBalance(ctx context.Context, account, token string) (float64, error)
	GetTransactions(ctx context.Context, account string, limit int) ([]Transaction, error)
	Broadcast(ctx context.Context, signed bundle.Signed) (BroadcastResult, error)
}
