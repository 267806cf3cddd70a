// Package swap models the spot swap venue: symbol resolution, quotes with
// projected price impact, and swap legs for the bundle builder.
package swap

import (
	"context"

	"dn-keeper-bot/internal/bundle"
)

type Quote struct {
	ExpectedOutput float64
	PriceImpact    float64
}

type Venue interface {
	ResolveSymbol(ctx context.Context, ticker string) (string, error)
	Quote(ctx context.Context, from, to string, amount float64) (Quote, error)
	BuildSwap(ctx context.Context, from, to string, amount, minOutput float64) (bundle.Leg, error)
}
