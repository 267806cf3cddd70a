// Package perp models the perpetual futures venue: short legs for the bundle
// builder, mark prices, funding, and live position reads.
package perp

import (
	"context"

	"dn-keeper-bot/internal/bundle"
)

type Position struct {
	Amount     float64
	EntryPrice float64
}

type Venue interface {
	BuildOpenShort(ctx context.Context, vault string, amount, leverage float64) (bundle.Leg, error)
	// BuildCloseShort closes amount base units, or the whole short when
	// amount is zero.
	BuildCloseShort(ctx context.Context, vault string, amount float64) (bundle.Leg, error)
	GetMarkPrice(ctx context.Context, ticker string) (float64, error)
	GetFundingRate(ctx context.Context, ticker string) (float64, error)
	GetPosition(ctx context.Context, ticker, vault string) (Position, error)
}
