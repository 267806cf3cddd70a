// Package monitor holds the read-side of the engine: valuation, risk,
// strategy, and keeper-trigger observation. Monitors only read the ledger
// and venues; every money-moving action goes through the execution service.
package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/position"
	"dn-keeper-bot/internal/state"
	"dn-keeper-bot/internal/venues/perp"
	"dn-keeper-bot/internal/venues/swap"
)

const driftEpsilon = 1e-9

// Executor is the execution-service surface the monitors drive.
type Executor interface {
	EnterInitialPosition(ctx context.Context, p position.Position) error
	RebalanceDelta(ctx context.Context, p position.Position) error
	EnterStasis(ctx context.Context, p position.Position) error
	ExitStasis(ctx context.Context, p position.Position) error
	ProcessPendingStake(ctx context.Context, p position.Position) error
	ExecutePanicUnwind(ctx context.Context, p position.Position, reason string) error
	ExecuteForcedExit(ctx context.Context, p position.Position) error
}

// Drift is the fractional imbalance between the spot and hedge legs.
func Drift(spotAmount, perpAmount float64) float64 {
	return math.Abs(spotAmount-perpAmount) / math.Max(spotAmount, driftEpsilon)
}

// Valuation recomputes mark-to-market equity from smoothed prices and live
// on-chain balances. The smoothed price is an EMA persisted per pair so a
// restart does not reset it to a single tick.
type Valuation struct {
	positions position.Store
	ledger    ledger.Client
	swaps     swap.Venue
	perps     perp.Venue
	state     state.Store
	alpha     float64
	log       *zap.Logger
}

func NewValuation(
	positions position.Store,
	ledgerClient ledger.Client,
	swaps swap.Venue,
	perps perp.Venue,
	kv state.Store,
	alpha float64,
	log *zap.Logger,
) *Valuation {
	return &Valuation{
		positions: positions,
		ledger:    ledgerClient,
		swaps:     swaps,
		perps:     perps,
		state:     kv,
		alpha:     alpha,
		log:       log,
	}
}

// Run performs one valuation cycle over every position carrying exposure.
func (v *Valuation) Run(ctx context.Context) error {
	open, err := v.positions.ListByStatus(ctx,
		position.StatusActive,
		position.StatusUnwinding,
		position.StatusExitMonitoring,
	)
	if err != nil {
		return err
	}
	for _, p := range open {
		refreshed, err := v.Refresh(ctx, p)
		if err != nil {
			v.log.Warn("valuation refresh failed",
				zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		if err := v.positions.UpdateEconomics(ctx, refreshed); err != nil {
			v.log.Warn("valuation persist failed",
				zap.String("position_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// Refresh recomputes one position's economics from live observations. The
// stored equity is never trusted across a risk decision; callers that gate
// safety actions call this first.
func (v *Valuation) Refresh(ctx context.Context, p position.Position) (position.Position, error) {
	base, _, err := splitPair(p.Pair)
	if err != nil {
		return p, err
	}
	mark, err := v.perps.GetMarkPrice(ctx, base)
	if err != nil {
		return p, fmt.Errorf("mark price for %s: %w", base, err)
	}
	smoothed := v.smooth(ctx, p.Pair, mark)

	baseToken, err := v.swaps.ResolveSymbol(ctx, base)
	if err != nil {
		return p, err
	}
	spotHeld, err := v.ledger.GetTokenBalance(ctx, p.VaultAddress, baseToken)
	if err != nil {
		return p, fmt.Errorf("spot balance for %s: %w", p.VaultAddress, err)
	}
	perpPos, err := v.perps.GetPosition(ctx, base, p.VaultAddress)
	if err != nil {
		return p, fmt.Errorf("perp position for %s: %w", p.VaultAddress, err)
	}
	perpAmount := math.Abs(perpPos.Amount)

	entry := p.EntryPrice
	if entry <= 0 {
		entry = mark
	}
	p.SpotAmount = spotHeld
	p.PerpAmount = perpAmount
	p.CurrentPrice = smoothed
	p.SpotValue = spotHeld * smoothed
	p.PerpValue = perpAmount * (2 - mark/entry)
	p.TotalEquity = p.SpotValue + p.PerpValue
	p.Drift = Drift(spotHeld, perpAmount)
	return p, nil
}

// smooth folds a new observation into the persisted EMA for the pair. The
// first observation seeds it.
func (v *Valuation) smooth(ctx context.Context, pair string, observed float64) float64 {
	key := "price:ema:" + strings.ToLower(pair)
	smoothed := observed
	if raw, ok, err := v.state.Get(ctx, key); err == nil && ok {
		if prev, err := strconv.ParseFloat(raw, 64); err == nil && prev > 0 {
			smoothed = v.alpha*observed + (1-v.alpha)*prev
		}
	}
	if err := v.state.Set(ctx, key, strconv.FormatFloat(smoothed, 'g', -1, 64)); err != nil {
		v.log.Warn("ema persistence failed", zap.String("pair", pair), zap.Error(err))
	}
	return smoothed
}

func splitPair(pair string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(pair, "-")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("malformed trading pair %q", pair)
	}
	return base, quote, nil
}
