// Package engine is the execution/settlement service: the only component
// that constructs and broadcasts signed bundles against a vault. Every
// operation reads live balances first, builds venue legs, broadcasts through
// the signer serializer, and only then updates position state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/alerts"
	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/config"
	"dn-keeper-bot/internal/fees"
	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/metrics"
	"dn-keeper-bot/internal/position"
	"dn-keeper-bot/internal/venues/perp"
	"dn-keeper-bot/internal/venues/swap"
)

// gasReserve is kept as liquid vault balance so bundle legs can always pay
// transfer fees.
const gasReserve = 1.0

// stakeAttachValue rides along with stake and unstake messages to cover the
// pool's processing fee.
const stakeAttachValue = 0.2

var ErrBadPair = errors.New("malformed trading pair")

// Broadcaster is the signer serializer surface the engine needs.
type Broadcaster interface {
	Address() string
	Broadcast(ctx context.Context, b bundle.Bundle) (ledger.BroadcastResult, error)
}

type Engine struct {
	positions position.Store
	ledger    ledger.Client
	swaps     swap.Venue
	perps     perp.Venue
	caster    Broadcaster

	risk     config.RiskConfig
	fees     config.FeesConfig
	staking  config.StakingConfig
	leverage float64

	metrics *metrics.Metrics
	alerter alerts.Sender
	log     *zap.Logger
}

func New(
	positions position.Store,
	ledgerClient ledger.Client,
	swaps swap.Venue,
	perps perp.Venue,
	caster Broadcaster,
	cfg *config.Config,
	m *metrics.Metrics,
	alerter alerts.Sender,
	log *zap.Logger,
) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	if alerter == nil {
		alerter = alerts.Noop{}
	}
	return &Engine{
		positions: positions,
		ledger:    ledgerClient,
		swaps:     swaps,
		perps:     perps,
		caster:    caster,
		risk:      cfg.Risk,
		fees:      cfg.Fees,
		staking:   cfg.Staking,
		leverage:  cfg.Perp.Leverage,
		metrics:   m,
		alerter:   alerter,
		log:       log,
	}
}

func splitPair(pair string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(pair, "-")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadPair, pair)
	}
	return base, quote, nil
}

// EnterInitialPosition opens the hedge for a freshly funded vault: half the
// balance buys spot, an equal-size short opens against the rest as margin.
// The vault must be observed deployed first; an undeployed vault aborts with
// no state change.
func (e *Engine) EnterInitialPosition(ctx context.Context, p position.Position) error {
	if p.Status != position.StatusPendingEntry {
		e.log.Debug("entry skipped, position already past pending_entry",
			zap.String("position_id", p.ID), zap.String("status", string(p.Status)))
		return nil
	}
	base, quote, err := splitPair(p.Pair)
	if err != nil {
		return err
	}
	account, err := e.ledger.GetAccount(ctx, p.VaultAddress)
	if err != nil {
		return fmt.Errorf("read vault %s: %w", p.VaultAddress, err)
	}
	if !account.Deployed {
		return fmt.Errorf("vault %s: %w", p.VaultAddress, ledger.ErrNotDeployed)
	}
	spend := (account.Balance - gasReserve) / 2
	if spend <= 0 {
		return fmt.Errorf("vault %s balance %.4f too low to enter", p.VaultAddress, account.Balance)
	}

	baseToken, err := e.swaps.ResolveSymbol(ctx, base)
	if err != nil {
		return err
	}
	quoteToken, err := e.swaps.ResolveSymbol(ctx, quote)
	if err != nil {
		return err
	}
	sim, err := e.swaps.Quote(ctx, quoteToken, baseToken, spend)
	if err != nil {
		return err
	}
	buyLeg, err := e.swaps.BuildSwap(ctx, quoteToken, baseToken, spend, e.risk.MinOutputRatio*sim.ExpectedOutput)
	if err != nil {
		return err
	}
	baseAmount := sim.ExpectedOutput
	shortLeg, err := e.perps.BuildOpenShort(ctx, p.VaultAddress, baseAmount, e.leverage)
	if err != nil {
		return err
	}
	mark, err := e.perps.GetMarkPrice(ctx, base)
	if err != nil {
		return err
	}

	_, err = e.caster.Broadcast(ctx, bundle.Bundle{
		Vault: p.VaultAddress,
		Legs:  []bundle.Leg{buyLeg, shortLeg},
	})
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return fmt.Errorf("entry broadcast for %s: %w", p.ID, err)
	}
	e.metrics.BundlesBroadcast.Inc()

	p.SpotAmount = baseAmount
	p.PerpAmount = baseAmount
	p.EntryPrice = mark
	p.CurrentPrice = mark
	p.EntryEquity = account.Balance
	p.SpotValue = baseAmount * mark
	p.PerpValue = baseAmount
	p.TotalEquity = p.SpotValue + p.PerpValue
	p.Drift = 0
	// Full update: entry_price and entry_equity are outside the economics
	// column set.
	if err := e.positions.Update(ctx, p); err != nil {
		return err
	}
	if err := e.transition(ctx, p.ID, p.Status, position.EventEntered); err != nil {
		return err
	}
	e.log.Info("position entered",
		zap.String("position_id", p.ID),
		zap.Float64("spot", baseAmount),
		zap.Float64("entry_price", mark))
	return nil
}

// RebalanceDelta realigns the short leg to the spot leg. Deltas worth less
// than the configured quote minimum are skipped.
func (e *Engine) RebalanceDelta(ctx context.Context, p position.Position) error {
	base, _, err := splitPair(p.Pair)
	if err != nil {
		return err
	}
	mark, err := e.perps.GetMarkPrice(ctx, base)
	if err != nil {
		return err
	}
	delta := p.SpotAmount - p.PerpAmount
	deltaQuote := abs(delta) * mark
	if deltaQuote < e.risk.MinRebalance {
		e.log.Debug("rebalance below minimum, skipping",
			zap.String("position_id", p.ID),
			zap.Float64("delta_quote", deltaQuote))
		return nil
	}

	var leg bundle.Leg
	if delta > 0 {
		// Under-hedged: widen the short.
		leg, err = e.perps.BuildOpenShort(ctx, p.VaultAddress, delta, e.leverage)
	} else {
		leg, err = e.perps.BuildCloseShort(ctx, p.VaultAddress, -delta)
	}
	if err != nil {
		return err
	}
	_, err = e.caster.Broadcast(ctx, bundle.Bundle{Vault: p.VaultAddress, Legs: []bundle.Leg{leg}})
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return fmt.Errorf("rebalance broadcast for %s: %w", p.ID, err)
	}
	e.metrics.BundlesBroadcast.Inc()
	e.metrics.Rebalances.Inc()

	p.PerpAmount = p.SpotAmount
	p.Drift = 0
	if err := e.positions.UpdateEconomics(ctx, p); err != nil {
		return err
	}
	e.log.Info("rebalanced",
		zap.String("position_id", p.ID),
		zap.Float64("delta", delta),
		zap.Float64("delta_quote", deltaQuote))
	return nil
}

// EnterStasis retreats from the hedge: close the short, sell spot back to
// the quote asset, and either hold cash or forward it to the staking pool
// per the position's preference.
func (e *Engine) EnterStasis(ctx context.Context, p position.Position) error {
	if p.Status != position.StatusActive {
		return nil
	}
	base, quote, err := splitPair(p.Pair)
	if err != nil {
		return err
	}
	baseToken, err := e.swaps.ResolveSymbol(ctx, base)
	if err != nil {
		return err
	}
	quoteToken, err := e.swaps.ResolveSymbol(ctx, quote)
	if err != nil {
		return err
	}
	spotHeld, err := e.ledger.GetTokenBalance(ctx, p.VaultAddress, baseToken)
	if err != nil {
		return err
	}

	var legs []bundle.Leg
	closeLeg, err := e.perps.BuildCloseShort(ctx, p.VaultAddress, 0)
	if err != nil {
		return err
	}
	legs = append(legs, closeLeg)
	if spotHeld > 0 {
		sim, err := e.swaps.Quote(ctx, baseToken, quoteToken, spotHeld)
		if err != nil {
			return err
		}
		sellLeg, err := e.swaps.BuildSwap(ctx, baseToken, quoteToken, spotHeld, e.risk.MinOutputRatio*sim.ExpectedOutput)
		if err != nil {
			return err
		}
		legs = append(legs, sellLeg)
	}

	event := position.EventFundingNegative
	if p.StasisPreference == position.StasisStake {
		if e.staking.PoolAddress == "" {
			return errors.New("stake preference set but staking.pool_address is empty")
		}
		legs = append(legs, bundle.Leg{
			To:    e.staking.PoolAddress,
			Value: stakeAttachValue,
			Body:  bundle.EncodeComment("d"),
			Mode:  bundle.ModeCarryAll,
		})
		event = position.EventFundingNegativeStake
	}

	_, err = e.caster.Broadcast(ctx, bundle.Bundle{Vault: p.VaultAddress, Legs: legs})
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return fmt.Errorf("stasis broadcast for %s: %w", p.ID, err)
	}
	e.metrics.BundlesBroadcast.Inc()
	e.metrics.StasisTransitions.Inc()

	p.SpotAmount = 0
	p.PerpAmount = 0
	p.Drift = 0
	if err := e.positions.UpdateEconomics(ctx, p); err != nil {
		return err
	}
	if err := e.transition(ctx, p.ID, p.Status, event); err != nil {
		return err
	}
	e.log.Info("entered stasis",
		zap.String("position_id", p.ID),
		zap.String("preference", string(p.StasisPreference)))
	return nil
}

// ProcessPendingStake checks whether the staking leg settled, observed as a
// non-zero derivative-token balance on the vault.
func (e *Engine) ProcessPendingStake(ctx context.Context, p position.Position) error {
	if p.Status != position.StatusStasisPending {
		return nil
	}
	staked, err := e.ledger.GetTokenBalance(ctx, p.VaultAddress, e.staking.PoolAddress)
	if err != nil {
		return err
	}
	if staked <= 0 {
		e.log.Debug("stake not yet settled", zap.String("position_id", p.ID))
		return nil
	}
	if err := e.transition(ctx, p.ID, p.Status, position.EventStakeSettled); err != nil {
		return err
	}
	e.log.Info("stake settled",
		zap.String("position_id", p.ID),
		zap.Float64("staked", staked))
	return nil
}

// ExitStasis runs one step of leaving stasis. From stasis_active it only
// unstakes; the next strategy cycle finds the position in plain stasis and
// re-enters the hedge from there.
func (e *Engine) ExitStasis(ctx context.Context, p position.Position) error {
	switch p.Status {
	case position.StatusStasisActive:
		return e.unstake(ctx, p)
	case position.StatusStasis:
		return e.reenter(ctx, p)
	default:
		return nil
	}
}

func (e *Engine) unstake(ctx context.Context, p position.Position) error {
	staked, err := e.ledger.GetTokenBalance(ctx, p.VaultAddress, e.staking.PoolAddress)
	if err != nil {
		return err
	}
	if staked <= 0 {
		// Nothing staked; treat the unstake as already settled.
		return e.transition(ctx, p.ID, p.Status, position.EventUnstaked)
	}
	leg := bundle.Leg{
		To:    e.staking.PoolAddress,
		Value: stakeAttachValue,
		Body:  bundle.EncodeComment("w"),
		Mode:  bundle.ModeSeparateFees,
	}
	_, err = e.caster.Broadcast(ctx, bundle.Bundle{Vault: p.VaultAddress, Legs: []bundle.Leg{leg}})
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return fmt.Errorf("unstake broadcast for %s: %w", p.ID, err)
	}
	e.metrics.BundlesBroadcast.Inc()
	e.metrics.StasisTransitions.Inc()
	if err := e.transition(ctx, p.ID, p.Status, position.EventUnstaked); err != nil {
		return err
	}
	e.log.Info("unstaked", zap.String("position_id", p.ID), zap.Float64("staked", staked))
	return nil
}

// reenter rebuilds the hedge from the vault's cash balance. The entry price
// resets to the current mark; the entry equity baseline for fees does not.
func (e *Engine) reenter(ctx context.Context, p position.Position) error {
	base, quote, err := splitPair(p.Pair)
	if err != nil {
		return err
	}
	account, err := e.ledger.GetAccount(ctx, p.VaultAddress)
	if err != nil {
		return err
	}
	spend := (account.Balance - gasReserve) / 2
	if spend <= 0 {
		return fmt.Errorf("vault %s balance %.4f too low to re-enter", p.VaultAddress, account.Balance)
	}
	baseToken, err := e.swaps.ResolveSymbol(ctx, base)
	if err != nil {
		return err
	}
	quoteToken, err := e.swaps.ResolveSymbol(ctx, quote)
	if err != nil {
		return err
	}
	sim, err := e.swaps.Quote(ctx, quoteToken, baseToken, spend)
	if err != nil {
		return err
	}
	buyLeg, err := e.swaps.BuildSwap(ctx, quoteToken, baseToken, spend, e.risk.MinOutputRatio*sim.ExpectedOutput)
	if err != nil {
		return err
	}
	shortLeg, err := e.perps.BuildOpenShort(ctx, p.VaultAddress, sim.ExpectedOutput, e.leverage)
	if err != nil {
		return err
	}
	mark, err := e.perps.GetMarkPrice(ctx, base)
	if err != nil {
		return err
	}

	_, err = e.caster.Broadcast(ctx, bundle.Bundle{
		Vault: p.VaultAddress,
		Legs:  []bundle.Leg{buyLeg, shortLeg},
	})
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return fmt.Errorf("re-entry broadcast for %s: %w", p.ID, err)
	}
	e.metrics.BundlesBroadcast.Inc()
	e.metrics.StasisTransitions.Inc()

	p.SpotAmount = sim.ExpectedOutput
	p.PerpAmount = sim.ExpectedOutput
	p.EntryPrice = mark
	p.CurrentPrice = mark
	p.Drift = 0
	if err := e.positions.Update(ctx, p); err != nil {
		return err
	}
	if err := e.transition(ctx, p.ID, p.Status, position.EventFundingPositive); err != nil {
		return err
	}
	e.log.Info("re-entered from stasis", zap.String("position_id", p.ID))
	return nil
}

func (e *Engine) transition(ctx context.Context, id string, from position.Status, event position.Event) error {
	next, err := position.Next(from, event)
	if err != nil {
		return err
	}
	return e.positions.UpdateStatus(ctx, id, from, next)
}

// fail moves a position to emergency after a mid-unwind execution failure.
// The cause is returned so the job layer still sees the original error.
func (e *Engine) fail(ctx context.Context, p position.Position, cause error) error {
	next, terr := position.Next(p.Status, position.EventFailure)
	if terr == nil {
		if uerr := e.positions.UpdateStatus(ctx, p.ID, p.Status, next); uerr != nil {
			e.log.Error("emergency transition failed",
				zap.String("position_id", p.ID), zap.Error(uerr))
		}
	}
	e.log.Error("execution failed, position in emergency",
		zap.String("position_id", p.ID), zap.Error(cause))
	if aerr := e.alerter.Send(ctx, alerts.EmergencyMessage(p.ID, cause.Error())); aerr != nil {
		e.log.Warn("emergency alert failed", zap.Error(aerr))
	}
	return cause
}

func (e *Engine) feeSplit(exitEquity, entryEquity float64) fees.Split {
	return fees.Compute(entryEquity, exitEquity, e.fees.PerformanceRate)
}

func (e *Engine) feeCollector() string {
	if e.fees.Collector != "" {
		return e.fees.Collector
	}
	return e.caster.Address()
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
