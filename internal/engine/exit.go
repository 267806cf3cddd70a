package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/alerts"
	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/fees"
	"dn-keeper-bot/internal/position"
)

// ExecutePanicUnwind liquidates a position whose equity breached its floor.
// When the simulated full-size sale would move the price more than the
// configured impact cap, only a chunk is sold this cycle and the position is
// left in unwinding for the next one. Execution failure is terminal: the
// position lands in emergency, never silently back in active.
func (e *Engine) ExecutePanicUnwind(ctx context.Context, p position.Position, reason string) error {
	if p.Status.Terminal() {
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
	e.metrics.PanicUnwinds.Inc()
	if aerr := e.alerter.Send(ctx, alerts.PanicUnwindMessage(p.ID, p.TotalEquity, p.PrincipalFloor)); aerr != nil {
		e.log.Warn("panic alert failed", zap.Error(aerr))
	}

	if spotHeld > 0 {
		sim, err := e.swaps.Quote(ctx, baseToken, quoteToken, spotHeld)
		if err != nil {
			return err
		}
		if sim.PriceImpact > e.risk.MaxPriceImpact {
			return e.unwindChunk(ctx, p, baseToken, quoteToken, spotHeld)
		}
	}
	if err := e.fullExit(ctx, p, reason, true); err != nil {
		return e.fail(ctx, p, err)
	}
	return nil
}

// unwindChunk sells one configured fraction of the spot leg and closes a
// proportional slice of the short, leaving the rest for the next monitor
// cycle rather than forcing a bad fill.
func (e *Engine) unwindChunk(ctx context.Context, p position.Position, baseToken, quoteToken string, spotHeld float64) error {
	chunk := spotHeld * e.risk.UnwindChunk
	sim, err := e.swaps.Quote(ctx, baseToken, quoteToken, chunk)
	if err != nil {
		return err
	}
	sellLeg, err := e.swaps.BuildSwap(ctx, baseToken, quoteToken, chunk, e.risk.MinOutputRatio*sim.ExpectedOutput)
	if err != nil {
		return err
	}
	closeLeg, err := e.perps.BuildCloseShort(ctx, p.VaultAddress, chunk)
	if err != nil {
		return err
	}
	_, err = e.caster.Broadcast(ctx, bundle.Bundle{
		Vault: p.VaultAddress,
		Legs:  []bundle.Leg{sellLeg, closeLeg},
	})
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return e.fail(ctx, p, fmt.Errorf("chunk unwind broadcast for %s: %w", p.ID, err))
	}
	e.metrics.BundlesBroadcast.Inc()

	p.SpotAmount = spotHeld - chunk
	if p.PerpAmount > chunk {
		p.PerpAmount -= chunk
	} else {
		p.PerpAmount = 0
	}
	if err := e.positions.UpdateEconomics(ctx, p); err != nil {
		return err
	}
	if err := e.transition(ctx, p.ID, p.Status, position.EventPartialUnwind); err != nil {
		return err
	}
	e.log.Warn("partial unwind, impact too high for full size",
		zap.String("position_id", p.ID),
		zap.Float64("chunk", chunk),
		zap.Float64("remaining", p.SpotAmount))
	return nil
}

// ExecuteForcedExit settles a keeper-triggered exit. The trigger marker must
// already be recorded on the position; duplicate dispatch past that point is
// harmless because the status gate rejects a second settlement.
func (e *Engine) ExecuteForcedExit(ctx context.Context, p position.Position) error {
	if p.Status != position.StatusExitMonitoring {
		e.log.Debug("forced exit skipped, status moved on",
			zap.String("position_id", p.ID), zap.String("status", string(p.Status)))
		return nil
	}
	e.metrics.ForcedExits.Inc()
	if aerr := e.alerter.Send(ctx, alerts.ForcedExitMessage(p.ID, p.LastExitTrigger)); aerr != nil {
		e.log.Warn("forced exit alert failed", zap.Error(aerr))
	}
	if err := e.fullExit(ctx, p, "forced exit", true); err != nil {
		return e.fail(ctx, p, err)
	}
	return nil
}

// fullExit composes the complete exit bundle: unwind legs, the performance
// fee if it clears dust, a carry-all sweep to the owner, and, when revoke is
// set, removal of the keeper's delegated authority in the same bundle. A
// partial exit therefore can never leave the keeper privileged over an empty
// vault.
func (e *Engine) fullExit(ctx context.Context, p position.Position, reason string, revoke bool) error {
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
	account, err := e.ledger.GetAccount(ctx, p.VaultAddress)
	if err != nil {
		return err
	}
	spotHeld, err := e.ledger.GetTokenBalance(ctx, p.VaultAddress, baseToken)
	if err != nil {
		return err
	}

	var legs []bundle.Leg
	exitEquity := account.Balance
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
		exitEquity += sim.ExpectedOutput
	}
	perpPos, err := e.perps.GetPosition(ctx, base, p.VaultAddress)
	if err != nil {
		return err
	}
	if perpPos.Amount != 0 {
		closeLeg, err := e.perps.BuildCloseShort(ctx, p.VaultAddress, 0)
		if err != nil {
			return err
		}
		legs = append(legs, closeLeg)
	}

	split := e.feeSplit(exitEquity, p.EntryEquity)
	// Quote-derived equity puts the raw fee off the wire grid; snap it
	// before it becomes a leg value.
	fee := bundle.RoundAmount(split.Fee)
	if fees.Payable(fee, e.fees.DustThreshold) {
		legs = append(legs, bundle.Leg{
			To:    e.feeCollector(),
			Value: fee,
			Body:  bundle.EncodeComment("performance fee " + p.ID),
			Mode:  bundle.ModeSeparateFees,
		})
	}
	legs = append(legs, bundle.Leg{
		To:   p.Owner,
		Body: bundle.EncodeComment(reason),
		Mode: bundle.ModeCarryAll,
	})

	b := bundle.Bundle{Vault: p.VaultAddress, Legs: legs}
	if revoke {
		b.RevokeDelegate = e.caster.Address()
	}
	_, err = e.caster.Broadcast(ctx, b)
	if err != nil {
		e.metrics.BroadcastFailed.Inc()
		return fmt.Errorf("exit broadcast for %s: %w", p.ID, err)
	}
	e.metrics.BundlesBroadcast.Inc()

	if err := e.transition(ctx, p.ID, p.Status, position.EventExitSettled); err != nil {
		return err
	}
	if aerr := e.alerter.Send(ctx, alerts.ExitSettledMessage(p.ID, split.NetToUser, split.Fee)); aerr != nil {
		e.log.Warn("exit alert failed", zap.Error(aerr))
	}
	e.log.Info("position closed",
		zap.String("position_id", p.ID),
		zap.String("reason", reason),
		zap.Float64("net_to_user", split.NetToUser),
		zap.Float64("fee", split.Fee))
	return nil
}
