package monitor

import (
	"context"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/config"
	"dn-keeper-bot/internal/position"
)

// Risk watches drift and the principal floor. Equity is re-read from live
// balances every cycle; a cached value never gates a safety decision.
type Risk struct {
	positions position.Store
	valuation *Valuation
	exec      Executor
	cfg       config.RiskConfig
	log       *zap.Logger
}

func NewRisk(positions position.Store, valuation *Valuation, exec Executor, cfg config.RiskConfig, log *zap.Logger) *Risk {
	return &Risk{positions: positions, valuation: valuation, exec: exec, cfg: cfg, log: log}
}

// Run performs one risk cycle: floor breach beats drift, and a position mid
// panic-unwind keeps unwinding until it is flat or terminal.
func (r *Risk) Run(ctx context.Context) error {
	open, err := r.positions.ListByStatus(ctx, position.StatusActive, position.StatusUnwinding)
	if err != nil {
		return err
	}
	for _, p := range open {
		if err := r.check(ctx, p); err != nil {
			r.log.Error("risk check failed",
				zap.String("position_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Risk) check(ctx context.Context, p position.Position) error {
	refreshed, err := r.valuation.Refresh(ctx, p)
	if err != nil {
		return err
	}
	if err := r.positions.UpdateEconomics(ctx, refreshed); err != nil {
		return err
	}

	if refreshed.Status == position.StatusUnwinding {
		// Continue a partial unwind started on an earlier cycle.
		return r.exec.ExecutePanicUnwind(ctx, refreshed, "equity below floor")
	}
	if refreshed.TotalEquity < refreshed.PrincipalFloor {
		r.log.Warn("principal floor breached",
			zap.String("position_id", refreshed.ID),
			zap.Float64("equity", refreshed.TotalEquity),
			zap.Float64("floor", refreshed.PrincipalFloor))
		return r.exec.ExecutePanicUnwind(ctx, refreshed, "equity below floor")
	}
	if refreshed.Drift > r.cfg.DriftThreshold {
		r.log.Info("hedge drift above threshold",
			zap.String("position_id", refreshed.ID),
			zap.Float64("drift", refreshed.Drift))
		return r.exec.RebalanceDelta(ctx, refreshed)
	}
	return nil
}
