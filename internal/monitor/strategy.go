package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/config"
	"dn-keeper-bot/internal/position"
	"dn-keeper-bot/internal/venues/perp"
)

// Strategy drives active↔stasis transitions from the funding signal, opens
// freshly funded positions, and force-exits positions whose delegation is
// about to expire.
type Strategy struct {
	positions position.Store
	perps     perp.Venue
	exec      Executor
	cfg       config.MonitorConfig
	log       *zap.Logger
}

func NewStrategy(positions position.Store, perps perp.Venue, exec Executor, cfg config.MonitorConfig, log *zap.Logger) *Strategy {
	return &Strategy{positions: positions, perps: perps, exec: exec, cfg: cfg, log: log}
}

func (s *Strategy) Run(ctx context.Context) error {
	open, err := s.positions.ListByStatus(ctx,
		position.StatusPendingEntry,
		position.StatusActive,
		position.StatusStasis,
		position.StatusStasisPending,
		position.StatusStasisActive,
	)
	if err != nil {
		return err
	}
	for _, p := range open {
		if err := s.step(ctx, p); err != nil {
			s.log.Error("strategy step failed",
				zap.String("position_id", p.ID),
				zap.String("status", string(p.Status)),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Strategy) step(ctx context.Context, p position.Position) error {
	if s.delegationExpiring(p) {
		return s.forceExit(ctx, p)
	}
	switch p.Status {
	case position.StatusPendingEntry:
		return s.exec.EnterInitialPosition(ctx, p)
	case position.StatusActive:
		funding, err := s.funding(ctx, p)
		if err != nil {
			return err
		}
		if funding <= 0 {
			s.log.Info("funding non-positive, retreating to stasis",
				zap.String("position_id", p.ID),
				zap.Float64("funding", funding))
			return s.exec.EnterStasis(ctx, p)
		}
	case position.StatusStasis, position.StatusStasisActive:
		funding, err := s.funding(ctx, p)
		if err != nil {
			return err
		}
		if funding > s.cfg.EntryFunding {
			return s.exec.ExitStasis(ctx, p)
		}
	case position.StatusStasisPending:
		return s.exec.ProcessPendingStake(ctx, p)
	}
	return nil
}

func (s *Strategy) funding(ctx context.Context, p position.Position) (float64, error) {
	base, _, err := splitPair(p.Pair)
	if err != nil {
		return 0, err
	}
	return s.perps.GetFundingRate(ctx, base)
}

// delegationExpiring reports whether the keeper's authority over the vault
// runs out within the safety margin. Past that point nothing guarantees the
// engine can still unwind, so it exits while it can.
func (s *Strategy) delegationExpiring(p position.Position) bool {
	if p.DelegationExpiry.IsZero() {
		return false
	}
	return time.Until(p.DelegationExpiry) < s.cfg.DelegationMargin
}

func (s *Strategy) forceExit(ctx context.Context, p position.Position) error {
	marker := "delegation:" + p.DelegationExpiry.UTC().Format(time.RFC3339)
	if p.LastExitTrigger == marker {
		return nil
	}
	s.log.Warn("delegation expiring, forcing exit",
		zap.String("position_id", p.ID),
		zap.Time("expiry", p.DelegationExpiry))
	if err := s.positions.SetExitTrigger(ctx, p.ID, marker); err != nil {
		if errors.Is(err, position.ErrTriggerAlreadySet) {
			return nil
		}
		return err
	}
	p.LastExitTrigger = marker
	p.Status = position.StatusExitMonitoring
	return s.exec.ExecuteForcedExit(ctx, p)
}
