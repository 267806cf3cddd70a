package monitor

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/position"
	"dn-keeper-bot/internal/signer"
	"dn-keeper-bot/internal/state"
)

const keeperCursorKey = "keeper:monitor:cursor"

// KeeperMonitor polls the keeper account's inbound transactions for exit
// triggers: a transfer carrying a "refund" comment and at least the minimum
// value. Each trigger is consumed at most once via the ledger-order marker
// recorded on the matched position.
type KeeperMonitor struct {
	positions  position.Store
	ledger     ledger.Client
	exec       Executor
	state      state.Store
	keeperAddr string
	lookback   int
	minValue   float64
	log        *zap.Logger
}

func NewKeeperMonitor(
	positions position.Store,
	ledgerClient ledger.Client,
	exec Executor,
	kv state.Store,
	keeperAddr string,
	lookback int,
	minValue float64,
	log *zap.Logger,
) *KeeperMonitor {
	return &KeeperMonitor{
		positions:  positions,
		ledger:     ledgerClient,
		exec:       exec,
		state:      kv,
		keeperAddr: keeperAddr,
		lookback:   lookback,
		minValue:   minValue,
		log:        log,
	}
}

func (m *KeeperMonitor) Run(ctx context.Context) error {
	txs, err := m.ledger.GetTransactions(ctx, m.keeperAddr, m.lookback)
	if err != nil {
		return err
	}
	cursor := m.loadCursor(ctx)
	maxSeen := cursor
	for _, tx := range txs {
		if tx.LogicalOrder <= cursor {
			continue
		}
		if tx.LogicalOrder > maxSeen {
			maxSeen = tx.LogicalOrder
		}
		m.handle(ctx, tx)
	}
	if maxSeen > cursor {
		m.storeCursor(ctx, maxSeen)
	}
	return nil
}

func (m *KeeperMonitor) handle(ctx context.Context, tx ledger.Transaction) {
	comment, ok := bundle.DecodeComment(tx.Body)
	if !ok {
		return
	}
	comment = strings.TrimSpace(comment)
	if !strings.Contains(strings.ToLower(comment), "refund") {
		return
	}
	if tx.Value < m.minValue {
		m.log.Debug("trigger below minimum value, ignoring",
			zap.String("sender", tx.Sender),
			zap.Float64("value", tx.Value))
		return
	}
	marker := strconv.FormatUint(tx.LogicalOrder, 10)
	p, ok := m.resolve(ctx, parseRefundID(comment), tx.Sender)
	if !ok {
		return
	}
	if p.Status == position.StatusClosed {
		// Triggers against closed positions are no-ops.
		m.log.Debug("trigger for closed position ignored",
			zap.String("position_id", p.ID))
		return
	}
	if p.LastExitTrigger == marker {
		m.log.Debug("duplicate trigger ignored",
			zap.String("position_id", p.ID),
			zap.String("marker", marker))
		return
	}
	// Record the marker before executing: a crash mid-exit leaves the
	// position visibly stuck in exit_monitoring, not re-triggerable.
	if err := m.positions.SetExitTrigger(ctx, p.ID, marker); err != nil {
		if errors.Is(err, position.ErrTriggerAlreadySet) {
			// Another worker got there first.
			m.log.Debug("trigger already recorded",
				zap.String("position_id", p.ID),
				zap.String("marker", marker))
			return
		}
		m.log.Error("trigger record failed",
			zap.String("position_id", p.ID), zap.Error(err))
		return
	}
	p.LastExitTrigger = marker
	p.Status = position.StatusExitMonitoring
	m.log.Info("exit trigger matched",
		zap.String("position_id", p.ID),
		zap.String("sender", tx.Sender),
		zap.String("marker", marker))
	if err := m.exec.ExecuteForcedExit(ctx, p); err != nil {
		m.log.Error("forced exit failed",
			zap.String("position_id", p.ID), zap.Error(err))
	}
}

// resolve finds the position a trigger targets. An explicit id must match an
// unwindable position owned by the sender; without an id the
// sender's most recently updated unwindable position is used.
func (m *KeeperMonitor) resolve(ctx context.Context, id, sender string) (position.Position, bool) {
	if id != "" {
		p, err := m.positions.Get(ctx, id)
		if err != nil {
			m.log.Warn("trigger names unknown position",
				zap.String("position_id", id), zap.Error(err))
			return position.Position{}, false
		}
		if !signer.SameAccount(p.Owner, sender) {
			m.log.Warn("trigger sender does not own position",
				zap.String("position_id", id),
				zap.String("sender", sender))
			return position.Position{}, false
		}
		if p.Status == position.StatusClosed {
			return p, true
		}
		if !p.Status.Unwindable() {
			m.log.Debug("trigger target not in a triggerable status",
				zap.String("position_id", id),
				zap.String("status", string(p.Status)))
			return position.Position{}, false
		}
		return p, true
	}
	// No id in the comment: most recently updated unwindable position from
	// this sender. Ambiguous when a sender has several open positions.
	candidates, err := m.positions.ListByStatus(ctx,
		position.StatusActive,
		position.StatusUnwinding,
		position.StatusExitMonitoring,
	)
	if err != nil {
		m.log.Error("trigger candidate lookup failed", zap.Error(err))
		return position.Position{}, false
	}
	for _, p := range candidates {
		if signer.SameAccount(p.Owner, sender) {
			return p, true
		}
	}
	m.log.Warn("trigger matched no position", zap.String("sender", sender))
	return position.Position{}, false
}

// parseRefundID extracts the optional position id following the word
// "refund" in a trigger comment.
func parseRefundID(comment string) string {
	fields := strings.Fields(comment)
	for i, f := range fields {
		if strings.EqualFold(f, "refund") && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func (m *KeeperMonitor) loadCursor(ctx context.Context) uint64 {
	cursor, ok, err := state.GetUint64(ctx, m.state, keeperCursorKey)
	if err != nil || !ok {
		return 0
	}
	return cursor
}

func (m *KeeperMonitor) storeCursor(ctx context.Context, cursor uint64) {
	if err := state.SetUint64(ctx, m.state, keeperCursorKey, cursor); err != nil {
		m.log.Warn("cursor persistence failed", zap.Error(err))
	}
}
