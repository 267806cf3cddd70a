package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dn-keeper-bot/internal/position"
)

// PositionStore implements position.Store using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_account, pair, spot_amount, perp_amount,
	spot_value, perp_value, total_equity, entry_price, entry_equity,
	current_price, drift, principal_floor, max_loss_pct, delegation_expiry,
	stasis_preference, vault_address, last_exit_trigger, status,
	created_at, updated_at`

func scanPositionRow(row pgx.Row) (position.Position, error) {
	var p position.Position
	var preference, status string
	err := row.Scan(
		&p.ID, &p.Owner, &p.Pair, &p.SpotAmount, &p.PerpAmount,
		&p.SpotValue, &p.PerpValue, &p.TotalEquity, &p.EntryPrice, &p.EntryEquity,
		&p.CurrentPrice, &p.Drift, &p.PrincipalFloor, &p.MaxLossPct, &p.DelegationExpiry,
		&preference, &p.VaultAddress, &p.LastExitTrigger, &status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return position.Position{}, err
	}
	p.StasisPreference = position.StasisPreference(preference)
	p.Status = position.Status(status)
	return p, nil
}

func (s *PositionStore) Create(ctx context.Context, p position.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_account, pair, spot_amount, perp_amount,
			spot_value, perp_value, total_equity, entry_price, entry_equity,
			current_price, drift, principal_floor, max_loss_pct, delegation_expiry,
			stasis_preference, vault_address, last_exit_trigger, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner, p.Pair, p.SpotAmount, p.PerpAmount,
		p.SpotValue, p.PerpValue, p.TotalEquity, p.EntryPrice, p.EntryEquity,
		p.CurrentPrice, p.Drift, p.PrincipalFloor, p.MaxLossPct, p.DelegationExpiry,
		string(p.StasisPreference), p.VaultAddress, p.LastExitTrigger, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PositionStore) Get(ctx context.Context, id string) (position.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return position.Position{}, ErrNotFound
		}
		return position.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Update replaces all mutable fields. principal_floor and owner_account are
// fixed at creation.
func (s *PositionStore) Update(ctx context.Context, p position.Position) error {
	const query = `
		UPDATE positions SET
			spot_amount = $2,
			perp_amount = $3,
			spot_value = $4,
			perp_value = $5,
			total_equity = $6,
			entry_price = $7,
			entry_equity = $8,
			current_price = $9,
			drift = $10,
			delegation_expiry = $11,
			stasis_preference = $12,
			last_exit_trigger = $13,
			status = $14,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.SpotAmount, p.PerpAmount, p.SpotValue, p.PerpValue,
		p.TotalEquity, p.EntryPrice, p.EntryEquity, p.CurrentPrice, p.Drift,
		p.DelegationExpiry, string(p.StasisPreference), p.LastExitTrigger, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PositionStore) UpdateStatus(ctx context.Context, id string, from, to position.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: update position %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PositionStore) SetExitTrigger(ctx context.Context, id, marker string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET last_exit_trigger = $2, status = $3, updated_at = NOW()
		 WHERE id = $1 AND last_exit_trigger <> $2 AND status NOT IN ($4, $5)`,
		id, marker, string(position.StatusExitMonitoring),
		string(position.StatusClosed), string(position.StatusEmergency))
	if err != nil {
		return fmt.Errorf("postgres: set exit trigger on %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from the benign cases the WHERE
		// clause filters out.
		p, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if p.LastExitTrigger == marker || p.Status.Terminal() {
			return position.ErrTriggerAlreadySet
		}
		return fmt.Errorf("postgres: set exit trigger on %s: not applied", id)
	}
	return nil
}

func (s *PositionStore) UpdateEconomics(ctx context.Context, p position.Position) error {
	const query = `
		UPDATE positions SET
			spot_amount = $2,
			perp_amount = $3,
			spot_value = $4,
			perp_value = $5,
			total_equity = $6,
			current_price = $7,
			drift = $8,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.SpotAmount, p.PerpAmount, p.SpotValue, p.PerpValue,
		p.TotalEquity, p.CurrentPrice, p.Drift,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s economics: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...position.Status) ([]position.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(status)
	}
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY updated_at DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()
	var positions []position.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Compile-time interface check.
var _ position.Store = (*PositionStore)(nil)
