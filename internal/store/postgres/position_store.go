package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelonworks/echelond/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
// Positions are keyed (owner_ref, market_id, outcome_idx); buys and
// sells merge into the same row.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	id, market_id, timeline_id, owner_ref, outcome_idx,
	shares, cost_basis, realized_pnl, opened_at, updated_at`

// Upsert stores the merged position.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_ref, market_id, outcome_idx) DO UPDATE SET
			shares       = EXCLUDED.shares,
			cost_basis   = EXCLUDED.cost_basis,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at   = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.TimelineID, p.OwnerRef, p.OutcomeIdx,
		p.Shares, p.CostBasis, p.RealizedPnL, p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s/%d: %w",
			p.OwnerRef, p.MarketID, p.OutcomeIdx, err)
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.MarketID, &p.TimelineID, &p.OwnerRef, &p.OutcomeIdx,
		&p.Shares, &p.CostBasis, &p.RealizedPnL, &p.OpenedAt, &p.UpdatedAt,
	)
	return p, err
}

// Get returns one owner's position in one market outcome.
func (s *PositionStore) Get(ctx context.Context, ownerRef, marketID string, outcomeIdx int) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE owner_ref = $1 AND market_id = $2 AND outcome_idx = $3`,
		ownerRef, marketID, outcomeIdx)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return p, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByOwner returns every position held by one owner.
func (s *PositionStore) ListByOwner(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listPage(`
		SELECT `+positionColumns+` FROM positions
		WHERE owner_ref = $1
		ORDER BY owner_ref, market_id, outcome_idx`,
		[]any{ownerRef}, opts)
	return s.queryPositions(ctx, query, args...)
}

// ListByMarket returns every position in one market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE market_id = $1
		ORDER BY owner_ref, outcome_idx`, marketID)
}

// ListByTimeline returns every position inside one timeline.
func (s *PositionStore) ListByTimeline(ctx context.Context, timelineID string) ([]domain.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE timeline_id = $1
		ORDER BY owner_ref, market_id, outcome_idx`, timelineID)
}

// Leaderboard ranks owners in one timeline by realized P&L descending,
// stable by owner ref. Trade counts come from the trades table.
func (s *PositionStore) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT
			p.owner_ref,
			SUM(p.realized_pnl) AS pnl,
			COALESCE((
				SELECT COUNT(*) FROM trades t
				WHERE t.timeline_id = p.timeline_id AND t.owner_ref = p.owner_ref
			), 0) AS trade_count
		FROM positions p
		WHERE p.timeline_id = $1
		GROUP BY p.timeline_id, p.owner_ref
		ORDER BY pnl DESC, p.owner_ref ASC`
	args := []any{timelineID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: leaderboard %s: %w", timelineID, err)
	}
	defer rows.Close()

	var out []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.OwnerRef, &e.RealizedPnL, &e.TradeCount); err != nil {
			return nil, fmt.Errorf("postgres: scan leaderboard entry: %w", err)
		}
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out, rows.Err()
}
