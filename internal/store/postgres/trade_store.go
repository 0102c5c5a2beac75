package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelonworks/echelond/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. The partial
// unique index on idem_key backs the executor's exactly-once word.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ domain.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	id, market_id, timeline_id, owner_ref, outcome_idx, side,
	amount_usd, shares, fill_price, impact_bps, idem_key, quote_id, created_at`

// Insert appends an executed trade.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.MarketID, t.TimelineID, t.OwnerRef, t.OutcomeIdx, string(t.Side),
		t.AmountUSD, t.Shares, t.FillPrice, t.ImpactBps, t.IdemKey, t.QuoteID, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidArg
	}
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side string
	err := row.Scan(
		&t.ID, &t.MarketID, &t.TimelineID, &t.OwnerRef, &t.OutcomeIdx, &side,
		&t.AmountUSD, &t.Shares, &t.FillPrice, &t.ImpactBps, &t.IdemKey, &t.QuoteID, &t.CreatedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.TradeSide(side)
	return t, nil
}

// GetByID returns the trade with the given ID.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// GetByIdemKey returns the trade recorded under an idempotency key.
func (s *TradeStore) GetByIdemKey(ctx context.Context, key string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE idem_key = $1 AND idem_key <> ''`, key)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade by idem key: %w", err)
	}
	return t, nil
}

func (s *TradeStore) queryTrades(ctx context.Context, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListByMarket returns trades in one market, newest first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listPage(`
		SELECT `+tradeColumns+` FROM trades
		WHERE market_id = $1
		ORDER BY created_at DESC, id ASC`,
		[]any{marketID}, opts)
	return s.queryTrades(ctx, query, args...)
}

// ListByOwner returns trades by one owner, newest first.
func (s *TradeStore) ListByOwner(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listPage(`
		SELECT `+tradeColumns+` FROM trades
		WHERE owner_ref = $1
		ORDER BY created_at DESC, id ASC`,
		[]any{ownerRef}, opts)
	return s.queryTrades(ctx, query, args...)
}
