package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelonworks/echelond/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. Reserves
// are stored as a float8 array alongside the outcome labels.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

var _ domain.MarketStore = (*MarketStore)(nil)

// isUniqueViolation reports whether err is a Postgres duplicate-key
// error (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const marketColumns = `
	id, timeline_id, question, topic, outcomes, reserves,
	seed_liquidity, volume_usd, trade_count, status, external_venue,
	external_ref, winning_outcome, dispute_until, created_at, updated_at,
	closed_at, resolved_at`

// Create inserts a new market; the ID must not already exist.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (` + marketColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.TimelineID, m.Question, m.Topic, m.Outcomes, m.Reserves,
		m.SeedLiquidity, m.VolumeUSD, m.TradeCount, string(m.Status), string(m.ExternalVenue),
		m.ExternalRef, m.WinningOutcome, m.DisputeUntil, m.CreatedAt, m.UpdatedAt,
		m.ClosedAt, m.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidArg
	}
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// Update overwrites an existing market.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			question        = $2,
			topic           = $3,
			outcomes        = $4,
			reserves        = $5,
			seed_liquidity  = $6,
			volume_usd      = $7,
			trade_count     = $8,
			status          = $9,
			external_venue  = $10,
			external_ref    = $11,
			winning_outcome = $12,
			dispute_until   = $13,
			updated_at      = $14,
			closed_at       = $15,
			resolved_at     = $16
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Topic, m.Outcomes, m.Reserves,
		m.SeedLiquidity, m.VolumeUSD, m.TradeCount, string(m.Status), string(m.ExternalVenue),
		m.ExternalRef, m.WinningOutcome, m.DisputeUntil, m.UpdatedAt, m.ClosedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, extVenue string
	err := row.Scan(
		&m.ID, &m.TimelineID, &m.Question, &m.Topic, &m.Outcomes, &m.Reserves,
		&m.SeedLiquidity, &m.VolumeUSD, &m.TradeCount, &status, &extVenue,
		&m.ExternalRef, &m.WinningOutcome, &m.DisputeUntil, &m.CreatedAt, &m.UpdatedAt,
		&m.ClosedAt, &m.ResolvedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.ExternalVenue = domain.VenueName(extVenue)
	return m, nil
}

// GetByID returns the market with the given ID.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

func (s *MarketStore) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// listPage appends LIMIT/OFFSET clauses from opts to a query.
func listPage(query string, args []any, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(query)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// ListByTimeline returns markets in one timeline, newest first.
func (s *MarketStore) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := listPage(`
		SELECT `+marketColumns+` FROM markets
		WHERE timeline_id = $1
		ORDER BY created_at DESC, id ASC`,
		[]any{timelineID}, opts)
	return s.queryMarkets(ctx, query, args...)
}

// ListOpen returns all open markets, newest first.
func (s *MarketStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := listPage(`
		SELECT `+marketColumns+` FROM markets
		WHERE status = 'open'
		ORDER BY created_at DESC, id ASC`,
		nil, opts)
	return s.queryMarkets(ctx, query, args...)
}

// ListOpenByTopic returns open markets whose topic matches.
func (s *MarketStore) ListOpenByTopic(ctx context.Context, topic string) ([]domain.Market, error) {
	return s.queryMarkets(ctx, `
		SELECT `+marketColumns+` FROM markets
		WHERE status = 'open' AND topic = $1
		ORDER BY created_at DESC, id ASC`, topic)
}

// ListTrending returns open markets touched since the cutoff, ordered by
// volume descending.
func (s *MarketStore) ListTrending(ctx context.Context, since time.Time, limit int) ([]domain.Market, error) {
	query := `
		SELECT ` + marketColumns + ` FROM markets
		WHERE status = 'open' AND updated_at > $1
		ORDER BY volume_usd DESC, id ASC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryMarkets(ctx, query, args...)
}

// Stats aggregates market counters for the stats endpoint.
func (s *MarketStore) Stats(ctx context.Context, since time.Time) (domain.MarketStats, error) {
	var st domain.MarketStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open'),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			COALESCE(SUM(volume_usd) FILTER (WHERE updated_at > $1), 0),
			COALESCE(SUM(trade_count) FILTER (WHERE updated_at > $1), 0)
		FROM markets`, since,
	).Scan(&st.OpenMarkets, &st.ResolvedTotal, &st.VolumeUSD24h, &st.TradeCount24h)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("postgres: market stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT topic FROM markets
		WHERE updated_at > $1
		GROUP BY topic
		ORDER BY SUM(volume_usd) DESC, topic ASC
		LIMIT 5`, since)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("postgres: market stats topics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return domain.MarketStats{}, fmt.Errorf("postgres: scan stats topic: %w", err)
		}
		st.TopTopics = append(st.TopTopics, topic)
	}
	return st, rows.Err()
}
