package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelonworks/echelond/internal/domain"
)

// TimelineStore implements domain.TimelineStore using PostgreSQL.
type TimelineStore struct {
	pool *pgxpool.Pool
}

// NewTimelineStore creates a TimelineStore backed by the given pool.
func NewTimelineStore(pool *pgxpool.Pool) *TimelineStore {
	return &TimelineStore{pool: pool}
}

var _ domain.TimelineStore = (*TimelineStore)(nil)

const timelineColumns = `
	id, parent_id, visibility, capital, owner_ref, premise,
	source_market_id, seed_hash, stability, logic_gap, sim_capital_usd,
	invite_list, leaderboard_enabled, status, forked_at, expires_at,
	reaped_at, reap_reason, updated_at`

// Create inserts a new timeline; the ID must not already exist.
func (s *TimelineStore) Create(ctx context.Context, t domain.Timeline) error {
	const query = `
		INSERT INTO timelines (` + timelineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	inviteList := t.InviteList
	if inviteList == nil {
		inviteList = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.ParentID, string(t.Visibility), string(t.Capital), t.OwnerRef, t.Premise,
		t.SourceMarketID, t.SeedHash, t.Stability, t.LogicGap, t.SimCapitalUSD,
		inviteList, t.LeaderboardEnabled, string(t.Status), t.ForkedAt, t.ExpiresAt,
		t.ReapedAt, t.ReapReason, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidArg
	}
	if err != nil {
		return fmt.Errorf("postgres: create timeline %s: %w", t.ID, err)
	}
	return nil
}

// Update overwrites an existing timeline.
func (s *TimelineStore) Update(ctx context.Context, t domain.Timeline) error {
	const query = `
		UPDATE timelines SET
			visibility          = $2,
			capital             = $3,
			owner_ref           = $4,
			premise             = $5,
			stability           = $6,
			logic_gap           = $7,
			sim_capital_usd     = $8,
			invite_list         = $9,
			leaderboard_enabled = $10,
			status              = $11,
			expires_at          = $12,
			reaped_at           = $13,
			reap_reason         = $14,
			updated_at          = $15
		WHERE id = $1`

	inviteList := t.InviteList
	if inviteList == nil {
		inviteList = []string{}
	}
	tag, err := s.pool.Exec(ctx, query,
		t.ID, string(t.Visibility), string(t.Capital), t.OwnerRef, t.Premise,
		t.Stability, t.LogicGap, t.SimCapitalUSD, inviteList, t.LeaderboardEnabled,
		string(t.Status), t.ExpiresAt, t.ReapedAt, t.ReapReason, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update timeline %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanTimeline(row pgx.Row) (domain.Timeline, error) {
	var t domain.Timeline
	var visibility, capital, status string
	err := row.Scan(
		&t.ID, &t.ParentID, &visibility, &capital, &t.OwnerRef, &t.Premise,
		&t.SourceMarketID, &t.SeedHash, &t.Stability, &t.LogicGap, &t.SimCapitalUSD,
		&t.InviteList, &t.LeaderboardEnabled, &status, &t.ForkedAt, &t.ExpiresAt,
		&t.ReapedAt, &t.ReapReason, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Timeline{}, err
	}
	t.Visibility = domain.TimelineVisibility(visibility)
	t.Capital = domain.CapitalMode(capital)
	t.Status = domain.TimelineStatus(status)
	return t, nil
}

// GetByID returns the timeline with the given ID.
func (s *TimelineStore) GetByID(ctx context.Context, id string) (domain.Timeline, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+timelineColumns+` FROM timelines WHERE id = $1`, id)
	t, err := scanTimeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Timeline{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("postgres: get timeline %s: %w", id, err)
	}
	return t, nil
}

func (s *TimelineStore) queryTimelines(ctx context.Context, query string, args ...any) ([]domain.Timeline, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query timelines: %w", err)
	}
	defer rows.Close()

	var out []domain.Timeline
	for rows.Next() {
		t, err := scanTimeline(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan timeline: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActive returns active timelines, newest fork first.
func (s *TimelineStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Timeline, error) {
	query, args := listPage(`
		SELECT `+timelineColumns+` FROM timelines
		WHERE status = 'active'
		ORDER BY forked_at DESC, id ASC`,
		nil, opts)
	return s.queryTimelines(ctx, query, args...)
}

// ListExpired returns active timelines whose expiry has passed.
func (s *TimelineStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Timeline, error) {
	query := `
		SELECT ` + timelineColumns + ` FROM timelines
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC, id ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryTimelines(ctx, query, args...)
}

// CountActiveByVisibility counts active timelines with the given
// visibility, for fork quota enforcement.
func (s *TimelineStore) CountActiveByVisibility(ctx context.Context, v domain.TimelineVisibility) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM timelines
		WHERE status = 'active' AND visibility = $1`, string(v),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active timelines: %w", err)
	}
	return n, nil
}
