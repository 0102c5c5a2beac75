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

// ModeStore implements domain.ModeStore using PostgreSQL. State is a
// singleton row; transitions are append-only.
type ModeStore struct {
	pool *pgxpool.Pool
}

// NewModeStore creates a ModeStore backed by the given pool.
func NewModeStore(pool *pgxpool.Pool) *ModeStore {
	return &ModeStore{pool: pool}
}

var _ domain.ModeStore = (*ModeStore)(nil)

// SaveState upserts the singleton supervisor state row.
func (s *ModeStore) SaveState(ctx context.Context, st domain.ModeState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mode_state (id, tier, since, reason, agg_confidence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			tier           = EXCLUDED.tier,
			since          = EXCLUDED.since,
			reason         = EXCLUDED.reason,
			agg_confidence = EXCLUDED.agg_confidence,
			updated_at     = EXCLUDED.updated_at`,
		int(st.Tier), st.Since, st.Reason, st.AggConfidence, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save mode state: %w", err)
	}
	return nil
}

// LoadState returns the persisted supervisor state, or ErrNotFound on a
// fresh install.
func (s *ModeStore) LoadState(ctx context.Context) (domain.ModeState, error) {
	var st domain.ModeState
	var tier int
	err := s.pool.QueryRow(ctx, `
		SELECT tier, since, reason, agg_confidence, updated_at
		FROM mode_state WHERE id = 1`,
	).Scan(&tier, &st.Since, &st.Reason, &st.AggConfidence, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ModeState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ModeState{}, fmt.Errorf("postgres: load mode state: %w", err)
	}
	st.Tier = domain.ModeTier(tier)
	return st, nil
}

// AppendTransition records one supervisor decision.
func (s *ModeStore) AppendTransition(ctx context.Context, tr domain.ModeTransition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mode_transitions (from_tier, to_tier, reason, agg_confidence, at)
		VALUES ($1, $2, $3, $4, $5)`,
		int(tr.From), int(tr.To), tr.Reason, tr.AggConfidence, tr.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append mode transition: %w", err)
	}
	return nil
}

// ListTransitions returns supervisor decisions, newest first.
func (s *ModeStore) ListTransitions(ctx context.Context, opts domain.ListOpts) ([]domain.ModeTransition, error) {
	query, args := listPage(`
		SELECT id, from_tier, to_tier, reason, agg_confidence, at
		FROM mode_transitions
		ORDER BY at DESC, id ASC`,
		nil, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list mode transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.ModeTransition
	for rows.Next() {
		var tr domain.ModeTransition
		var from, to int
		if err := rows.Scan(&tr.ID, &from, &to, &tr.Reason, &tr.AggConfidence, &tr.At); err != nil {
			return nil, fmt.Errorf("postgres: scan mode transition: %w", err)
		}
		tr.From = domain.ModeTier(from)
		tr.To = domain.ModeTier(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ParadoxStore implements domain.ParadoxStore using PostgreSQL. The
// partial unique index keeps at most one open incident per timeline.
type ParadoxStore struct {
	pool *pgxpool.Pool
}

// NewParadoxStore creates a ParadoxStore backed by the given pool.
func NewParadoxStore(pool *pgxpool.Pool) *ParadoxStore {
	return &ParadoxStore{pool: pool}
}

var _ domain.ParadoxStore = (*ParadoxStore)(nil)

const paradoxColumns = `
	id, timeline_id, saboteur_id, open_gap, peak_gap,
	status, opened_at, resolved_at, updated_at`

// Create opens a new incident. A second open incident on the same
// timeline is rejected.
func (s *ParadoxStore) Create(ctx context.Context, p domain.Paradox) error {
	const query = `
		INSERT INTO paradoxes (` + paradoxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.TimelineID, p.SaboteurID, p.OpenGap, p.PeakGap,
		string(p.Status), p.OpenedAt, p.ResolvedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidArg
	}
	if err != nil {
		return fmt.Errorf("postgres: create paradox %s: %w", p.ID, err)
	}
	return nil
}

// Update overwrites an existing incident.
func (s *ParadoxStore) Update(ctx context.Context, p domain.Paradox) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE paradoxes SET
			saboteur_id = $2,
			peak_gap    = $3,
			status      = $4,
			resolved_at = $5,
			updated_at  = $6
		WHERE id = $1`,
		p.ID, p.SaboteurID, p.PeakGap, string(p.Status), p.ResolvedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update paradox %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanParadox(row pgx.Row) (domain.Paradox, error) {
	var p domain.Paradox
	var status string
	err := row.Scan(
		&p.ID, &p.TimelineID, &p.SaboteurID, &p.OpenGap, &p.PeakGap,
		&status, &p.OpenedAt, &p.ResolvedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Paradox{}, err
	}
	p.Status = domain.ParadoxStatus(status)
	return p, nil
}

// GetOpenByTimeline returns the open incident on a timeline, if any.
func (s *ParadoxStore) GetOpenByTimeline(ctx context.Context, timelineID string) (domain.Paradox, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+paradoxColumns+` FROM paradoxes
		WHERE timeline_id = $1 AND status = 'open'`, timelineID)
	p, err := scanParadox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Paradox{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Paradox{}, fmt.Errorf("postgres: get open paradox %s: %w", timelineID, err)
	}
	return p, nil
}

// ListOpen returns every open incident, oldest first.
func (s *ParadoxStore) ListOpen(ctx context.Context) ([]domain.Paradox, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paradoxColumns+` FROM paradoxes
		WHERE status = 'open'
		ORDER BY opened_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open paradoxes: %w", err)
	}
	defer rows.Close()

	var out []domain.Paradox
	for rows.Next() {
		p, err := scanParadox(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan paradox: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AttributionStore implements domain.AttributionStore using PostgreSQL.
type AttributionStore struct {
	pool *pgxpool.Pool
}

// NewAttributionStore creates an AttributionStore backed by the given pool.
func NewAttributionStore(pool *pgxpool.Pool) *AttributionStore {
	return &AttributionStore{pool: pool}
}

var _ domain.AttributionStore = (*AttributionStore)(nil)

// Insert appends one acknowledged venue order.
func (s *AttributionStore) Insert(ctx context.Context, rec domain.BuilderAttributionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attribution_log
			(venue, order_id, builder_code, market_ref, side, size, price, agent_ref, acked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(rec.Venue), rec.OrderID, rec.BuilderCode, rec.MarketRef,
		string(rec.Side), rec.Size, rec.Price, rec.AgentRef, rec.AckedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert attribution %s: %w", rec.OrderID, err)
	}
	return nil
}

// ListRecent returns the latest acknowledged orders, newest first.
func (s *AttributionStore) ListRecent(ctx context.Context, limit int) ([]domain.BuilderAttributionRecord, error) {
	query := `
		SELECT id, venue, order_id, builder_code, market_ref, side, size, price, agent_ref, acked_at
		FROM attribution_log
		ORDER BY acked_at DESC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attribution: %w", err)
	}
	defer rows.Close()

	var out []domain.BuilderAttributionRecord
	for rows.Next() {
		var rec domain.BuilderAttributionRecord
		var venue, side string
		err := rows.Scan(
			&rec.ID, &venue, &rec.OrderID, &rec.BuilderCode, &rec.MarketRef,
			&side, &rec.Size, &rec.Price, &rec.AgentRef, &rec.AckedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan attribution: %w", err)
		}
		rec.Venue = domain.VenueName(venue)
		rec.Side = domain.TradeSide(side)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountSince counts acknowledged orders newer than the cutoff.
func (s *AttributionStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attribution_log WHERE acked_at > $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count attribution: %w", err)
	}
	return n, nil
}
