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

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a SignalStore backed by the given pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

var _ domain.SignalStore = (*SignalStore)(nil)

// Insert stores sig unless its ID is already present. The content-hash
// ID makes ON CONFLICT DO NOTHING the durable dedup word.
func (s *SignalStore) Insert(ctx context.Context, sig domain.Signal) (bool, error) {
	const query = `
		INSERT INTO signals (
			id, source_tag, tier, category, topic, payload,
			confidence, raw_score, observed_at, ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		sig.ID, sig.SourceTag, string(sig.Tier), string(sig.Category),
		sig.Topic, sig.Payload, sig.Confidence, sig.RawScore,
		sig.ObservedAt, sig.IngestedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert signal %s: %w", sig.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const signalColumns = `
	id, source_tag, tier, category, topic, payload,
	confidence, raw_score, observed_at, ingested_at`

func scanSignal(row pgx.Row) (domain.Signal, error) {
	var sig domain.Signal
	var tier, category string
	err := row.Scan(
		&sig.ID, &sig.SourceTag, &tier, &category, &sig.Topic, &sig.Payload,
		&sig.Confidence, &sig.RawScore, &sig.ObservedAt, &sig.IngestedAt,
	)
	if err != nil {
		return domain.Signal{}, err
	}
	sig.Tier = domain.SourceTier(tier)
	sig.Category = domain.FeedCategory(category)
	return sig, nil
}

// GetByID returns the signal with the given ID.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Signal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	return sig, nil
}

// ListByTopic returns signals on topic observed at or after since,
// newest first with ascending-ID tie-break.
func (s *SignalStore) ListByTopic(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE topic = $1 AND observed_at >= $2
		ORDER BY observed_at DESC, id ASC`
	args := []any{topic, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals by topic %s: %w", topic, err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// PruneBefore drops signals observed before cutoff, except those on a
// protected topic. It returns the number of deleted rows.
func (s *SignalStore) PruneBefore(ctx context.Context, cutoff time.Time, protectedTopics []string) (int64, error) {
	if protectedTopics == nil {
		protectedTopics = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signals
		WHERE observed_at < $1 AND NOT (topic = ANY($2))`,
		cutoff, protectedTopics,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored signals.
func (s *SignalStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count signals: %w", err)
	}
	return n, nil
}

// FeedStatusStore implements domain.FeedStatusStore using PostgreSQL.
type FeedStatusStore struct {
	pool *pgxpool.Pool
}

// NewFeedStatusStore creates a FeedStatusStore backed by the given pool.
func NewFeedStatusStore(pool *pgxpool.Pool) *FeedStatusStore {
	return &FeedStatusStore{pool: pool}
}

var _ domain.FeedStatusStore = (*FeedStatusStore)(nil)

// Upsert stores the record under its source tag.
func (s *FeedStatusStore) Upsert(ctx context.Context, fs domain.FeedStatus) error {
	const query = `
		INSERT INTO feed_status (
			source_tag, category, healthy, confidence, last_ok_at,
			last_error, last_error_at, consec_errs, critical, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, 'epoch'::timestamptz), $6, $7, $8, $9, $10)
		ON CONFLICT (source_tag) DO UPDATE SET
			category      = EXCLUDED.category,
			healthy       = EXCLUDED.healthy,
			confidence    = EXCLUDED.confidence,
			last_ok_at    = EXCLUDED.last_ok_at,
			last_error    = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			consec_errs   = EXCLUDED.consec_errs,
			critical      = EXCLUDED.critical,
			updated_at    = EXCLUDED.updated_at`

	lastOK := fs.LastOKAt
	if lastOK.IsZero() {
		lastOK = time.Unix(0, 0).UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		fs.SourceTag, string(fs.Category), fs.Healthy, fs.Confidence, lastOK,
		fs.LastError, fs.LastErrorAt, fs.ConsecErrs, fs.Critical, fs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert feed status %s: %w", fs.SourceTag, err)
	}
	return nil
}

const feedStatusColumns = `
	source_tag, category, healthy, confidence,
	COALESCE(last_ok_at, 'epoch'::timestamptz),
	last_error, last_error_at, consec_errs, critical, updated_at`

func scanFeedStatus(row pgx.Row) (domain.FeedStatus, error) {
	var fs domain.FeedStatus
	var category string
	err := row.Scan(
		&fs.SourceTag, &category, &fs.Healthy, &fs.Confidence, &fs.LastOKAt,
		&fs.LastError, &fs.LastErrorAt, &fs.ConsecErrs, &fs.Critical, &fs.UpdatedAt,
	)
	if err != nil {
		return domain.FeedStatus{}, err
	}
	fs.Category = domain.FeedCategory(category)
	if fs.LastOKAt.Equal(time.Unix(0, 0).UTC()) {
		fs.LastOKAt = time.Time{}
	}
	return fs, nil
}

// Get returns the record for a source tag.
func (s *FeedStatusStore) Get(ctx context.Context, sourceTag string) (domain.FeedStatus, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+feedStatusColumns+` FROM feed_status WHERE source_tag = $1`, sourceTag)
	fs, err := scanFeedStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FeedStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FeedStatus{}, fmt.Errorf("postgres: get feed status %s: %w", sourceTag, err)
	}
	return fs, nil
}

// List returns every record, ordered by source tag.
func (s *FeedStatusStore) List(ctx context.Context) ([]domain.FeedStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+feedStatusColumns+` FROM feed_status ORDER BY source_tag`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feed statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.FeedStatus
	for rows.Next() {
		fs, err := scanFeedStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan feed status: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
