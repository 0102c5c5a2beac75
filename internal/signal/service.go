// Package signal implements the OSINT signal store: idempotent ingestion,
// keyed recency queries and per-source health bookkeeping.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

// confidenceAlpha is the EWMA weight for per-poll feed confidence.
const confidenceAlpha = 0.2

// idSeparator keeps source tag and payload from colliding across the
// hash boundary (record separator, same role as in the export keys).
const idSeparator = 0x1e

// Config bounds store behaviour.
type Config struct {
	DedupTTL      time.Duration
	RecencyKeep   int
	QueryLimitMax int
}

// Service is the signal store facade. Writes go through the dedup guard
// and the durable store; reads are served from the recency index with a
// durable fallback.
type Service struct {
	cfg    Config
	clk    clock.Clock
	store  domain.SignalStore
	feeds  domain.FeedStatusStore
	index  domain.RecencyIndex
	guard  domain.DedupGuard
	fcache domain.FeedStatusCache
	bus    *bus.Bus
	met    *metrics.Registry
	logger *slog.Logger
}

// New wires the signal service. fcache, met may be nil in tests.
func New(
	cfg Config,
	clk clock.Clock,
	store domain.SignalStore,
	feeds domain.FeedStatusStore,
	index domain.RecencyIndex,
	guard domain.DedupGuard,
	fcache domain.FeedStatusCache,
	b *bus.Bus,
	met *metrics.Registry,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:    cfg,
		clk:    clk,
		store:  store,
		feeds:  feeds,
		index:  index,
		guard:  guard,
		fcache: fcache,
		bus:    b,
		met:    met,
		logger: logger.With(slog.String("component", "signal")),
	}
}

// SignalID derives the stable signal id: 0x-prefixed Keccak-256 of
// source_tag || 0x1e || payload. The same payload re-delivered by the
// same source always hashes to the same id.
func SignalID(sourceTag, payload string) string {
	buf := make([]byte, 0, len(sourceTag)+1+len(payload))
	buf = append(buf, sourceTag...)
	buf = append(buf, idSeparator)
	buf = append(buf, payload...)
	return hexutil.Encode(ethcrypto.Keccak256(buf))
}

// NormalizeTopic canonicalizes a topic to lower snake case so "US Election"
// and "us_election" key the same index entry.
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(strings.ToLower(topic))
	fields := strings.FieldsFunc(topic, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/' || r == '.'
	})
	return strings.Join(fields, "_")
}

// Score blends a tier's base confidence with the source-reported score.
// A source reporting nothing gets the tier prior unchanged.
func Score(tier domain.SourceTier, rawScore float64) float64 {
	base := tier.BaseConfidence()
	if rawScore <= 0 {
		return base
	}
	if rawScore > 1 {
		rawScore = 1
	}
	return base * rawScore
}

// Ingest normalizes, scores and stores one observation. Re-ingesting an
// id already present is a no-op reported as Duplicate. Exactly one
// SignalIngested event is emitted per unique id.
func (s *Service) Ingest(ctx context.Context, sig domain.Signal) (domain.IngestResult, error) {
	if sig.SourceTag == "" || sig.Payload == "" {
		return domain.IngestResult{}, fmt.Errorf("signal: source tag and payload are required: %w", domain.ErrInvalidArg)
	}
	if sig.Topic == "" {
		return domain.IngestResult{}, fmt.Errorf("signal: topic is required: %w", domain.ErrInvalidArg)
	}

	now := s.clk.Now()
	sig.Payload = strings.TrimSpace(sig.Payload)
	sig.Topic = NormalizeTopic(sig.Topic)
	sig.ID = SignalID(sig.SourceTag, sig.Payload)
	sig.Confidence = Score(sig.Tier, sig.RawScore)
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = now
	}
	sig.IngestedAt = now

	// Fast duplicate path. The durable word is still the store's
	// conflict outcome, so a lost guard entry cannot double-ingest.
	fresh, err := s.guard.Claim(ctx, sig.ID, s.cfg.DedupTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "dedup guard unavailable, falling through to store",
			slog.String("error", err.Error()))
		fresh = true
	}
	if !fresh {
		s.countIngest(sig.SourceTag, "duplicate")
		return domain.IngestResult{Signal: sig, Duplicate: true}, nil
	}

	inserted, err := s.store.Insert(ctx, sig)
	if err != nil {
		return domain.IngestResult{}, fmt.Errorf("signal: insert %s: %w", sig.ID, err)
	}
	if !inserted {
		s.countIngest(sig.SourceTag, "duplicate")
		return domain.IngestResult{Signal: sig, Duplicate: true}, nil
	}

	if err := s.index.Add(ctx, sig); err != nil {
		s.logger.WarnContext(ctx, "recency index add failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
	} else if s.cfg.RecencyKeep > 0 {
		_ = s.index.Trim(ctx, sig.Topic, s.cfg.RecencyKeep)
	}

	s.countIngest(sig.SourceTag, "inserted")
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind:    domain.EventSignalIngested,
			At:      now,
			Payload: sig,
		})
	}
	return domain.IngestResult{Signal: sig, Duplicate: false}, nil
}

// Query returns signals on topic observed at or after since, newest
// first with a stable ascending-id tie-break. The recency index answers
// when it can; the durable store backs it up.
func (s *Service) Query(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error) {
	topic = NormalizeTopic(topic)
	if limit <= 0 || (s.cfg.QueryLimitMax > 0 && limit > s.cfg.QueryLimitMax) {
		limit = s.cfg.QueryLimitMax
	}

	sigs, err := s.index.Recent(ctx, topic, since, limit)
	if err == nil && len(sigs) > 0 {
		return sigs, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "recency index query failed, using store",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}

	sigs, err = s.store.ListByTopic(ctx, topic, since, limit)
	if err != nil {
		return nil, fmt.Errorf("signal: query %s: %w", topic, err)
	}
	return sigs, nil
}

// Touch records one poll outcome for a source and refreshes the rolling
// confidence. The supervisor reads the resulting FeedStatus rows.
func (s *Service) Touch(ctx context.Context, sourceTag string, category domain.FeedCategory, critical bool, ok bool, pollErr error, at time.Time) error {
	fs, err := s.feeds.Get(ctx, sourceTag)
	if err != nil {
		fs = domain.FeedStatus{
			SourceTag:  sourceTag,
			Category:   category,
			Critical:   critical,
			Confidence: 0.5,
		}
	}
	fs.Category = category
	fs.Critical = critical
	fs.UpdatedAt = at

	sample := 0.0
	if ok {
		sample = 1.0
		fs.Healthy = true
		fs.LastOKAt = at
		fs.LastError = ""
		fs.ConsecErrs = 0
	} else {
		fs.Healthy = false
		fs.ConsecErrs++
		if pollErr != nil {
			fs.LastError = pollErr.Error()
		}
		errAt := at
		fs.LastErrorAt = &errAt
	}
	fs.Confidence = (1-confidenceAlpha)*fs.Confidence + confidenceAlpha*sample

	if err := s.feeds.Upsert(ctx, fs); err != nil {
		return fmt.Errorf("signal: touch %s: %w", sourceTag, err)
	}
	if s.fcache != nil {
		if cerr := s.fcache.Set(ctx, fs); cerr != nil {
			s.logger.WarnContext(ctx, "feed status cache set failed",
				slog.String("source", sourceTag),
				slog.String("error", cerr.Error()))
		}
	}
	if s.met != nil {
		s.met.FeedConfidence.WithLabelValues(sourceTag).Set(fs.Confidence)
	}
	return nil
}

// FeedStatuses returns the current health of every known source.
func (s *Service) FeedStatuses(ctx context.Context) ([]domain.FeedStatus, error) {
	return s.feeds.List(ctx)
}

func (s *Service) countIngest(source, result string) {
	if s.met != nil {
		s.met.SignalsIngested.WithLabelValues(source, result).Inc()
	}
}
