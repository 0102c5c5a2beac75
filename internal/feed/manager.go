package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/config"
	"github.com/echelonworks/echelond/internal/domain"
)

// Ingestor is the slice of the signal service the pollers feed.
type Ingestor interface {
	Ingest(ctx context.Context, sig domain.Signal) (domain.IngestResult, error)
	Touch(ctx context.Context, sourceTag string, category domain.FeedCategory, critical bool, ok bool, pollErr error, at time.Time) error
}

// Source couples a Fetcher with its identity and cadence.
type Source struct {
	Tag          string
	Category     domain.FeedCategory
	Tier         domain.SourceTier
	Critical     bool
	PollInterval time.Duration
	Fetcher      Fetcher
}

// FromConfig builds the source list from configuration. Decentralized
// sources speak GraphQL to a subgraph indexer; everything else is a
// plain JSON poll.
func FromConfig(sources []config.FeedSource, now time.Time) []Source {
	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		var f Fetcher
		tier := domain.SourceTier(src.Tier)
		if tier == domain.SourceTierDecentralized {
			topic := "onchain_flow"
			if len(src.Topics) > 0 {
				topic = src.Topics[0]
			}
			f = NewChainSource(src.URL, "", topic, now)
		} else {
			f = NewHTTPSource(src.URL, src.Topics)
		}
		out = append(out, Source{
			Tag:          src.Tag,
			Category:     domain.FeedCategory(src.Category),
			Tier:         tier,
			Critical:     src.Critical,
			PollInterval: src.PollInterval.Duration,
			Fetcher:      f,
		})
	}
	return out
}

// Manager runs one poll loop per source.
type Manager struct {
	sources []Source
	svc     Ingestor
	clk     clock.Clock
	logger  *slog.Logger
}

// NewManager wires the poll loops.
func NewManager(sources []Source, svc Ingestor, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		sources: sources,
		svc:     svc,
		clk:     clk,
		logger:  logger.With(slog.String("component", "feed_manager")),
	}
}

// Run polls every source on its own cadence until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.sources) == 0 {
		m.logger.Info("no feed sources configured")
		<-ctx.Done()
		return ctx.Err()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range m.sources {
		src := src
		g.Go(func() error {
			return m.pollLoop(ctx, src)
		})
	}
	return g.Wait()
}

func (m *Manager) pollLoop(ctx context.Context, src Source) error {
	interval := src.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := m.logger.With(slog.String("source", src.Tag))
	logger.Info("feed poller started",
		slog.String("category", string(src.Category)),
		slog.Duration("interval", interval))

	// First poll immediately, then on the ticker.
	m.pollOnce(ctx, src, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollOnce(ctx, src, logger)
		}
	}
}

// pollOnce runs one fetch-normalize-ingest round and records the health
// outcome. Per-item ingest failures degrade the poll but do not abort
// the remaining items.
func (m *Manager) pollOnce(ctx context.Context, src Source, logger *slog.Logger) {
	items, err := src.Fetcher.Fetch(ctx)
	at := m.clk.Now()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn("poll failed", slog.String("error", err.Error()))
		m.touch(ctx, src, false, err, at)
		return
	}

	var ingested, duplicates int
	var lastErr error
	for _, item := range items {
		res, ierr := m.svc.Ingest(ctx, domain.Signal{
			SourceTag:  src.Tag,
			Tier:       src.Tier,
			Category:   src.Category,
			Topic:      item.Topic,
			Payload:    item.Payload,
			RawScore:   item.RawScore,
			ObservedAt: item.ObservedAt,
		})
		if ierr != nil {
			lastErr = ierr
			continue
		}
		if res.Duplicate {
			duplicates++
		} else {
			ingested++
		}
	}
	if lastErr != nil && ingested == 0 && len(items) > 0 {
		m.touch(ctx, src, false, fmt.Errorf("feed: every ingest failed: %w", lastErr), at)
		return
	}
	m.touch(ctx, src, true, nil, at)
	if ingested > 0 {
		logger.Debug("poll complete",
			slog.Int("ingested", ingested),
			slog.Int("duplicates", duplicates))
	}
}

func (m *Manager) touch(ctx context.Context, src Source, ok bool, pollErr error, at time.Time) {
	if err := m.svc.Touch(ctx, src.Tag, src.Category, src.Critical, ok, pollErr, at); err != nil {
		m.logger.Warn("feed status update failed",
			slog.String("source", src.Tag),
			slog.String("error", err.Error()))
	}
}
