package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// Reaper prunes signals past the retention window. Topics with an open
// market are protected: those signals stay until every touching market
// is resolved.
type Reaper struct {
	svc       *Service
	markets   domain.MarketStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewReaper wires the retention loop.
func NewReaper(svc *Service, markets domain.MarketStore, retentionDays int, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		svc:       svc,
		markets:   markets,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger.With(slog.String("component", "signal_reaper")),
	}
}

// Run prunes on a ticker until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pruneOnce(ctx)
		}
	}
}

func (r *Reaper) pruneOnce(ctx context.Context) {
	open, err := r.markets.ListOpen(ctx, domain.ListOpts{})
	if err != nil {
		r.logger.WarnContext(ctx, "list open markets failed, skipping prune",
			slog.String("error", err.Error()))
		return
	}
	protected := make([]string, 0, len(open))
	seen := make(map[string]bool, len(open))
	for _, m := range open {
		if m.Topic != "" && !seen[m.Topic] {
			seen[m.Topic] = true
			protected = append(protected, m.Topic)
		}
	}

	cutoff := r.svc.clk.Now().Add(-r.retention)
	pruned, err := r.svc.store.PruneBefore(ctx, cutoff, protected)
	if err != nil {
		r.logger.WarnContext(ctx, "prune failed", slog.String("error", err.Error()))
		return
	}
	if pruned > 0 {
		r.logger.InfoContext(ctx, "pruned expired signals",
			slog.Int64("count", pruned),
			slog.Int("protected_topics", len(protected)))
	}
}
