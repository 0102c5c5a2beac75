package timeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// expiredBatch caps how many timelines one sweep will reap.
const expiredBatch = 32

// Reaper sweeps expired timelines. Multiple instances coordinate via the
// lock manager so only one process reaps per interval.
type Reaper struct {
	reg      *Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper builds a sweep loop over the registry.
func NewReaper(reg *Registry, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		reg:      reg,
		interval: interval,
		logger:   logger.With(slog.String("component", "timeline_reaper")),
	}
}

// Run sweeps until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := rp.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				rp.logger.WarnContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep reaps every timeline whose expiry has passed.
func (rp *Reaper) Sweep(ctx context.Context) error {
	unlock, err := rp.reg.locks.Acquire(ctx, "timeline:reap", rp.interval)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		return err
	}
	defer unlock()

	expired, err := rp.reg.store.ListExpired(ctx, rp.reg.clk.Now(), expiredBatch)
	if err != nil {
		return err
	}
	for _, t := range expired {
		if err := rp.reg.Reap(ctx, t.ID, "expired"); err != nil {
			rp.logger.WarnContext(ctx, "reap failed",
				slog.String("timeline_id", t.ID),
				slog.String("error", err.Error()))
		}
	}
	if len(expired) > 0 {
		rp.logger.InfoContext(ctx, "sweep complete", slog.Int("reaped", len(expired)))
	}
	return nil
}
