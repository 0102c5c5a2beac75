// Package orchestrator is the core state machine: the mode supervisor,
// hot-topic market creation, settlement finalization, the paradox
// lifecycle and the emergency halt path.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

// SupervisorConfig holds the health thresholds and dwell times. The
// zero value is unusable; use DefaultSupervisorConfig.
type SupervisorConfig struct {
	CheckInterval time.Duration

	// StaleThreshold is the per-feed staleness that pulls Mode 0 down.
	StaleThreshold time.Duration
	// CriticalAbsent forces survival mode immediately when a critical
	// feed has been silent this long.
	CriticalAbsent time.Duration

	// Dwell times. A transition fires only after its condition has held
	// for the full dwell without clearing.
	RecoverToAutonomous time.Duration // Mode 1 -> 0: agg >= 0.9 held this long
	DeepRecover         time.Duration // Mode 2 -> 0: agg >= 0.9 held this long
	PartialRecover      time.Duration // Mode 2 -> 1: agg >= 0.6 held this long
	LowConfidence       time.Duration // agg < 0.5 held this long -> Mode 2

	// Confidence thresholds.
	HealthyAgg float64 // recovery target
	DegradeAgg float64 // below this Mode 0 drops to 1
	PartialAgg float64 // Mode 2 -> 1 target
	SurvivalAgg float64 // below this for LowConfidence -> Mode 2
}

// DefaultSupervisorConfig mirrors the production thresholds.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		CheckInterval:       10 * time.Second,
		StaleThreshold:      5 * time.Minute,
		CriticalAbsent:      10 * time.Minute,
		RecoverToAutonomous: 30 * time.Minute,
		DeepRecover:         60 * time.Minute,
		PartialRecover:      60 * time.Minute,
		LowConfidence:       60 * time.Minute,
		HealthyAgg:          0.9,
		DegradeAgg:          0.8,
		PartialAgg:          0.6,
		SurvivalAgg:         0.5,
	}
}

// Supervisor owns the process-wide ModeState. Everything else holds a
// read handle through State.
type Supervisor struct {
	cfg    SupervisorConfig
	clk    clock.Clock
	feeds  domain.FeedStatusStore
	modes  domain.ModeStore
	bus    *bus.Bus
	met    *metrics.Registry
	logger *slog.Logger

	mu    sync.RWMutex
	state domain.ModeState

	// Condition high-water marks for dwell accounting. Zero means the
	// condition does not currently hold.
	healthySince time.Time // agg >= HealthyAgg
	partialSince time.Time // agg >= PartialAgg
	lowSince     time.Time // agg < SurvivalAgg

	// degradedFeeds remembers which sources already produced a
	// FeedDegraded event, so a stuck feed alerts once per outage.
	degradedFeeds map[string]bool
}

// NewSupervisor restores persisted mode state when present and starts
// in autonomous mode otherwise.
func NewSupervisor(
	cfg SupervisorConfig,
	clk clock.Clock,
	feeds domain.FeedStatusStore,
	modes domain.ModeStore,
	b *bus.Bus,
	met *metrics.Registry,
	logger *slog.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:           cfg,
		clk:           clk,
		feeds:         feeds,
		modes:         modes,
		bus:           b,
		met:           met,
		logger:        logger.With(slog.String("component", "mode_supervisor")),
		degradedFeeds: make(map[string]bool),
	}
	st, err := modes.LoadState(context.Background())
	if err != nil || st.UpdatedAt.IsZero() {
		st = domain.ModeState{
			Tier:      domain.ModeAutonomous,
			Since:     clk.Now(),
			Reason:    "boot",
			UpdatedAt: clk.Now(),
		}
	}
	s.state = st
	s.gauge()
	return s
}

// State is the read handle other subsystems hold.
func (s *Supervisor) State() domain.ModeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run evaluates feed health on the check interval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Check(ctx); err != nil {
				s.logger.WarnContext(ctx, "mode check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// health is one evaluated snapshot of the feed population.
type health struct {
	agg            float64
	anyStale       bool
	categoriesDown int
	criticalAbsent bool
}

// Check runs one supervision round: aggregate feed health, fire
// FeedDegraded events, and apply the transition table.
func (s *Supervisor) Check(ctx context.Context) error {
	now := s.clk.Now()
	feeds, err := s.feeds.List(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list feeds: %w", err)
	}
	h := s.evaluate(ctx, feeds, now)
	s.advanceDwells(h, now)
	s.transition(ctx, h, now)
	if s.met != nil {
		s.met.FeedConfidence.WithLabelValues("aggregate").Set(h.agg)
	}
	return nil
}

// evaluate computes the weighted aggregate confidence and the trigger
// conditions, publishing FeedDegraded once per outage.
func (s *Supervisor) evaluate(ctx context.Context, feeds []domain.FeedStatus, now time.Time) health {
	var h health
	if len(feeds) == 0 {
		// Nothing registered yet: degraded, not survival, so a freshly
		// booted ingest-less process is not instantly locked down.
		return health{agg: 0, anyStale: true}
	}

	var weighted, weights float64
	downCats := make(map[domain.FeedCategory]bool)
	upCats := make(map[domain.FeedCategory]bool)

	for _, f := range feeds {
		w := 1.0
		if f.Critical {
			w = 2.0
		}
		staleness := f.Staleness(now)
		stale := staleness > s.cfg.StaleThreshold
		conf := f.Confidence
		if stale {
			conf = 0
			h.anyStale = true
		}
		weighted += conf * w
		weights += w

		down := stale || !f.Healthy
		if down {
			downCats[f.Category] = true
			if !s.degradedFeeds[f.SourceTag] {
				s.degradedFeeds[f.SourceTag] = true
				s.publishFeedDegraded(f, staleness, now)
			}
		} else {
			upCats[f.Category] = true
			delete(s.degradedFeeds, f.SourceTag)
		}

		if f.Critical && staleness > s.cfg.CriticalAbsent {
			h.criticalAbsent = true
		}
	}

	for cat := range downCats {
		if !upCats[cat] {
			h.categoriesDown++
		}
	}
	if weights > 0 {
		h.agg = weighted / weights
	}
	return h
}

// advanceDwells starts or clears the condition timers.
func (s *Supervisor) advanceDwells(h health, now time.Time) {
	track := func(since *time.Time, holds bool) {
		if !holds {
			*since = time.Time{}
		} else if since.IsZero() {
			*since = now
		}
	}
	track(&s.healthySince, h.agg >= s.cfg.HealthyAgg && !h.anyStale)
	track(&s.partialSince, h.agg >= s.cfg.PartialAgg)
	track(&s.lowSince, h.agg < s.cfg.SurvivalAgg)
}

func (s *Supervisor) held(since time.Time, dwell time.Duration, now time.Time) bool {
	return !since.IsZero() && now.Sub(since) >= dwell
}

// transition applies the tier table. Escalations to survival take
// priority; recovery requires the dwell to have elapsed.
func (s *Supervisor) transition(ctx context.Context, h health, now time.Time) {
	cur := s.State().Tier

	// Escalation to survival from any tier.
	if cur != domain.ModeSurvival {
		switch {
		case h.criticalAbsent:
			s.setTier(ctx, domain.ModeSurvival, "critical feed absent", h.agg, now)
			return
		case h.categoriesDown >= 2:
			s.setTier(ctx, domain.ModeSurvival, "multiple feed categories down", h.agg, now)
			return
		case s.held(s.lowSince, s.cfg.LowConfidence, now):
			s.setTier(ctx, domain.ModeSurvival, "aggregate confidence collapsed", h.agg, now)
			return
		}
	}

	switch cur {
	case domain.ModeAutonomous:
		if h.anyStale || h.agg < s.cfg.DegradeAgg {
			s.setTier(ctx, domain.ModeDegraded, "feed staleness or low confidence", h.agg, now)
		}
	case domain.ModeDegraded:
		if s.held(s.healthySince, s.cfg.RecoverToAutonomous, now) && s.vrfAllowsAutonomy() {
			s.setTier(ctx, domain.ModeAutonomous, "confidence recovered", h.agg, now)
		}
	case domain.ModeSurvival:
		if s.held(s.healthySince, s.cfg.DeepRecover, now) && s.vrfAllowsAutonomy() {
			s.setTier(ctx, domain.ModeAutonomous, "full recovery", h.agg, now)
		} else if s.held(s.partialSince, s.cfg.PartialRecover, now) {
			s.setTier(ctx, domain.ModeDegraded, "partial recovery", h.agg, now)
		}
	}
}

// vrfAllowsAutonomy caps recovery at degraded when no fresh randomness
// is available: fork seeding and sabotage jitter depend on it.
func (s *Supervisor) vrfAllowsAutonomy() bool {
	return s.clk.VRFFresh(s.cfg.CriticalAbsent)
}

func (s *Supervisor) setTier(ctx context.Context, to domain.ModeTier, reason string, agg float64, now time.Time) {
	s.mu.Lock()
	from := s.state.Tier
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = domain.ModeState{
		Tier:          to,
		Since:         now,
		Reason:        reason,
		AggConfidence: agg,
		UpdatedAt:     now,
	}
	st := s.state
	s.mu.Unlock()

	if err := s.modes.SaveState(ctx, st); err != nil {
		s.logger.ErrorContext(ctx, "persist mode state failed", slog.String("error", err.Error()))
	}
	if err := s.modes.AppendTransition(ctx, domain.ModeTransition{
		From: from, To: to, Reason: reason, AggConfidence: agg, At: now,
	}); err != nil {
		s.logger.ErrorContext(ctx, "persist mode transition failed", slog.String("error", err.Error()))
	}

	s.logger.WarnContext(ctx, "mode transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.Float64("agg_confidence", agg))
	s.gauge()
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind: domain.EventModeChanged,
			At:   now,
			Payload: domain.ModeChangedPayload{
				From: from, To: to, Reason: reason, AggConfidence: agg,
			},
		})
	}
}

// ForceSurvival is the emergency halt entry point: an unconditional,
// dwell-free drop to survival mode.
func (s *Supervisor) ForceSurvival(ctx context.Context, reason string) {
	s.setTier(ctx, domain.ModeSurvival, reason, s.State().AggConfidence, s.clk.Now())
}

func (s *Supervisor) publishFeedDegraded(f domain.FeedStatus, staleness time.Duration, now time.Time) {
	s.logger.Warn("feed degraded",
		slog.String("source", f.SourceTag),
		slog.String("category", string(f.Category)),
		slog.Duration("staleness", staleness))
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.Event{
		Kind: domain.EventFeedDegraded,
		At:   now,
		Payload: domain.FeedDegradedPayload{
			SourceTag:  f.SourceTag,
			Category:   f.Category,
			Staleness:  staleness.String(),
			LastError:  f.LastError,
			Confidence: f.Confidence,
		},
	})
}

func (s *Supervisor) gauge() {
	if s.met != nil {
		s.met.ModeTier.Set(float64(s.state.Tier))
	}
}
