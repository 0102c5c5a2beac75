package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/engine"
	"github.com/echelonworks/echelond/internal/metrics"
)

// MarketOpener is the slice of the engine the orchestrator drives.
type MarketOpener interface {
	CreateMarket(ctx context.Context, timelineID, topic, question string, outcomes []string, seedLiquidity float64) (domain.Market, error)
	FinalizeResolution(ctx context.Context, marketID string) (domain.Market, error)
}

// SaboteurTerminator is the scheduler hook for failed paradox extraction.
type SaboteurTerminator interface {
	TerminateForParadox(ctx context.Context, agentID string) error
}

// Config bounds the orchestrator loop.
type Config struct {
	// RootTimelineID is where hot-topic markets open.
	RootTimelineID string
	// HotTopicThreshold is the signal count within HotTopicWindow that
	// opens a market on a topic without one.
	HotTopicThreshold int
	HotTopicWindow    time.Duration
	SeedLiquidity     float64

	ParadoxOpenGap       float64
	ParadoxCloseGap      float64
	ParadoxExtractWindow time.Duration

	// ScanInterval drives the paradox sweep and settlement finalization.
	ScanInterval time.Duration
}

// DefaultConfig mirrors the production knobs.
func DefaultConfig(rootTimelineID string) Config {
	return Config{
		RootTimelineID:       rootTimelineID,
		HotTopicThreshold:    12,
		HotTopicWindow:       10 * time.Minute,
		SeedLiquidity:        2_000,
		ParadoxOpenGap:       0.65,
		ParadoxCloseGap:      0.35,
		ParadoxExtractWindow: time.Hour,
		ScanInterval:         15 * time.Second,
	}
}

// Orchestrator consumes bus events and drives the engine: hot-topic
// market creation, settlement finalization, the paradox lifecycle and
// the emergency halt.
type Orchestrator struct {
	cfg       Config
	clk       clock.Clock
	eng       MarketOpener
	markets   domain.MarketStore
	timelines domain.TimelineStore
	paradoxes domain.ParadoxStore
	agents    domain.AgentStore
	term      SaboteurTerminator
	sup       *Supervisor
	bus       *bus.Bus
	met       *metrics.Registry
	logger    *slog.Logger
	halt      chan error

	mu       sync.Mutex
	topicHit map[string][]time.Time
	// pendingFinal maps market id to the instant its dispute window ends.
	pendingFinal map[string]time.Time
	halted       bool
}

// New wires the orchestrator. term and met may be nil.
func New(
	cfg Config,
	clk clock.Clock,
	eng MarketOpener,
	markets domain.MarketStore,
	timelines domain.TimelineStore,
	paradoxes domain.ParadoxStore,
	agents domain.AgentStore,
	term SaboteurTerminator,
	sup *Supervisor,
	b *bus.Bus,
	met *metrics.Registry,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		clk:          clk,
		eng:          eng,
		markets:      markets,
		timelines:    timelines,
		paradoxes:    paradoxes,
		agents:       agents,
		term:         term,
		sup:          sup,
		bus:          b,
		met:          met,
		logger:       logger.With(slog.String("component", "orchestrator")),
		halt:         make(chan error, 1),
		topicHit:     make(map[string][]time.Time),
		pendingFinal: make(map[string]time.Time),
	}
}

// HaltChannel is handed to the engine; a conservation violation lands
// here and stops all trading.
func (o *Orchestrator) HaltChannel() chan<- error { return o.halt }

// Halted reports whether the emergency stop has fired.
func (o *Orchestrator) Halted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.halted
}

// Run consumes events until ctx ends. An emergency halt returns a
// non-nil error so the process group tears down and exits non-zero.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe("orchestrator",
		domain.EventSignalIngested, domain.EventSettlementIntent)
	defer o.bus.Unsubscribe(sub)

	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-o.halt:
			o.emergencyHalt(ctx, err)
			return fmt.Errorf("orchestrator: emergency halt: %w", err)
		case evt, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("orchestrator: dropped from bus: %w", domain.ErrShutdown)
			}
			o.handle(ctx, evt)
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, evt domain.Event) {
	switch evt.Kind {
	case domain.EventSignalIngested:
		sig, ok := evt.Payload.(domain.Signal)
		if !ok {
			return
		}
		o.onSignal(ctx, sig)
	case domain.EventSettlementIntent:
		intent, ok := evt.Payload.(engine.SettlementIntent)
		if !ok {
			return
		}
		o.onSettlementIntent(intent)
	}
}

// onSignal counts topic activity and opens a market once a topic runs
// hot without one.
func (o *Orchestrator) onSignal(ctx context.Context, sig domain.Signal) {
	if sig.Topic == "" || o.Halted() {
		return
	}
	now := o.clk.Now()

	o.mu.Lock()
	hits := append(o.pruneHits(o.topicHit[sig.Topic], now), now)
	o.topicHit[sig.Topic] = hits
	hot := len(hits) >= o.cfg.HotTopicThreshold
	o.mu.Unlock()
	if !hot {
		return
	}

	// Survival mode suspends market creation along with forks.
	if o.sup != nil && o.sup.State().Tier == domain.ModeSurvival {
		return
	}

	open, err := o.markets.ListOpenByTopic(ctx, sig.Topic)
	if err != nil || len(open) > 0 {
		return
	}
	question := fmt.Sprintf("Will %s resolve positively?", strings.ReplaceAll(sig.Topic, "_", " "))
	m, err := o.eng.CreateMarket(ctx, o.cfg.RootTimelineID, sig.Topic, question,
		[]string{"Yes", "No"}, o.cfg.SeedLiquidity)
	if err != nil {
		o.logger.WarnContext(ctx, "hot-topic market creation failed",
			slog.String("topic", sig.Topic),
			slog.String("error", err.Error()))
		return
	}
	o.logger.InfoContext(ctx, "hot topic market opened",
		slog.String("topic", sig.Topic),
		slog.String("market_id", m.ID),
		slog.Int("signal_hits", len(hits)))

	o.mu.Lock()
	delete(o.topicHit, sig.Topic)
	o.mu.Unlock()
}

func (o *Orchestrator) pruneHits(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-o.cfg.HotTopicWindow)
	i := 0
	for ; i < len(hits); i++ {
		if hits[i].After(cutoff) {
			break
		}
	}
	return hits[i:]
}

// onSettlementIntent queues disputed settlements for finalization once
// their window elapses. Final intents need nothing from us.
func (o *Orchestrator) onSettlementIntent(intent engine.SettlementIntent) {
	if intent.Final || intent.DisputeUntil == nil {
		return
	}
	o.mu.Lock()
	o.pendingFinal[intent.MarketID] = *intent.DisputeUntil
	o.mu.Unlock()
}

// sweep runs the periodic work: dispute-window finalization and the
// paradox lifecycle.
func (o *Orchestrator) sweep(ctx context.Context) {
	o.finalizeDue(ctx)
	o.scanParadoxes(ctx)
}

func (o *Orchestrator) finalizeDue(ctx context.Context) {
	now := o.clk.Now()
	o.mu.Lock()
	var due []string
	for id, until := range o.pendingFinal {
		if !now.Before(until) {
			due = append(due, id)
		}
	}
	o.mu.Unlock()

	for _, id := range due {
		if _, err := o.eng.FinalizeResolution(ctx, id); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				// Voided or already finalized elsewhere; stop tracking.
				o.forget(id)
				continue
			}
			o.logger.WarnContext(ctx, "finalize failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()))
			continue
		}
		o.logger.InfoContext(ctx, "settlement finalized", slog.String("market_id", id))
		o.forget(id)
	}
}

func (o *Orchestrator) forget(marketID string) {
	o.mu.Lock()
	delete(o.pendingFinal, marketID)
	o.mu.Unlock()
}

// scanParadoxes walks active timelines and applies the gap thresholds:
// open above ParadoxOpenGap, resolve below ParadoxCloseGap, and fail
// the extraction when the gap stays pegged past the window.
func (o *Orchestrator) scanParadoxes(ctx context.Context) {
	now := o.clk.Now()
	active, err := o.timelines.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		o.logger.WarnContext(ctx, "paradox scan: list timelines failed", slog.String("error", err.Error()))
		return
	}

	for _, tl := range active {
		p, err := o.paradoxes.GetOpenByTimeline(ctx, tl.ID)
		switch {
		case err == nil:
			o.advanceParadox(ctx, tl, p, now)
		case errors.Is(err, domain.ErrNotFound):
			if tl.LogicGap >= o.cfg.ParadoxOpenGap {
				o.openParadox(ctx, tl, now)
			}
		default:
			o.logger.WarnContext(ctx, "paradox lookup failed",
				slog.String("timeline_id", tl.ID),
				slog.String("error", err.Error()))
		}
	}
	o.gaugeOpenParadoxes(ctx)
}

func (o *Orchestrator) openParadox(ctx context.Context, tl domain.Timeline, now time.Time) {
	p := domain.Paradox{
		ID:         uuid.New().String(),
		TimelineID: tl.ID,
		SaboteurID: o.residentSaboteur(ctx, tl.ID),
		OpenGap:    tl.LogicGap,
		PeakGap:    tl.LogicGap,
		Status:     domain.ParadoxStatusOpen,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	if err := o.paradoxes.Create(ctx, p); err != nil {
		o.logger.WarnContext(ctx, "open paradox failed", slog.String("error", err.Error()))
		return
	}
	o.logger.WarnContext(ctx, "paradox opened",
		slog.String("timeline_id", tl.ID),
		slog.Float64("gap", tl.LogicGap),
		slog.String("saboteur_id", p.SaboteurID))
	o.bus.Publish(domain.Event{
		Kind:       domain.EventParadoxOpened,
		At:         now,
		TimelineID: tl.ID,
		AgentID:    p.SaboteurID,
		Payload:    p,
	})
}

func (o *Orchestrator) advanceParadox(ctx context.Context, tl domain.Timeline, p domain.Paradox, now time.Time) {
	if tl.LogicGap > p.PeakGap {
		p.PeakGap = tl.LogicGap
	}
	p.UpdatedAt = now

	switch {
	case tl.LogicGap <= o.cfg.ParadoxCloseGap:
		p.Status = domain.ParadoxStatusResolved
		p.ResolvedAt = &now
		if err := o.paradoxes.Update(ctx, p); err != nil {
			o.logger.WarnContext(ctx, "resolve paradox failed", slog.String("error", err.Error()))
			return
		}
		o.logger.InfoContext(ctx, "paradox resolved",
			slog.String("timeline_id", tl.ID),
			slog.Float64("peak_gap", p.PeakGap))
		o.bus.Publish(domain.Event{
			Kind:       domain.EventParadoxResolved,
			At:         now,
			TimelineID: tl.ID,
			AgentID:    p.SaboteurID,
			Payload:    p,
		})

	case tl.LogicGap >= o.cfg.ParadoxOpenGap && now.Sub(p.OpenedAt) >= o.cfg.ParadoxExtractWindow:
		p.Status = domain.ParadoxStatusExtractFailed
		if err := o.paradoxes.Update(ctx, p); err != nil {
			o.logger.WarnContext(ctx, "fail paradox failed", slog.String("error", err.Error()))
			return
		}
		o.logger.ErrorContext(ctx, "paradox extraction failed",
			slog.String("timeline_id", tl.ID),
			slog.String("saboteur_id", p.SaboteurID),
			slog.Float64("peak_gap", p.PeakGap))
		if o.term != nil && p.SaboteurID != "" {
			if err := o.term.TerminateForParadox(ctx, p.SaboteurID); err != nil {
				o.logger.WarnContext(ctx, "terminate saboteur failed",
					slog.String("agent_id", p.SaboteurID),
					slog.String("error", err.Error()))
			}
		}

	default:
		if err := o.paradoxes.Update(ctx, p); err != nil {
			o.logger.WarnContext(ctx, "update paradox failed", slog.String("error", err.Error()))
		}
	}
}

// residentSaboteur attributes a paradox to the live saboteur homed in
// the timeline, when there is exactly one candidate kind to blame.
func (o *Orchestrator) residentSaboteur(ctx context.Context, timelineID string) string {
	live, err := o.agents.ListLive(ctx)
	if err != nil {
		return ""
	}
	for _, a := range live {
		if a.Archetype == domain.ArchetypeSaboteur && a.HomeTimelineID == timelineID {
			return a.ID
		}
	}
	return ""
}

func (o *Orchestrator) gaugeOpenParadoxes(ctx context.Context) {
	if o.met == nil {
		return
	}
	open, err := o.paradoxes.ListOpen(ctx)
	if err != nil {
		return
	}
	o.met.ParadoxesOpen.Set(float64(len(open)))
}

// emergencyHalt fires once: trading stops process-wide and the
// supervisor drops to survival without dwell.
func (o *Orchestrator) emergencyHalt(ctx context.Context, cause error) {
	o.mu.Lock()
	if o.halted {
		o.mu.Unlock()
		return
	}
	o.halted = true
	o.mu.Unlock()

	o.logger.ErrorContext(ctx, "emergency halt",
		slog.String("cause", cause.Error()))
	if o.sup != nil {
		o.sup.ForceSurvival(ctx, "emergency halt: "+cause.Error())
	}
}
