package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// SettlementIntent is the payload the engine emits when a market
// resolves. Settlement itself happens downstream; the core only states
// the intent.
type SettlementIntent struct {
	MarketID     string     `json:"market_id"`
	TimelineID   string     `json:"timeline_id"`
	WinningIdx   int        `json:"winning_idx"`
	Capital      string     `json:"capital_mode"`
	DisputeUntil *time.Time `json:"dispute_until,omitempty"`
	Final        bool       `json:"final"`
}

// Close stops trading on an open market.
func (e *Engine) Close(ctx context.Context, marketID string) (domain.Market, error) {
	return e.transition(ctx, marketID, domain.MarketStatusClosed, nil)
}

// Resolve declares the winning outcome. The market moves to resolving;
// real-capital markets in degraded mode carry a dispute window before the
// orchestrator finalizes them, everything else finalizes immediately.
func (e *Engine) Resolve(ctx context.Context, marketID string, winningIdx int) (domain.Market, error) {
	mu := e.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: resolve %s: %w", marketID, err)
	}
	if winningIdx < 0 || winningIdx >= len(m.Outcomes) {
		return domain.Market{}, fmt.Errorf("engine: winning index %d out of range: %w", winningIdx, domain.ErrInvalidArg)
	}
	if !m.Status.CanTransition(domain.MarketStatusResolving) {
		return domain.Market{}, fmt.Errorf("engine: %s -> resolving: %w", m.Status, domain.ErrInvalidTransition)
	}

	now := e.clk.Now()
	m.Status = domain.MarketStatusResolving
	m.WinningOutcome = &winningIdx
	m.UpdatedAt = now

	capital := domain.CapitalModeSimulated
	if tl, terr := e.timelines.GetByID(ctx, m.TimelineID); terr == nil {
		capital = tl.Capital
	}

	// Dispute windows apply to real-capital settlements under degraded
	// operation; simulated timelines settle immediately.
	disputed := false
	if capital == domain.CapitalModeReal && e.modeFn != nil && e.modeFn().Tier >= domain.ModeDegraded {
		until := now.Add(e.cfg.DisputeWindow)
		m.DisputeUntil = &until
		disputed = true
	}

	intent := SettlementIntent{
		MarketID:     m.ID,
		TimelineID:   m.TimelineID,
		WinningIdx:   winningIdx,
		Capital:      string(capital),
		DisputeUntil: m.DisputeUntil,
		Final:        !disputed,
	}

	if !disputed {
		m.Status = domain.MarketStatusResolved
		resolvedAt := now
		m.ResolvedAt = &resolvedAt
	}
	if err := e.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("engine: persist resolution: %w", wrapStorage(err))
	}

	e.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", m.ID),
		slog.Int("winning_idx", winningIdx),
		slog.Bool("disputed", disputed),
	)
	if e.bus != nil {
		e.bus.Publish(domain.Event{
			Kind:       domain.EventSettlementIntent,
			At:         now,
			TimelineID: m.TimelineID,
			MarketID:   m.ID,
			Payload:    intent,
		})
	}
	return m, nil
}

// FinalizeResolution moves a resolving market to resolved once its
// dispute window has passed.
func (e *Engine) FinalizeResolution(ctx context.Context, marketID string) (domain.Market, error) {
	mu := e.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: finalize %s: %w", marketID, err)
	}
	if !m.Status.CanTransition(domain.MarketStatusResolved) {
		return domain.Market{}, fmt.Errorf("engine: %s -> resolved: %w", m.Status, domain.ErrInvalidTransition)
	}
	now := e.clk.Now()
	if m.DisputeUntil != nil && now.Before(*m.DisputeUntil) {
		return domain.Market{}, fmt.Errorf("engine: dispute window open until %s: %w",
			m.DisputeUntil.Format(time.RFC3339), domain.ErrInvalidTransition)
	}
	m.Status = domain.MarketStatusResolved
	resolvedAt := now
	m.ResolvedAt = &resolvedAt
	m.UpdatedAt = now
	if err := e.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("engine: persist finalize: %w", wrapStorage(err))
	}
	if e.bus != nil && m.WinningOutcome != nil {
		e.bus.Publish(domain.Event{
			Kind:       domain.EventSettlementIntent,
			At:         now,
			TimelineID: m.TimelineID,
			MarketID:   m.ID,
			Payload: SettlementIntent{
				MarketID:   m.ID,
				TimelineID: m.TimelineID,
				WinningIdx: *m.WinningOutcome,
				Final:      true,
			},
		})
	}
	return m, nil
}

// Void cancels a market that never resolves; positions are unwound by
// the timeline registry's refund path.
func (e *Engine) Void(ctx context.Context, marketID string) (domain.Market, error) {
	return e.transition(ctx, marketID, domain.MarketStatusVoided, nil)
}

func (e *Engine) transition(ctx context.Context, marketID string, next domain.MarketStatus, mutate func(*domain.Market)) (domain.Market, error) {
	mu := e.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: transition %s: %w", marketID, err)
	}
	if !m.Status.CanTransition(next) {
		return domain.Market{}, fmt.Errorf("engine: %s -> %s: %w", m.Status, next, domain.ErrInvalidTransition)
	}
	now := e.clk.Now()
	m.Status = next
	m.UpdatedAt = now
	if next == domain.MarketStatusClosed {
		closedAt := now
		m.ClosedAt = &closedAt
	}
	if mutate != nil {
		mutate(&m)
	}
	if err := e.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("engine: persist transition: %w", wrapStorage(err))
	}
	e.logger.InfoContext(ctx, "market transitioned",
		slog.String("market_id", m.ID),
		slog.String("status", string(next)),
	)
	return m, nil
}

// BindExternal attaches a venue listing to an open market. Only markets
// on real-capital timelines may bind; simulated capital never leaves the
// internal pool.
func (e *Engine) BindExternal(ctx context.Context, marketID string, venue domain.VenueName, ref string) (domain.Market, error) {
	if venue == "" || ref == "" {
		return domain.Market{}, fmt.Errorf("engine: venue and market ref are required: %w", domain.ErrInvalidArg)
	}
	mu := e.marketLock(marketID)
	mu.Lock()
	defer mu.Unlock()

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: bind %s: %w", marketID, err)
	}
	if !m.Tradable() {
		return domain.Market{}, fmt.Errorf("engine: market %s is %s: %w", marketID, m.Status, domain.ErrMarketClosed)
	}
	tl, err := e.timelines.GetByID(ctx, m.TimelineID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: bind %s: %w", marketID, err)
	}
	if tl.Simulated() {
		return domain.Market{}, fmt.Errorf("engine: timeline %s runs simulated capital: %w",
			m.TimelineID, domain.ErrInvalidTransition)
	}

	m.ExternalVenue = venue
	m.ExternalRef = ref
	m.UpdatedAt = e.clk.Now()
	if err := e.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("engine: persist binding: %w", wrapStorage(err))
	}
	e.logger.InfoContext(ctx, "market bound to venue",
		slog.String("market_id", m.ID),
		slog.String("venue", string(venue)),
		slog.String("market_ref", ref),
	)
	return m, nil
}

// GetMarket returns one market.
func (e *Engine) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return e.markets.GetByID(ctx, id)
}

// ListByTimeline returns markets inside one timeline, newest first.
func (e *Engine) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	return e.markets.ListByTimeline(ctx, timelineID, opts)
}

// ListOpen returns open markets, newest first.
func (e *Engine) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	return e.markets.ListOpen(ctx, opts)
}

// Trending returns the busiest open markets since the given instant.
func (e *Engine) Trending(ctx context.Context, since time.Time, limit int) ([]domain.Market, error) {
	return e.markets.ListTrending(ctx, since, limit)
}

// Stats aggregates activity counters.
func (e *Engine) Stats(ctx context.Context, since time.Time) (domain.MarketStats, error) {
	return e.markets.Stats(ctx, since)
}
