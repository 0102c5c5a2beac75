// Package timeline manages the fork registry: global on-chain forks,
// user forks, sandbox access rules, leaderboards and reaping.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

// Config bounds registry behaviour.
type Config struct {
	DefaultDuration  time.Duration
	VRFFresh         time.Duration
	MaxForksPerOwner int
	ReapInterval     time.Duration
}

// MarketVoider is the slice of the market engine the registry needs when
// reaping: voiding every market inside a dying timeline.
type MarketVoider interface {
	Void(ctx context.Context, marketID string) (domain.Market, error)
}

// ModeReader exposes the supervisor state; survival mode suspends forks.
type ModeReader func() domain.ModeState

// Registry is the timeline fork manager.
type Registry struct {
	cfg       Config
	clk       clock.Clock
	store     domain.TimelineStore
	markets   domain.MarketStore
	positions domain.PositionStore
	locks     domain.LockManager
	voider    MarketVoider
	bus       *bus.Bus
	met       *metrics.Registry
	logger    *slog.Logger
	modeFn    ModeReader
}

// New wires the registry. met may be nil in tests.
func New(
	cfg Config,
	clk clock.Clock,
	store domain.TimelineStore,
	markets domain.MarketStore,
	positions domain.PositionStore,
	locks domain.LockManager,
	voider MarketVoider,
	b *bus.Bus,
	met *metrics.Registry,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		cfg:       cfg,
		clk:       clk,
		store:     store,
		markets:   markets,
		positions: positions,
		locks:     locks,
		voider:    voider,
		bus:       b,
		met:       met,
		logger:    logger.With(slog.String("component", "timeline")),
	}
}

// SetModeReader attaches the supervisor's read handle.
func (r *Registry) SetModeReader(fn ModeReader) { r.modeFn = fn }

// SeedHash derives the deterministic fork seed from the parent's
// fork-point state hash and the VRF word.
func SeedHash(parentStateHash string, word [32]byte) string {
	return hexutil.Encode(ethcrypto.Keccak256([]byte(parentStateHash), word[:]))
}

// stateHash commits a market's reserves and volume at fork time.
func stateHash(m domain.Market) string {
	buf := []byte(m.ID)
	for _, res := range m.Reserves {
		buf = fmt.Appendf(buf, "|%.9f", res)
	}
	buf = fmt.Appendf(buf, "|%.9f", m.VolumeUSD)
	return hexutil.Encode(ethcrypto.Keccak256(buf))
}

// ForkGlobal creates a real-capital global timeline. It requires fresh
// VRF randomness; without it the fork is refused and the caller should
// expect the supervisor to be capping the tier already.
func (r *Registry) ForkGlobal(ctx context.Context, sourceMarketID, premise string, duration time.Duration) (domain.Timeline, error) {
	if err := r.forksAllowed(); err != nil {
		return domain.Timeline{}, err
	}
	if !r.clk.VRFFresh(r.cfg.VRFFresh) {
		return domain.Timeline{}, fmt.Errorf("timeline: global fork requires fresh verifiable randomness: %w", domain.ErrInvalidTransition)
	}
	src, err := r.markets.GetByID(ctx, sourceMarketID)
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: source market %s: %w", sourceMarketID, err)
	}
	vrf, _ := r.clk.LatestVRF()

	if duration <= 0 {
		duration = r.cfg.DefaultDuration
	}
	now := r.clk.Now()
	expires := now.Add(duration)
	t := domain.Timeline{
		ID:             uuid.New().String(),
		ParentID:       src.TimelineID,
		Visibility:     domain.TimelineGlobalOnChain,
		Capital:        domain.CapitalModeReal,
		Premise:        premise,
		SourceMarketID: sourceMarketID,
		SeedHash:       SeedHash(stateHash(src), vrf.Word),
		Stability:      1,
		Status:         domain.TimelineStatusActive,
		ForkedAt:       now,
		ExpiresAt:      &expires,
		UpdatedAt:      now,
	}
	return r.persistFork(ctx, t)
}

// ForkUser creates an off-chain simulated timeline owned by ownerRef.
func (r *Registry) ForkUser(ctx context.Context, ownerRef, sourceMarketID, premise string, cfg domain.ForkConfig) (domain.Timeline, error) {
	if err := r.forksAllowed(); err != nil {
		return domain.Timeline{}, err
	}
	if ownerRef == "" {
		return domain.Timeline{}, fmt.Errorf("timeline: owner ref is required: %w", domain.ErrInvalidArg)
	}
	switch cfg.Visibility {
	case domain.TimelineUserPrivate, domain.TimelineUserPublic, domain.TimelineAgentSandbox:
	default:
		return domain.Timeline{}, fmt.Errorf("timeline: visibility %q is not a user fork flavor: %w", cfg.Visibility, domain.ErrInvalidArg)
	}
	if cfg.SimCapitalUSD <= 0 {
		return domain.Timeline{}, fmt.Errorf("timeline: simulated capital must be positive: %w", domain.ErrInvalidArg)
	}
	src, err := r.markets.GetByID(ctx, sourceMarketID)
	if err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: source market %s: %w", sourceMarketID, err)
	}

	// User forks draw entropy from the local source; VRF is reserved for
	// global forks where the seed must be publicly verifiable.
	var entropy [32]byte
	for i := 0; i < 4; i++ {
		v := uint64(r.clk.Uniform() * float64(1<<63))
		for j := 0; j < 8; j++ {
			entropy[i*8+j] = byte(v >> (8 * j))
		}
	}

	duration := cfg.Duration
	if duration <= 0 {
		duration = r.cfg.DefaultDuration
	}
	now := r.clk.Now()
	expires := now.Add(duration)
	t := domain.Timeline{
		ID:                 uuid.New().String(),
		ParentID:           src.TimelineID,
		Visibility:         cfg.Visibility,
		Capital:            domain.CapitalModeSimulated,
		OwnerRef:           ownerRef,
		Premise:            premise,
		SourceMarketID:     sourceMarketID,
		SeedHash:           SeedHash(stateHash(src), entropy),
		Stability:          1,
		SimCapitalUSD:      cfg.SimCapitalUSD,
		InviteList:         append([]string(nil), cfg.InviteList...),
		LeaderboardEnabled: cfg.LeaderboardEnabled,
		Status:             domain.TimelineStatusActive,
		ForkedAt:           now,
		ExpiresAt:          &expires,
		UpdatedAt:          now,
	}
	return r.persistFork(ctx, t)
}

func (r *Registry) forksAllowed() error {
	if r.modeFn != nil && r.modeFn().Tier == domain.ModeSurvival {
		return fmt.Errorf("timeline: fork creation suspended in survival mode: %w", domain.ErrInvalidTransition)
	}
	return nil
}

func (r *Registry) persistFork(ctx context.Context, t domain.Timeline) (domain.Timeline, error) {
	if err := r.store.Create(ctx, t); err != nil {
		return domain.Timeline{}, fmt.Errorf("timeline: persist fork: %w", err)
	}
	if r.met != nil {
		if n, err := r.store.CountActiveByVisibility(ctx, t.Visibility); err == nil {
			r.met.TimelinesActive.WithLabelValues(string(t.Visibility)).Set(float64(n))
		}
	}
	if r.bus != nil {
		r.bus.Publish(domain.Event{
			Kind:       domain.EventTimelineForked,
			At:         t.ForkedAt,
			TimelineID: t.ID,
			Payload:    t,
		})
	}
	r.logger.InfoContext(ctx, "timeline forked",
		slog.String("timeline_id", t.ID),
		slog.String("visibility", string(t.Visibility)),
		slog.String("parent_id", t.ParentID),
	)
	return t, nil
}

// CanParticipate applies the visibility rules for one owner.
func (r *Registry) CanParticipate(ctx context.Context, ownerRef, timelineID string) (bool, error) {
	t, err := r.store.GetByID(ctx, timelineID)
	if err != nil {
		return false, fmt.Errorf("timeline: %s: %w", timelineID, err)
	}
	if t.Status != domain.TimelineStatusActive {
		return false, nil
	}
	return t.CanParticipate(ownerRef), nil
}

// Leaderboard ranks participants by realized P&L. Timelines that opted
// out of leaderboards return ErrNotAuthorized.
func (r *Registry) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	t, err := r.store.GetByID(ctx, timelineID)
	if err != nil {
		return nil, fmt.Errorf("timeline: %s: %w", timelineID, err)
	}
	if t.Visibility == domain.TimelineUserPrivate && !t.LeaderboardEnabled {
		return nil, fmt.Errorf("timeline: leaderboard disabled on %s: %w", timelineID, domain.ErrNotAuthorized)
	}
	entries, err := r.positions.Leaderboard(ctx, timelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("timeline: leaderboard %s: %w", timelineID, err)
	}
	return entries, nil
}

// Get returns one timeline.
func (r *Registry) Get(ctx context.Context, id string) (domain.Timeline, error) {
	return r.store.GetByID(ctx, id)
}

// UpdateGauges writes orchestrator-computed stability and logic gap back
// onto the timeline.
func (r *Registry) UpdateGauges(ctx context.Context, timelineID string, stability, logicGap float64) error {
	t, err := r.store.GetByID(ctx, timelineID)
	if err != nil {
		return fmt.Errorf("timeline: %s: %w", timelineID, err)
	}
	t.Stability = clamp01(stability)
	t.LogicGap = clamp01(logicGap)
	t.UpdatedAt = r.clk.Now()
	if err := r.store.Update(ctx, t); err != nil {
		return fmt.Errorf("timeline: persist gauges %s: %w", timelineID, err)
	}
	return nil
}

// Reap permanently voids a timeline reality has ruled out. Its markets
// are voided; simulated positions are refunded at cost basis, real ones
// settled against the last marginal price. History is preserved.
func (r *Registry) Reap(ctx context.Context, timelineID, reason string) error {
	t, err := r.store.GetByID(ctx, timelineID)
	if err != nil {
		return fmt.Errorf("timeline: reap %s: %w", timelineID, err)
	}
	if t.Status == domain.TimelineStatusReaped {
		return fmt.Errorf("timeline: %s already reaped: %w", timelineID, domain.ErrInvalidTransition)
	}

	markets, err := r.markets.ListByTimeline(ctx, timelineID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("timeline: list markets of %s: %w", timelineID, err)
	}
	for _, m := range markets {
		if m.Status == domain.MarketStatusOpen || m.Status == domain.MarketStatusClosed {
			if _, verr := r.voider.Void(ctx, m.ID); verr != nil {
				r.logger.WarnContext(ctx, "void market during reap failed",
					slog.String("market_id", m.ID),
					slog.String("error", verr.Error()))
				continue
			}
		}
		if uerr := r.unwindPositions(ctx, t, m); uerr != nil {
			r.logger.WarnContext(ctx, "position unwind failed",
				slog.String("market_id", m.ID),
				slog.String("error", uerr.Error()))
		}
	}

	now := r.clk.Now()
	t.Status = domain.TimelineStatusReaped
	reapedAt := now
	t.ReapedAt = &reapedAt
	t.ReapReason = reason
	t.UpdatedAt = now
	if err := r.store.Update(ctx, t); err != nil {
		return fmt.Errorf("timeline: persist reap %s: %w", timelineID, err)
	}

	if r.met != nil {
		if n, err := r.store.CountActiveByVisibility(ctx, t.Visibility); err == nil {
			r.met.TimelinesActive.WithLabelValues(string(t.Visibility)).Set(float64(n))
		}
	}
	if r.bus != nil {
		r.bus.Publish(domain.Event{
			Kind:       domain.EventTimelineReaped,
			At:         now,
			TimelineID: timelineID,
			Payload:    map[string]string{"reason": reason},
		})
	}
	r.logger.InfoContext(ctx, "timeline reaped",
		slog.String("timeline_id", timelineID),
		slog.String("reason", reason),
	)
	return nil
}

// unwindPositions zeroes every position in a voided market: cost-basis
// refund for simulated capital, last-spot settlement for real capital.
func (r *Registry) unwindPositions(ctx context.Context, t domain.Timeline, m domain.Market) error {
	positions, err := r.positions.ListByMarket(ctx, m.ID)
	if err != nil {
		return err
	}
	now := r.clk.Now()
	for _, p := range positions {
		if p.Shares <= 0 {
			continue
		}
		if t.Simulated() {
			// Refund at cost: no P&L either way.
			p.RealizedPnL += 0
		} else {
			spot := m.MarginalPrice(p.OutcomeIdx)
			p.RealizedPnL += p.Shares*spot - p.CostBasis
		}
		p.Shares = 0
		p.CostBasis = 0
		p.UpdatedAt = now
		if err := r.positions.Upsert(ctx, p); err != nil {
			return err
		}
		if r.bus != nil {
			r.bus.Publish(domain.Event{
				Kind:       domain.EventPositionUpdated,
				At:         now,
				TimelineID: t.ID,
				MarketID:   m.ID,
				Payload:    p,
			})
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
