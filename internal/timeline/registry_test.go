package timeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/engine"
	"github.com/echelonworks/echelond/internal/store/memory"
)

type fixture struct {
	clk       *clock.Fake
	bus       *bus.Bus
	markets   *memory.MarketStore
	positions *memory.PositionStore
	timelines *memory.TimelineStore
	reg       *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		clk:       clock.NewFake(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)),
		markets:   memory.NewMarketStore(),
		positions: memory.NewPositionStore(),
		timelines: memory.NewTimelineStore(),
	}
	f.bus = bus.New(logger, nil)
	eng := engine.New(engine.Config{
		QuoteValid:     30 * time.Second,
		IdemRetention:  time.Hour,
		MinPositionUSD: 1,
		MaxPositionUSD: 10000,
		DisputeWindow:  24 * time.Hour,
	}, f.clk, f.markets, memory.NewTradeStore(), f.positions, f.timelines, memory.NewIdempotencyCache(), f.bus, nil, logger)
	f.reg = New(Config{
		DefaultDuration:  72 * time.Hour,
		VRFFresh:         10 * time.Minute,
		MaxForksPerOwner: 8,
		ReapInterval:     time.Minute,
	}, f.clk, f.timelines, f.markets, f.positions, memory.NewLockManager(), eng, f.bus, nil, logger)
	return f
}

func (f *fixture) seedMarket(t *testing.T, id, timelineID string) domain.Market {
	t.Helper()
	now := f.clk.Now()
	m := domain.Market{
		ID:         id,
		TimelineID: timelineID,
		Question:   "Will the ceasefire hold through September?",
		Topic:      "ceasefire",
		Outcomes:   []string{"Yes", "No"},
		Reserves:   []float64{1000, 1000},
		Status:     domain.MarketStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.markets.Create(context.Background(), m))
	return m
}

func TestForkGlobalRequiresFreshVRF(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")

	_, err := f.reg.ForkGlobal(ctx, "M1", "ceasefire collapses on day 3", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	f.clk.ConsumeVRF([32]byte{1, 2, 3})
	tl, err := f.reg.ForkGlobal(ctx, "M1", "ceasefire collapses on day 3", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.TimelineGlobalOnChain, tl.Visibility)
	assert.Equal(t, domain.CapitalModeReal, tl.Capital)
	assert.Equal(t, "ROOT", tl.ParentID)
	assert.Equal(t, "M1", tl.SourceMarketID)
	assert.Len(t, tl.SeedHash, 66)
	assert.Equal(t, "0x", tl.SeedHash[:2])
	require.NotNil(t, tl.ExpiresAt)
	assert.Equal(t, f.clk.Now().Add(72*time.Hour), *tl.ExpiresAt)
}

func TestForkGlobalStaleVRF(t *testing.T) {
	f := newFixture(t)
	f.seedMarket(t, "M1", "ROOT")
	f.clk.ConsumeVRF([32]byte{9})
	f.clk.Advance(11 * time.Minute)

	_, err := f.reg.ForkGlobal(context.Background(), "M1", "premise", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSeedHashDeterministic(t *testing.T) {
	a := SeedHash("0xabc", [32]byte{1})
	b := SeedHash("0xabc", [32]byte{1})
	c := SeedHash("0xabc", [32]byte{2})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestForkUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")

	cases := []struct {
		name  string
		owner string
		cfg   domain.ForkConfig
	}{
		{"missing owner", "", domain.ForkConfig{Visibility: domain.TimelineUserPrivate, SimCapitalUSD: 100}},
		{"global visibility", "0xw1", domain.ForkConfig{Visibility: domain.TimelineGlobalOnChain, SimCapitalUSD: 100}},
		{"zero capital", "0xw1", domain.ForkConfig{Visibility: domain.TimelineUserPublic}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reg.ForkUser(ctx, tc.owner, "M1", "premise", tc.cfg)
			assert.ErrorIs(t, err, domain.ErrInvalidArg)
		})
	}
}

func TestForkUserVisibilityRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")

	private, err := f.reg.ForkUser(ctx, "0xowner", "M1", "private what-if", domain.ForkConfig{
		Visibility:    domain.TimelineUserPrivate,
		SimCapitalUSD: 500,
		InviteList:    []string{"0xfriend"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CapitalModeSimulated, private.Capital)

	ok, err := f.reg.CanParticipate(ctx, "0xowner", private.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.reg.CanParticipate(ctx, "0xfriend", private.ID)
	assert.True(t, ok)
	ok, _ = f.reg.CanParticipate(ctx, "0xstranger", private.ID)
	assert.False(t, ok)

	sandbox, err := f.reg.ForkUser(ctx, domain.AgentRefPrefix+"a1", "M1", "agent drill", domain.ForkConfig{
		Visibility:    domain.TimelineAgentSandbox,
		SimCapitalUSD: 1000,
	})
	require.NoError(t, err)
	ok, _ = f.reg.CanParticipate(ctx, domain.AgentRefPrefix+"a2", sandbox.ID)
	assert.True(t, ok)
	ok, _ = f.reg.CanParticipate(ctx, "0xhuman", sandbox.ID)
	assert.False(t, ok)

	public, err := f.reg.ForkUser(ctx, "0xowner", "M1", "public replay", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 100,
	})
	require.NoError(t, err)
	ok, _ = f.reg.CanParticipate(ctx, "0xanyone", public.ID)
	assert.True(t, ok)
}

func TestForksSuspendedInSurvivalMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")
	f.clk.ConsumeVRF([32]byte{1})
	f.reg.SetModeReader(func() domain.ModeState {
		return domain.ModeState{Tier: domain.ModeSurvival}
	})

	_, err := f.reg.ForkGlobal(ctx, "M1", "premise", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.reg.ForkUser(ctx, "0xw1", "M1", "premise", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 100,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestForkPublishesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")
	sub := f.bus.Subscribe("test", domain.EventTimelineForked)
	defer f.bus.Unsubscribe(sub)

	tl, err := f.reg.ForkUser(ctx, "0xw1", "M1", "premise", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 100,
	})
	require.NoError(t, err)

	select {
	case evt := <-sub.C():
		assert.Equal(t, domain.EventTimelineForked, evt.Kind)
		assert.Equal(t, tl.ID, evt.TimelineID)
	case <-time.After(time.Second):
		t.Fatal("no fork event on the bus")
	}
}

func TestLeaderboardGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")

	closed, err := f.reg.ForkUser(ctx, "0xowner", "M1", "no scores", domain.ForkConfig{
		Visibility:    domain.TimelineUserPrivate,
		SimCapitalUSD: 100,
	})
	require.NoError(t, err)
	_, err = f.reg.Leaderboard(ctx, closed.ID, 10)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	open, err := f.reg.ForkUser(ctx, "0xowner", "M1", "scored", domain.ForkConfig{
		Visibility:         domain.TimelineUserPrivate,
		SimCapitalUSD:      100,
		LeaderboardEnabled: true,
	})
	require.NoError(t, err)

	now := f.clk.Now()
	for i, p := range []domain.Position{
		{OwnerRef: "0xa", RealizedPnL: 12},
		{OwnerRef: "0xb", RealizedPnL: 40},
		{OwnerRef: "0xc", RealizedPnL: -3},
	} {
		p.ID = string(rune('p'+i)) + "1"
		p.MarketID = "M-fork"
		p.TimelineID = open.ID
		p.UpdatedAt = now
		require.NoError(t, f.positions.Upsert(ctx, p))
	}

	entries, err := f.reg.Leaderboard(ctx, open.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "0xb", entries[0].OwnerRef)
	assert.Equal(t, "0xa", entries[1].OwnerRef)
	assert.Equal(t, "0xc", entries[2].OwnerRef)
}

func TestReapSimulatedRefundsAtCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")

	tl, err := f.reg.ForkUser(ctx, "0xowner", "M1", "doomed branch", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 1000,
	})
	require.NoError(t, err)
	m := f.seedMarket(t, "M-fork", tl.ID)

	pos := domain.Position{
		ID: "P1", MarketID: m.ID, TimelineID: tl.ID, OwnerRef: "0xowner",
		OutcomeIdx: 0, Shares: 80, CostBasis: 50, RealizedPnL: 7,
		UpdatedAt: f.clk.Now(),
	}
	require.NoError(t, f.positions.Upsert(ctx, pos))

	require.NoError(t, f.reg.Reap(ctx, tl.ID, "premise falsified"))

	got, err := f.timelines.GetByID(ctx, tl.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TimelineStatusReaped, got.Status)
	assert.Equal(t, "premise falsified", got.ReapReason)
	require.NotNil(t, got.ReapedAt)

	gm, err := f.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusVoided, gm.Status)

	gp, err := f.positions.Get(ctx, "0xowner", m.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, gp.Shares)
	assert.Zero(t, gp.CostBasis)
	// Cost-basis refund: realized P&L is untouched.
	assert.InDelta(t, 7, gp.RealizedPnL, 1e-9)

	err = f.reg.Reap(ctx, tl.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReapRealSettlesAtSpot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")
	f.clk.ConsumeVRF([32]byte{5})

	tl, err := f.reg.ForkGlobal(ctx, "M1", "real branch", 0)
	require.NoError(t, err)
	m := f.seedMarket(t, "M-real", tl.ID)

	// Equal reserves, two outcomes: marginal price is 0.5.
	pos := domain.Position{
		ID: "P1", MarketID: m.ID, TimelineID: tl.ID, OwnerRef: "0xw1",
		OutcomeIdx: 0, Shares: 100, CostBasis: 40,
		UpdatedAt: f.clk.Now(),
	}
	require.NoError(t, f.positions.Upsert(ctx, pos))

	require.NoError(t, f.reg.Reap(ctx, tl.ID, "reality diverged"))

	gp, err := f.positions.Get(ctx, "0xw1", m.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, gp.Shares)
	// 100 shares * 0.5 spot - 40 cost = +10 realized.
	assert.InDelta(t, 10, gp.RealizedPnL, 1e-9)
}

func TestReaperSweepsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")

	short, err := f.reg.ForkUser(ctx, "0xw1", "M1", "short lived", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 100,
		Duration:      time.Hour,
	})
	require.NoError(t, err)
	long, err := f.reg.ForkUser(ctx, "0xw1", "M1", "long lived", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 100,
		Duration:      48 * time.Hour,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rp := NewReaper(f.reg, time.Minute, logger)

	f.clk.Advance(2 * time.Hour)
	require.NoError(t, rp.Sweep(ctx))

	got, _ := f.timelines.GetByID(ctx, short.ID)
	assert.Equal(t, domain.TimelineStatusReaped, got.Status)
	assert.Equal(t, "expired", got.ReapReason)
	got, _ = f.timelines.GetByID(ctx, long.ID)
	assert.Equal(t, domain.TimelineStatusActive, got.Status)
}

func TestUpdateGaugesClamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMarket(t, "M1", "ROOT")
	tl, err := f.reg.ForkUser(ctx, "0xw1", "M1", "gauged", domain.ForkConfig{
		Visibility:    domain.TimelineUserPublic,
		SimCapitalUSD: 100,
	})
	require.NoError(t, err)

	require.NoError(t, f.reg.UpdateGauges(ctx, tl.ID, 1.4, -0.2))
	got, err := f.timelines.GetByID(ctx, tl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Stability)
	assert.Equal(t, 0.0, got.LogicGap)
}
