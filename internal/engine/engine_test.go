package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fixture struct {
	eng       *Engine
	clk       *clock.Fake
	bus       *bus.Bus
	markets   *memory.MarketStore
	positions *memory.PositionStore
	timelines *memory.TimelineStore
	halt      chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	b := bus.New(testLogger(), nil)
	t.Cleanup(b.Close)

	f := &fixture{
		clk:       clk,
		bus:       b,
		markets:   memory.NewMarketStore(),
		positions: memory.NewPositionStore(),
		timelines: memory.NewTimelineStore(),
		halt:      make(chan error, 1),
	}
	require.NoError(t, f.timelines.Create(context.Background(), domain.Timeline{
		ID:         "T0",
		Visibility: domain.TimelineUserPublic,
		Capital:    domain.CapitalModeSimulated,
		Status:     domain.TimelineStatusActive,
		ForkedAt:   clk.Now(),
	}))

	f.eng = New(
		Config{
			QuoteValid:           10 * time.Second,
			IdemRetention:        15 * time.Minute,
			SlippageToleranceBps: 50,
			MinPositionUSD:       1,
			MaxPositionUSD:       10_000,
			DisputeWindow:        24 * time.Hour,
		},
		clk, f.markets, memory.NewTradeStore(), f.positions, f.timelines,
		memory.NewIdempotencyCache(), b, nil, testLogger(),
	)
	f.eng.SetHaltChannel(f.halt)
	return f
}

func (f *fixture) createBinary(t *testing.T, seed float64) domain.Market {
	t.Helper()
	m, err := f.eng.CreateMarket(context.Background(), "T0", "us_election", "Will YES happen?", []string{"YES", "NO"}, seed)
	require.NoError(t, err)
	return m
}

// Scenario A: creation seeds equal reserves and even odds.
func TestCreateMarketInitialState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)

	assert.Equal(t, []float64{1000, 1000}, m.Reserves)
	assert.Equal(t, []float64{0.5, 0.5}, m.Odds())
	assert.Zero(t, m.VolumeUSD)
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
}

func TestCreateMarketValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.CreateMarket(ctx, "T0", "t", "q", []string{"only"}, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	outcomes := make([]string, 17)
	for i := range outcomes {
		outcomes[i] = "o"
	}
	_, err = f.eng.CreateMarket(ctx, "T0", "t", "q", outcomes, 100)
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	_, err = f.eng.CreateMarket(ctx, "T0", "t", "q", []string{"YES", "NO"}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	_, err = f.eng.CreateMarket(ctx, "missing", "t", "q", []string{"YES", "NO"}, 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Scenario B: a YES buy moves odds against YES and books volume.
func TestBuyMovesOddsAndVolume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	q, err := f.eng.Quote(ctx, m.ID, 0, 50, domain.TradeSideBuy)
	require.NoError(t, err)
	assert.Positive(t, q.Shares)
	assert.Positive(t, q.PriceImpactBps)

	trade, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "b-1", QuoteID: q.ID,
	})
	require.NoError(t, err)
	assert.InDelta(t, q.Shares, trade.Shares, 1e-9, "execute right after quote realizes the quoted fill")

	got, err := f.eng.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Less(t, got.Odds()[0], 0.5, "YES reserve share drops after a YES buy")
	assert.InDelta(t, 50, got.VolumeUSD, 1e-9)
	assert.InDelta(t, m.Invariant(), got.Invariant(), m.Invariant()*1e-9, "product invariant preserved")
}

// Replaying an idempotency key returns the original trade and mutates
// nothing.
func TestExecuteIdempotentReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	req := ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "k-1",
	}
	first, err := f.eng.Execute(ctx, req)
	require.NoError(t, err)

	afterFirst, err := f.eng.GetMarket(ctx, m.ID)
	require.NoError(t, err)

	replay, err := f.eng.Execute(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotentReplay)
	assert.Equal(t, first.ID, replay.ID)

	afterReplay, err := f.eng.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Reserves, afterReplay.Reserves)
	assert.Equal(t, afterFirst.VolumeUSD, afterReplay.VolumeUSD)

	pos, err := f.positions.Get(ctx, "0xabc", m.ID, 0)
	require.NoError(t, err)
	assert.InDelta(t, first.Shares, pos.Shares, 1e-9, "position holds the first execution only")
}

// Scenario D: successive YES buys walk reserves monotonically and the
// second fill is strictly worse.
func TestTwoBuysMonotonicPricing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	t1, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "d-1",
	})
	require.NoError(t, err)

	mid, err := f.eng.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	y1, n1 := mid.Reserves[0], mid.Reserves[1]
	assert.Less(t, y1, 1000.0)
	assert.Greater(t, n1, 1000.0)

	t2, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "d-2",
	})
	require.NoError(t, err)

	final, err := f.eng.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Less(t, final.Reserves[0], y1)
	assert.Greater(t, final.Reserves[1], n1)
	assert.Greater(t, t2.FillPrice, t1.FillPrice, "second buy pays strictly more per share")
}

// Reserves always equal the seed share plus accumulated signed deltas.
func TestConservationAcrossMixedTrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m, err := f.eng.CreateMarket(context.Background(), "T0", "geo", "Which bloc?", []string{"A", "B", "C"}, 3000)
	require.NoError(t, err)
	ctx := context.Background()

	deltas := make([]float64, 3)
	steps := []struct {
		idx    int
		side   domain.TradeSide
		amount float64
	}{
		{0, domain.TradeSideBuy, 120},
		{1, domain.TradeSideBuy, 75},
		{2, domain.TradeSideBuy, 40},
		{0, domain.TradeSideSell, 30},
		{1, domain.TradeSideBuy, 15},
	}
	for i, st := range steps {
		before, err := f.eng.GetMarket(ctx, m.ID)
		require.NoError(t, err)

		_, err = f.eng.Execute(ctx, ExecuteRequest{
			MarketID: m.ID, OutcomeIdx: st.idx, Side: st.side,
			AmountUSD: st.amount, OwnerRef: "0xabc", IdemKey: string(rune('a' + i)),
		})
		require.NoError(t, err)

		after, err := f.eng.GetMarket(ctx, m.ID)
		require.NoError(t, err)
		for j := range deltas {
			deltas[j] += after.Reserves[j] - before.Reserves[j]
		}
	}

	final, err := f.eng.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	for j, r := range final.Reserves {
		assert.InDelta(t, 1000+deltas[j], r, 1e-6, "outcome %d", j)
		assert.Positive(t, r)
	}
	select {
	case err := <-f.halt:
		t.Fatalf("halt requested: %v", err)
	default:
	}
}

func TestExecuteBounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	_, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 0.5, OwnerRef: "0xabc", IdemKey: "low",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	_, err = f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50_000, OwnerRef: "0xabc", IdemKey: "high",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArg)
}

func TestSurvivalModeHalvesMaxPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	f.eng.SetModeReader(func() domain.ModeState {
		return domain.ModeState{Tier: domain.ModeSurvival}
	})

	_, err := f.eng.Execute(context.Background(), ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 6000, OwnerRef: "0xabc", IdemKey: "halved",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArg, "6000 is under the normal cap but over the halved one")
}

func TestSellRequiresHeldShares(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	_, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideSell,
		AmountUSD: 50, OwnerRef: "0xnew", IdemKey: "naked",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestSellRealizesPnL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	buy, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 200, OwnerRef: "0xabc", IdemKey: "s-buy",
	})
	require.NoError(t, err)

	sell, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideSell,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "s-sell",
	})
	require.NoError(t, err)
	assert.Less(t, sell.Shares, buy.Shares)

	pos, err := f.positions.Get(ctx, "0xabc", m.ID, 0)
	require.NoError(t, err)
	assert.InDelta(t, buy.Shares-sell.Shares, pos.Shares, 1e-9)
	assert.NotZero(t, pos.RealizedPnL)
}

func TestMarketClosedRejectsTrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	_, err := f.eng.Close(ctx, m.ID)
	require.NoError(t, err)

	_, err = f.eng.Quote(ctx, m.ID, 0, 50, domain.TradeSideBuy)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)

	_, err = f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "late",
	})
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestLifecycleStateMachine(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	ctx := context.Background()

	// open -> resolving is not allowed directly through Close.
	_, err := f.eng.FinalizeResolution(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.eng.Close(ctx, m.ID)
	require.NoError(t, err)

	// Simulated capital resolves immediately, no dispute window.
	resolved, err := f.eng.Resolve(ctx, m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, resolved.Status)
	assert.Nil(t, resolved.DisputeUntil)

	// resolved is terminal.
	_, err = f.eng.Close(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.eng.Void(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestResolveDisputeWindowOnRealCapital(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.timelines.Create(ctx, domain.Timeline{
		ID:         "G1",
		Visibility: domain.TimelineGlobalOnChain,
		Capital:    domain.CapitalModeReal,
		Status:     domain.TimelineStatusActive,
		ForkedAt:   f.clk.Now(),
	}))
	m, err := f.eng.CreateMarket(ctx, "G1", "t", "q", []string{"YES", "NO"}, 2000)
	require.NoError(t, err)
	f.eng.SetModeReader(func() domain.ModeState {
		return domain.ModeState{Tier: domain.ModeDegraded}
	})

	_, err = f.eng.Close(ctx, m.ID)
	require.NoError(t, err)
	resolving, err := f.eng.Resolve(ctx, m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolving, resolving.Status)
	require.NotNil(t, resolving.DisputeUntil)

	// Window still open.
	_, err = f.eng.FinalizeResolution(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	f.clk.Advance(25 * time.Hour)
	final, err := f.eng.FinalizeResolution(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, final.Status)
}

func TestExecuteCancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eng.Execute(ctx, ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "cxl",
	})
	assert.ErrorIs(t, err, domain.ErrCancelled)

	// The aborted record does not poison the key: a fresh call succeeds.
	_, err = f.eng.Execute(context.Background(), ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "cxl",
	})
	require.NoError(t, err)
}

func TestExecuteRefusedWhileHalted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.createBinary(t, 2000)
	f.eng.SetHaltReader(func() bool { return true })

	_, err := f.eng.Execute(context.Background(), ExecuteRequest{
		MarketID: m.ID, OutcomeIdx: 0, Side: domain.TradeSideBuy,
		AmountUSD: 50, OwnerRef: "0xabc", IdemKey: "halted-1",
	})
	assert.ErrorIs(t, err, domain.ErrHalted)

	got, err := f.markets.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Reserves, got.Reserves, "no reserves moved under halt")
	assert.Zero(t, got.TradeCount)
}

func TestBindExternalRequiresRealCapital(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// T0 runs simulated capital: binding is refused.
	m := f.createBinary(t, 2000)
	_, err := f.eng.BindExternal(ctx, m.ID, domain.VenuePolymarket, "0xcond")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, f.timelines.Create(ctx, domain.Timeline{
		ID:         "TG",
		Visibility: domain.TimelineGlobalOnChain,
		Capital:    domain.CapitalModeReal,
		Status:     domain.TimelineStatusActive,
		ForkedAt:   f.clk.Now(),
	}))
	mg, err := f.eng.CreateMarket(ctx, "TG", "fed_rates", "Will rates hold?", []string{"Yes", "No"}, 1000)
	require.NoError(t, err)

	bound, err := f.eng.BindExternal(ctx, mg.ID, domain.VenuePolymarket, "0xcond")
	require.NoError(t, err)
	assert.Equal(t, domain.VenuePolymarket, bound.ExternalVenue)
	assert.Equal(t, "0xcond", bound.ExternalRef)
	assert.True(t, bound.ExternallyBound())

	persisted, err := f.markets.GetByID(ctx, mg.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xcond", persisted.ExternalRef)
}

func TestBindExternalValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	m := f.createBinary(t, 2000)

	_, err := f.eng.BindExternal(ctx, m.ID, "", "0xcond")
	assert.ErrorIs(t, err, domain.ErrInvalidArg)
	_, err = f.eng.BindExternal(ctx, m.ID, domain.VenueKalshi, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	_, err = f.eng.Close(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.eng.BindExternal(ctx, m.ID, domain.VenueKalshi, "TICK-1")
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}
