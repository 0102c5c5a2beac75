package agent

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

type stubEngine struct {
	execs   []engine.ExecuteRequest
	execErr error
}

func (e *stubEngine) Quote(ctx context.Context, marketID string, outcomeIdx int, amountUSD float64, side domain.TradeSide) (domain.Quote, error) {
	return domain.Quote{
		ID: "q-" + marketID, MarketID: marketID, OutcomeIdx: outcomeIdx,
		Side: side, AmountUSD: amountUSD, FillPrice: 0.5,
	}, nil
}

func (e *stubEngine) Execute(ctx context.Context, req engine.ExecuteRequest) (domain.Trade, error) {
	if e.execErr != nil {
		return domain.Trade{}, e.execErr
	}
	e.execs = append(e.execs, req)
	return domain.Trade{
		ID: "t-1", MarketID: req.MarketID, TimelineID: "tl-prime",
		OwnerRef: req.OwnerRef, OutcomeIdx: req.OutcomeIdx, Side: req.Side,
		AmountUSD: req.AmountUSD, FillPrice: 0.5,
	}, nil
}

type stubSignals struct {
	signals []domain.Signal
}

func (s *stubSignals) Query(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, sig := range s.signals {
		if sig.Topic == topic {
			out = append(out, sig)
		}
	}
	return out, nil
}

type stubVenue struct {
	venue  domain.VenueName
	orders []domain.VenueOrderRequest
	ackErr error
}

func (v *stubVenue) Name() domain.VenueName { return v.venue }

func (v *stubVenue) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.VenueMarket, error) {
	return nil, nil
}

func (v *stubVenue) GetOrderBook(ctx context.Context, marketRef string) (domain.OrderBook, error) {
	return domain.OrderBook{}, nil
}

func (v *stubVenue) CreateOrder(ctx context.Context, req domain.VenueOrderRequest) (domain.VenueOrderAck, error) {
	if v.ackErr != nil {
		return domain.VenueOrderAck{}, v.ackErr
	}
	v.orders = append(v.orders, req)
	return domain.VenueOrderAck{
		Venue:       v.venue,
		OrderID:     "ord-1",
		ClientID:    req.ClientID,
		Status:      domain.VenueOrderFilled,
		FilledSize:  req.Size,
		FilledPrice: req.Price,
	}, nil
}

func (v *stubVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (v *stubVenue) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	return nil, nil
}

func (v *stubVenue) Stream(ctx context.Context, marketRefs []string, fn func(domain.StreamUpdate)) error {
	return nil
}

type schedFixture struct {
	clk       *clock.Fake
	agents    *memory.AgentStore
	markets   *memory.MarketStore
	timelines *memory.TimelineStore
	eng       *stubEngine
	signals   *stubSignals
	bus       *bus.Bus
	sched     *Scheduler
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &schedFixture{
		clk:       clock.NewFake(policyNow),
		agents:    memory.NewAgentStore(),
		markets:   memory.NewMarketStore(),
		timelines: memory.NewTimelineStore(),
		eng:       &stubEngine{},
		signals:   &stubSignals{},
		bus:       bus.New(logger, nil),
	}
	f.sched = New(DefaultConfig(), f.clk, f.agents, f.markets,
		f.timelines, f.signals, f.eng, f.bus, nil, logger)
	return f
}

func (f *schedFixture) seedMomentum(t *testing.T) domain.Agent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.markets.Create(ctx, openMarket("m1", "ceasefire", 80, 120, 1000)))
	f.signals.signals = signalsWithGradient("ceasefire", 0.8, 0.6)
	a := testAgent(domain.ArchetypeShark)
	a.CreatedAt = f.clk.Now()
	a.LastObservedAt = f.clk.Now().Add(-time.Minute)
	require.NoError(t, f.agents.Create(ctx, a))
	return a
}

func TestTickExecutesTradeAndBooksIt(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a := f.seedMomentum(t)

	sub := f.bus.Subscribe("test", domain.EventAgentActed)
	defer f.bus.Unsubscribe(sub)

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, keep)
	require.Len(t, f.eng.execs, 1)
	assert.Equal(t, "m1", f.eng.execs[0].MarketID)
	assert.Equal(t, a.Ref(), f.eng.execs[0].OwnerRef)
	assert.NotEmpty(t, f.eng.execs[0].IdemKey)

	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Less(t, got.BudgetUSD, a.BudgetUSD, "budget decremented by the fill")
	require.NotNil(t, got.LastActionAt)
	assert.Equal(t, f.clk.Now(), *got.LastActionAt)
	assert.Equal(t, f.clk.Now(), got.LastObservedAt)

	select {
	case evt := <-sub.C():
		payload, ok := evt.Payload.(domain.AgentActedPayload)
		require.True(t, ok)
		assert.Equal(t, domain.ArchetypeShark, payload.Archetype)
		assert.Equal(t, "t-1", payload.TradeID)
	case <-time.After(time.Second):
		t.Fatal("no agent action event on the bus")
	}
}

// seedBoundMomentum is seedMomentum on a real-capital global timeline
// whose market carries a venue binding, plus an attached venue client.
func (f *schedFixture) seedBoundMomentum(t *testing.T) (domain.Agent, *stubVenue) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.timelines.Create(ctx, domain.Timeline{
		ID:         "tl-prime",
		Visibility: domain.TimelineGlobalOnChain,
		Capital:    domain.CapitalModeReal,
		Status:     domain.TimelineStatusActive,
		ForkedAt:   f.clk.Now(),
	}))

	m := openMarket("m1", "ceasefire", 80, 120, 1000)
	m.ExternalVenue = domain.VenuePolymarket
	m.ExternalRef = "0xceasefire"
	require.NoError(t, f.markets.Create(ctx, m))

	f.signals.signals = signalsWithGradient("ceasefire", 0.8, 0.6)
	a := testAgent(domain.ArchetypeShark)
	a.CreatedAt = f.clk.Now()
	a.LastObservedAt = f.clk.Now().Add(-time.Minute)
	require.NoError(t, f.agents.Create(ctx, a))

	v := &stubVenue{venue: domain.VenuePolymarket}
	f.sched.SetVenues(map[domain.VenueName]domain.Venue{domain.VenuePolymarket: v})
	return a, v
}

func TestBoundGlobalMarketRoutesThroughVenue(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a, v := f.seedBoundMomentum(t)

	sub := f.bus.Subscribe("test", domain.EventAgentActed)
	defer f.bus.Unsubscribe(sub)

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, keep)

	require.Len(t, v.orders, 1, "the order goes to the venue adapter")
	assert.Empty(t, f.eng.execs, "the internal pool never trades")
	assert.Equal(t, "0xceasefire", v.orders[0].MarketRef)
	assert.Equal(t, a.Ref(), v.orders[0].AgentRef)
	assert.NotEmpty(t, v.orders[0].ClientID)
	assert.Equal(t, "Yes", v.orders[0].Outcome)

	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Less(t, got.BudgetUSD, a.BudgetUSD, "budget decremented by the fill")

	select {
	case evt := <-sub.C():
		payload, ok := evt.Payload.(domain.AgentActedPayload)
		require.True(t, ok)
		assert.Equal(t, "ord-1", payload.TradeID)
		assert.Equal(t, "m1", payload.MarketID)
	case <-time.After(time.Second):
		t.Fatal("no agent action event on the bus")
	}
}

func TestSurvivalModeKeepsOrdersInternal(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a, v := f.seedBoundMomentum(t)
	f.sched.SetModeReader(func() domain.ModeState {
		return domain.ModeState{Tier: domain.ModeSurvival}
	})

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, keep)

	assert.Empty(t, v.orders, "survival mode never routes externally")
	assert.Len(t, f.eng.execs, 1, "the trade falls back to the internal pool")
}

func TestSimulatedTimelineNeverRoutesExternally(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a, v := f.seedBoundMomentum(t)

	tl, err := f.timelines.GetByID(ctx, "tl-prime")
	require.NoError(t, err)
	tl.Capital = domain.CapitalModeSimulated
	require.NoError(t, f.timelines.Update(ctx, tl))

	_, err = f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, v.orders)
	assert.Len(t, f.eng.execs, 1)
}

func TestVenueRejectionCostsSanity(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a, v := f.seedBoundMomentum(t)
	v.ackErr = domain.ErrNetwork

	_, err := f.sched.Tick(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrNetwork)

	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Sanity-1, got.Sanity, "a failed venue order costs sanity")
	assert.Equal(t, a.BudgetUSD, got.BudgetUSD, "nothing was spent")
}

func TestTickHonoursCooldown(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a := f.seedMomentum(t)

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, keep)
	require.Len(t, f.eng.execs, 1)

	// Inside the shark cooldown nothing happens; past it the agent acts
	// again.
	f.clk.Advance(5 * time.Second)
	_, err = f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, f.eng.execs, 1)

	f.clk.Advance(15 * time.Second)
	_, err = f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, f.eng.execs, 2)
}

func TestExhaustedAgentGoesDormant(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a := testAgent(domain.ArchetypeSpy)
	a.CreatedAt = f.clk.Now()
	a.BudgetUSD = 0
	require.NoError(t, f.agents.Create(ctx, a))

	sub := f.bus.Subscribe("test", domain.EventAgentDormant)
	defer f.bus.Unsubscribe(sub)

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, keep, "dormant agents leave the tick loop")

	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusDormant, got.Status)

	select {
	case evt := <-sub.C():
		assert.Equal(t, a.ID, evt.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no dormancy event on the bus")
	}
}

func TestPnLFloorTerminates(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a := testAgent(domain.ArchetypeShark)
	a.CreatedAt = f.clk.Now()
	a.RealizedPnL = -50_000
	require.NoError(t, f.agents.Create(ctx, a))

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, keep)

	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusTerminated, got.Status)
	assert.Equal(t, "pnl_floor", got.TerminationCause)
	require.NotNil(t, got.TerminatedAt)
}

func TestInactivityTerminates(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a := testAgent(domain.ArchetypeDiplomat)
	a.CreatedAt = f.clk.Now().Add(-31 * 24 * time.Hour)
	last := f.clk.Now().Add(-30 * 24 * time.Hour)
	a.LastActionAt = &last
	require.NoError(t, f.agents.Create(ctx, a))

	keep, err := f.sched.Tick(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, keep)

	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "inactivity", got.TerminationCause)
}

func TestSabotageRejectedInSurvivalMode(t *testing.T) {
	f := newSchedFixture(t)
	f.sched.SetModeReader(func() domain.ModeState {
		return domain.ModeState{Tier: domain.ModeSurvival}
	})
	err := f.sched.admitSabotage("a1", f.clk.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSabotageCapIsMonotonePerHour(t *testing.T) {
	f := newSchedFixture(t)
	now := f.clk.Now()
	for i := 0; i < f.sched.cfg.SabotageCapPerHour; i++ {
		require.NoError(t, f.sched.admitSabotage("a1", now))
	}
	err := f.sched.admitSabotage("a1", now)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// Another agent has its own window.
	assert.NoError(t, f.sched.admitSabotage("a2", now))

	// A new hour resets the count.
	assert.NoError(t, f.sched.admitSabotage("a1", now.Add(time.Hour)))
}

func TestFairnessCapsArchetypeShare(t *testing.T) {
	f := newSchedFixture(t)
	now := f.clk.Now()

	// Prime the window with a mixed population so the cap binds.
	for i := 0; i < 4; i++ {
		require.True(t, f.sched.fairnessAdmit(domain.ArchetypeShark, now))
	}
	for i := 0; i < 3; i++ {
		require.True(t, f.sched.fairnessAdmit(domain.ArchetypeSpy, now))
		require.True(t, f.sched.fairnessAdmit(domain.ArchetypeDiplomat, now))
	}
	// 10 ticks so far, sharks at 4/10. One more shark would be 5/11 > 40%.
	assert.False(t, f.sched.fairnessAdmit(domain.ArchetypeShark, now))
	assert.True(t, f.sched.fairnessAdmit(domain.ArchetypeSpy, now))

	// The window rolls over and admits sharks again.
	later := now.Add(f.sched.cfg.FairnessWindow)
	assert.True(t, f.sched.fairnessAdmit(domain.ArchetypeShark, later))
}

func TestBreedAveragesTraitsAndRecordsLineage(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	pa := testAgent(domain.ArchetypeShark)
	pa.ID = "pa"
	pa.Traits = domain.AgentTraits{Aggression: 0.8, Patience: 0.2, RiskAppetite: 0.6}
	pa.RealizedPnL = 1000
	pa.Generation = 2
	pa.Interests = []string{"ceasefire"}
	require.NoError(t, f.agents.Create(ctx, pa))

	pb := testAgent(domain.ArchetypeDiplomat)
	pb.ID = "pb"
	pb.Traits = domain.AgentTraits{Aggression: 0.4, Patience: 0.6, RiskAppetite: 0.2}
	pb.RealizedPnL = -200
	pb.Generation = 4
	pb.Interests = []string{"ceasefire", "elections"}
	require.NoError(t, f.agents.Create(ctx, pb))

	f.clk.PushUniform(0.5) // zero jitter
	child, err := f.sched.Breed(ctx, BreedRequest{
		ParentAID: "pa", ParentBID: "pb", Name: "gen5", BudgetUSD: 2500,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ArchetypeShark, child.Archetype, "archetype follows the fitter parent")
	assert.Equal(t, 5, child.Generation)
	assert.InDelta(t, 0.6, child.Traits.Aggression, 1e-9)
	assert.InDelta(t, 0.4, child.Traits.Patience, 1e-9)
	assert.InDelta(t, 0.4, child.Traits.RiskAppetite, 1e-9)
	assert.Equal(t, []string{"ceasefire", "elections"}, child.Interests)
	assert.Equal(t, domain.SanityMax, child.Sanity)

	rels, err := f.agents.ListRelations(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	parents := map[string]bool{rels[0].ParentID: true, rels[1].ParentID: true}
	assert.True(t, parents["pa"] && parents["pb"])
	for _, r := range rels {
		assert.Equal(t, domain.LineageParent, r.Kind)
	}
}

func TestBreedValidation(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	_, err := f.sched.Breed(ctx, BreedRequest{ParentAID: "x", ParentBID: "x", BudgetUSD: 100})
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	pa := testAgent(domain.ArchetypeShark)
	pa.ID = "pa"
	require.NoError(t, f.agents.Create(ctx, pa))
	pb := testAgent(domain.ArchetypeSpy)
	pb.ID = "pb"
	pb.Status = domain.AgentStatusTerminated
	require.NoError(t, f.agents.Create(ctx, pb))

	_, err = f.sched.Breed(ctx, BreedRequest{ParentAID: "pa", ParentBID: "pb", BudgetUSD: 100})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTerminateForParadox(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	a := testAgent(domain.ArchetypeSaboteur)
	require.NoError(t, f.agents.Create(ctx, a))

	require.NoError(t, f.sched.TerminateForParadox(ctx, a.ID))
	got, err := f.agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusTerminated, got.Status)
	assert.Equal(t, "failed_paradox_extraction", got.TerminationCause)

	// Idempotent on an already-terminated agent.
	assert.NoError(t, f.sched.TerminateForParadox(ctx, a.ID))
}
