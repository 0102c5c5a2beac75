package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
)

var policyNow = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

func testAgent(arch domain.AgentArchetype) domain.Agent {
	return domain.Agent{
		ID:        "a1",
		Archetype: arch,
		Status:    domain.AgentStatusLive,
		Traits:    domain.AgentTraits{Aggression: 0.5, Patience: 0.5, RiskAppetite: 0.5},
		Sanity:    80,
		BudgetUSD: 10_000,
		Interests: []string{"ceasefire"},
	}
}

// signalsWithGradient builds four same-topic signals whose newer half
// averages `newer` and older half averages `older`, newest first.
func signalsWithGradient(topic string, newer, older float64) []domain.Signal {
	mk := func(i int, conf float64) domain.Signal {
		return domain.Signal{
			ID:         topic + "-" + string(rune('a'+i)),
			Topic:      topic,
			Confidence: conf,
			ObservedAt: policyNow.Add(-time.Duration(i) * time.Second),
			IngestedAt: policyNow.Add(-time.Duration(i) * time.Second),
		}
	}
	return []domain.Signal{mk(0, newer), mk(1, newer), mk(2, older), mk(3, older)}
}

func openMarket(id, topic string, yes, no, volume float64) domain.Market {
	return domain.Market{
		ID:         id,
		TimelineID: "tl-prime",
		Topic:      topic,
		Outcomes:   []string{"Yes", "No"},
		Reserves:   []float64{yes, no},
		VolumeUSD:  volume,
		Status:     domain.MarketStatusOpen,
	}
}

func TestSharkBuysMomentumLeader(t *testing.T) {
	p := PolicyFor(domain.ArchetypeShark, DefaultPolicyParams(), clock.NewFake(policyNow))
	obs := Observation{
		Agent:   testAgent(domain.ArchetypeShark),
		Signals: signalsWithGradient("ceasefire", 0.8, 0.6),
		Markets: []domain.Market{
			openMarket("m-small", "ceasefire", 100, 100, 500),
			// Lower YES reserve means YES is the leading outcome.
			openMarket("m-big", "ceasefire", 80, 120, 9_000),
		},
		Now: policyNow,
	}
	d, ok := p.Decide(obs)
	require.True(t, ok)
	assert.Equal(t, "m-big", d.MarketID, "shark picks the busiest market")
	assert.Equal(t, 0, d.OutcomeIdx, "shark backs the leading outcome")
	assert.Equal(t, domain.TradeSideBuy, d.Side)
	assert.Greater(t, d.AmountUSD, 0.0)
	assert.False(t, d.Sabotage)
}

func TestSharkIgnoresFlatConfidence(t *testing.T) {
	p := PolicyFor(domain.ArchetypeShark, DefaultPolicyParams(), clock.NewFake(policyNow))
	obs := Observation{
		Agent:   testAgent(domain.ArchetypeShark),
		Signals: signalsWithGradient("ceasefire", 0.7, 0.69),
		Markets: []domain.Market{openMarket("m1", "ceasefire", 100, 100, 1000)},
		Now:     policyNow,
	}
	_, ok := p.Decide(obs)
	assert.False(t, ok, "gradient below threshold is a no-op")
}

func TestSpyTradesOnlyFreshExclusiveSignals(t *testing.T) {
	p := PolicyFor(domain.ArchetypeSpy, DefaultPolicyParams(), clock.NewFake(policyNow))
	agent := testAgent(domain.ArchetypeSpy)
	agent.LastObservedAt = policyNow.Add(-time.Minute)
	markets := []domain.Market{openMarket("m1", "ceasefire", 80, 120, 1000)}

	fresh := domain.Signal{
		ID: "s-fresh", Topic: "ceasefire", Confidence: 0.9,
		ObservedAt: policyNow.Add(-10 * time.Second),
		IngestedAt: policyNow.Add(-10 * time.Second),
	}
	d, ok := p.Decide(Observation{Agent: agent, Signals: []domain.Signal{fresh}, Markets: markets, Now: policyNow})
	require.True(t, ok)
	assert.Equal(t, "m1", d.MarketID)
	assert.Equal(t, 0, d.OutcomeIdx, "high-confidence signal backs the leader")

	stale := fresh
	stale.ObservedAt = policyNow.Add(-2 * time.Minute)
	_, ok = p.Decide(Observation{Agent: agent, Signals: []domain.Signal{stale}, Markets: markets, Now: policyNow})
	assert.False(t, ok, "signal outside the exclusive window is a no-op")

	alreadySeen := fresh
	alreadySeen.IngestedAt = agent.LastObservedAt.Add(-time.Second)
	_, ok = p.Decide(Observation{Agent: agent, Signals: []domain.Signal{alreadySeen}, Markets: markets, Now: policyNow})
	assert.False(t, ok, "a signal the agent already saw is not exclusive")
}

func TestSpyFadesWeakSignals(t *testing.T) {
	p := PolicyFor(domain.ArchetypeSpy, DefaultPolicyParams(), clock.NewFake(policyNow))
	agent := testAgent(domain.ArchetypeSpy)
	agent.LastObservedAt = policyNow.Add(-time.Minute)
	weak := domain.Signal{
		ID: "s-weak", Topic: "ceasefire", Confidence: 0.2,
		ObservedAt: policyNow.Add(-5 * time.Second),
		IngestedAt: policyNow.Add(-5 * time.Second),
	}
	d, ok := p.Decide(Observation{
		Agent:   agent,
		Signals: []domain.Signal{weak},
		Markets: []domain.Market{openMarket("m1", "ceasefire", 80, 120, 1000)},
		Now:     policyNow,
	})
	require.True(t, ok)
	assert.Equal(t, 1, d.OutcomeIdx, "weak exclusive signal fades the leader")
}

func TestDiplomatMeanRevertsBeyondDelta(t *testing.T) {
	p := PolicyFor(domain.ArchetypeDiplomat, DefaultPolicyParams(), clock.NewFake(policyNow))
	// Prior 0.5 from signals; market implies YES at 120/(80+120)=0.6 via
	// inverse reserves: (1/80)/((1/80)+(1/120)) = 0.6. Deviation +0.1 is
	// not beyond delta, so push further.
	signals := []domain.Signal{
		{ID: "s1", Topic: "ceasefire", Confidence: 0.5, ObservedAt: policyNow, IngestedAt: policyNow},
	}

	_, ok := p.Decide(Observation{
		Agent:   testAgent(domain.ArchetypeDiplomat),
		Signals: signals,
		Markets: []domain.Market{openMarket("m1", "ceasefire", 80, 120, 1000)},
		Now:     policyNow,
	})
	assert.False(t, ok, "deviation at the delta boundary is a no-op")

	// 60/140 implies YES at 0.7: deviation 0.2 > delta, outcome 0 is
	// overpriced, so the diplomat buys the alternative.
	d, ok := p.Decide(Observation{
		Agent:   testAgent(domain.ArchetypeDiplomat),
		Signals: signals,
		Markets: []domain.Market{openMarket("m1", "ceasefire", 60, 140, 1000)},
		Now:     policyNow,
	})
	require.True(t, ok)
	assert.Equal(t, 1, d.OutcomeIdx)
}

func TestSaboteurOnlyActsOnHomeTimeline(t *testing.T) {
	clk := clock.NewFake(policyNow)
	clk.PushUniform(0.5, 0.5)
	p := PolicyFor(domain.ArchetypeSaboteur, DefaultPolicyParams(), clk)

	agent := testAgent(domain.ArchetypeSaboteur)
	agent.HomeTimelineID = "tl-fork"
	home := domain.Timeline{ID: "tl-fork", Status: domain.TimelineStatusActive}

	foreign := openMarket("m-prime", "ceasefire", 100, 100, 1000)
	_, ok := p.Decide(Observation{Agent: agent, Timeline: home,
		Markets: []domain.Market{foreign}, Now: policyNow})
	assert.False(t, ok, "saboteur never touches markets outside its home timeline")

	local := openMarket("m-fork", "ceasefire", 100, 100, 1000)
	local.TimelineID = "tl-fork"
	d, ok := p.Decide(Observation{Agent: agent, Timeline: home,
		Markets: []domain.Market{local}, Now: policyNow})
	require.True(t, ok)
	assert.True(t, d.Sabotage)
	assert.Equal(t, "m-fork", d.MarketID)
}

func TestTradeSizeNeverExceedsBudget(t *testing.T) {
	a := testAgent(domain.ArchetypeShark)
	a.BudgetUSD = 50
	a.Traits.RiskAppetite = 1
	size := tradeSize(a, 2.0, 1.0) // deliberately oversized fraction
	assert.LessOrEqual(t, size, a.BudgetUSD)
	assert.Equal(t, size, float64(int(size*100))/100, "sizes are floored to cents")
}
