// Package agent runs the autonomous participants: one worker per live
// agent, archetype decision policies, fairness and sabotage caps, death
// rules and breeding.
package agent

import (
	"math"
	"time"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
)

// Decision is the output of one policy evaluation. A zero Decision with
// ok=false from Decide means NO_OP.
type Decision struct {
	MarketID   string
	OutcomeIdx int
	Side       domain.TradeSide
	AmountUSD  float64
	Reason     string
	// Sabotage marks decisions that widen a timeline's logic gap and
	// are therefore subject to the per-hour cap and mode restrictions.
	Sabotage bool
}

// Observation is everything a policy sees on one tick.
type Observation struct {
	Agent    domain.Agent
	Signals  []domain.Signal // fresh signals on the agent's interests, newest first
	Markets  []domain.Market // open markets on those topics
	Timeline domain.Timeline // the agent's home timeline, zero when unset
	Now      time.Time
}

// Policy maps an observation to at most one trade intent.
type Policy interface {
	Decide(obs Observation) (Decision, bool)
}

// PolicyParams are the tunables shared by the archetype policies.
type PolicyParams struct {
	// MomentumThreshold is the confidence gradient the shark needs.
	MomentumThreshold float64
	// ExclusiveWindow is how fresh a signal must be for the spy.
	ExclusiveWindow time.Duration
	// StabilityDelta is the diplomat's deviation trigger.
	StabilityDelta float64
	// MaxTradeFraction caps one trade as a share of remaining budget.
	MaxTradeFraction float64
}

// DefaultPolicyParams mirror the tuned production values.
func DefaultPolicyParams() PolicyParams {
	return PolicyParams{
		MomentumThreshold: 0.05,
		ExclusiveWindow:   30 * time.Second,
		StabilityDelta:    0.1,
		MaxTradeFraction:  0.1,
	}
}

// PolicyFor returns the archetype's policy implementation.
func PolicyFor(a domain.AgentArchetype, p PolicyParams, clk clock.Clock) Policy {
	switch a {
	case domain.ArchetypeShark:
		return &sharkPolicy{p: p}
	case domain.ArchetypeSpy:
		return &spyPolicy{p: p}
	case domain.ArchetypeDiplomat:
		return &diplomatPolicy{p: p}
	case domain.ArchetypeSaboteur:
		return &saboteurPolicy{p: p, clk: clk}
	default:
		return noopPolicy{}
	}
}

type noopPolicy struct{}

func (noopPolicy) Decide(Observation) (Decision, bool) { return Decision{}, false }

// sharkPolicy chases momentum: it buys the leading outcome of the
// busiest market on a topic whose signal confidence gradient exceeds the
// threshold, sized with the gradient and the agent's aggression.
type sharkPolicy struct {
	p PolicyParams
}

func (s *sharkPolicy) Decide(obs Observation) (Decision, bool) {
	grad, topic := confidenceGradient(obs.Signals)
	if grad < s.p.MomentumThreshold || topic == "" {
		return Decision{}, false
	}
	m, ok := busiestMarket(obs.Markets, topic)
	if !ok {
		return Decision{}, false
	}
	idx := leadingOutcome(m)
	size := tradeSize(obs.Agent, s.p.MaxTradeFraction, math.Min(grad*4, 1))
	if size <= 0 {
		return Decision{}, false
	}
	return Decision{
		MarketID:   m.ID,
		OutcomeIdx: idx,
		Side:       domain.TradeSideBuy,
		AmountUSD:  size,
		Reason:     "momentum gradient " + topic,
	}, true
}

// spyPolicy trades only on information nobody else has seen yet: a
// signal younger than the exclusive window that arrived after the
// agent's own last observation.
type spyPolicy struct {
	p PolicyParams
}

func (s *spyPolicy) Decide(obs Observation) (Decision, bool) {
	for _, sig := range obs.Signals {
		age := obs.Now.Sub(sig.ObservedAt)
		if age < 0 || age > s.p.ExclusiveWindow {
			continue
		}
		if !sig.IngestedAt.After(obs.Agent.LastObservedAt) {
			continue
		}
		m, ok := busiestMarket(obs.Markets, sig.Topic)
		if !ok {
			continue
		}
		// High-confidence exclusive signal: back the leading outcome
		// before the rest of the pool catches up; weak signal: fade it.
		idx := leadingOutcome(m)
		if sig.Confidence < 0.5 {
			idx = trailingOutcome(m)
		}
		size := tradeSize(obs.Agent, s.p.MaxTradeFraction, sig.Confidence)
		if size <= 0 {
			return Decision{}, false
		}
		return Decision{
			MarketID:   m.ID,
			OutcomeIdx: idx,
			Side:       domain.TradeSideBuy,
			AmountUSD:  size,
			Reason:     "exclusive signal " + sig.ID,
		}, true
	}
	return Decision{}, false
}

// diplomatPolicy mean-reverts: when a market's implied probability
// deviates from the aggregate signal prior by more than the stability
// delta, it buys the undervalued side.
type diplomatPolicy struct {
	p PolicyParams
}

func (d *diplomatPolicy) Decide(obs Observation) (Decision, bool) {
	for _, m := range obs.Markets {
		prior, ok := aggregatePrior(obs.Signals, m.Topic)
		if !ok {
			continue
		}
		implied := m.MarginalPrice(0)
		dev := implied - prior
		if math.Abs(dev) <= d.p.StabilityDelta {
			continue
		}
		idx := 0
		if dev > 0 {
			// Outcome 0 is overpriced relative to the prior: back the
			// alternative.
			idx = trailingOutcome(m)
			if idx == 0 && len(m.Outcomes) > 1 {
				idx = 1
			}
		}
		size := tradeSize(obs.Agent, d.p.MaxTradeFraction, math.Min(math.Abs(dev)*3, 1))
		if size <= 0 {
			return Decision{}, false
		}
		return Decision{
			MarketID:   m.ID,
			OutcomeIdx: idx,
			Side:       domain.TradeSideBuy,
			AmountUSD:  size,
			Reason:     "stability deviation " + m.Topic,
		}, true
	}
	return Decision{}, false
}

// saboteurPolicy widens its home timeline's logic gap by pushing the
// market further from the signal prior. Caps and mode checks live in
// the scheduler, not here.
type saboteurPolicy struct {
	p   PolicyParams
	clk clock.Clock
}

func (s *saboteurPolicy) Decide(obs Observation) (Decision, bool) {
	if obs.Timeline.ID == "" || obs.Timeline.Status != domain.TimelineStatusActive {
		return Decision{}, false
	}
	for _, m := range obs.Markets {
		if m.TimelineID != obs.Timeline.ID {
			continue
		}
		prior, ok := aggregatePrior(obs.Signals, m.Topic)
		if !ok {
			prior = 0.5
		}
		// Push away from the prior: buy whichever side is already
		// further from it to stretch the gap.
		idx := 0
		if m.MarginalPrice(0) < prior && len(m.Outcomes) > 1 {
			idx = 1
		}
		size := tradeSize(obs.Agent, s.p.MaxTradeFraction, 0.5+0.5*s.clk.Uniform())
		if size <= 0 {
			return Decision{}, false
		}
		return Decision{
			MarketID:   m.ID,
			OutcomeIdx: idx,
			Side:       domain.TradeSideBuy,
			AmountUSD:  size,
			Reason:     "widen logic gap " + obs.Timeline.ID,
			Sabotage:   true,
		}, true
	}
	return Decision{}, false
}

// confidenceGradient measures the confidence trend of the freshest topic:
// mean of the newer half minus mean of the older half.
func confidenceGradient(signals []domain.Signal) (float64, string) {
	if len(signals) < 4 {
		return 0, ""
	}
	topic := signals[0].Topic
	var same []domain.Signal
	for _, s := range signals {
		if s.Topic == topic {
			same = append(same, s)
		}
	}
	if len(same) < 4 {
		return 0, ""
	}
	half := len(same) / 2
	newer := mean(same[:half])
	older := mean(same[half:])
	return newer - older, topic
}

func mean(sigs []domain.Signal) float64 {
	if len(sigs) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sigs {
		sum += s.Confidence
	}
	return sum / float64(len(sigs))
}

// aggregatePrior is the mean confidence of signals on one topic,
// interpreted as the external belief in outcome 0.
func aggregatePrior(signals []domain.Signal, topic string) (float64, bool) {
	var sum float64
	var n int
	for _, s := range signals {
		if s.Topic == topic {
			sum += s.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func busiestMarket(markets []domain.Market, topic string) (domain.Market, bool) {
	var best domain.Market
	found := false
	for _, m := range markets {
		if m.Topic != topic || m.Status != domain.MarketStatusOpen {
			continue
		}
		if !found || m.VolumeUSD > best.VolumeUSD {
			best = m
			found = true
		}
	}
	return best, found
}

func leadingOutcome(m domain.Market) int {
	best := 0
	for i := range m.Reserves {
		if m.MarginalPrice(i) > m.MarginalPrice(best) {
			best = i
		}
	}
	return best
}

func trailingOutcome(m domain.Market) int {
	worst := 0
	for i := range m.Reserves {
		if m.MarginalPrice(i) < m.MarginalPrice(worst) {
			worst = i
		}
	}
	return worst
}

// tradeSize scales a trade with the agent's remaining budget, its risk
// appetite and the policy's conviction in [0,1].
func tradeSize(a domain.Agent, maxFraction, conviction float64) float64 {
	base := a.BudgetUSD * maxFraction
	size := base * conviction * (0.5 + 0.5*a.Traits.RiskAppetite)
	if size > a.BudgetUSD {
		size = a.BudgetUSD
	}
	return math.Floor(size*100) / 100
}
