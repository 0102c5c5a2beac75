package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/engine"
	"github.com/echelonworks/echelond/internal/metrics"
)

// Archetype cadences at the default tick base of one second. The global
// tick base scales them all together.
var archetypeCadence = map[domain.AgentArchetype]time.Duration{
	domain.ArchetypeShark:    15 * time.Second,
	domain.ArchetypeSpy:      5 * time.Second,
	domain.ArchetypeDiplomat: 30 * time.Second,
	domain.ArchetypeSaboteur: 45 * time.Second,
}

// Cooldowns mirror the cadences; an agent never acts twice inside one.
func cooldownFor(a domain.AgentArchetype) time.Duration {
	return archetypeCadence[a]
}

// MarketEngine is the slice of the engine the scheduler drives.
type MarketEngine interface {
	Quote(ctx context.Context, marketID string, outcomeIdx int, amountUSD float64, side domain.TradeSide) (domain.Quote, error)
	Execute(ctx context.Context, req engine.ExecuteRequest) (domain.Trade, error)
}

// SignalQuerier is the slice of the signal service the policies read.
type SignalQuerier interface {
	Query(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error)
}

// Config bounds the scheduler.
type Config struct {
	// TickBase scales every archetype cadence; 1s is the default base.
	TickBase time.Duration
	// FairnessShare caps one archetype's share of ticks per window.
	FairnessShare float64
	// FairnessWindow is the fairness accounting period.
	FairnessWindow time.Duration
	// SabotageCapPerHour is the hard per-agent cap; 0 disables sabotage.
	SabotageCapPerHour int
	// PnLFloor terminates an agent whose realized P&L falls to it.
	PnLFloor float64
	// InactivityLimit terminates agents idle for this long.
	InactivityLimit time.Duration
	// RescanInterval is how often new live agents are picked up.
	RescanInterval time.Duration

	Policies PolicyParams
}

// DefaultConfig mirrors the production knobs.
func DefaultConfig() Config {
	return Config{
		TickBase:           time.Second,
		FairnessShare:      0.4,
		FairnessWindow:     time.Minute,
		SabotageCapPerHour: 6,
		PnLFloor:           -50_000,
		InactivityLimit:    30 * 24 * time.Hour,
		RescanInterval:     time.Minute,
		Policies:           DefaultPolicyParams(),
	}
}

// sabotageWindow tracks one agent's monotone per-hour sabotage count.
type sabotageWindow struct {
	hourStart time.Time
	count     int
}

// Scheduler runs one worker per live agent.
type Scheduler struct {
	cfg       Config
	clk       clock.Clock
	agents    domain.AgentStore
	markets   domain.MarketStore
	timelines domain.TimelineStore
	signals   SignalQuerier
	eng       MarketEngine
	bus       *bus.Bus
	met       *metrics.Registry
	logger    *slog.Logger
	modeFn    func() domain.ModeState
	venues    map[domain.VenueName]domain.Venue

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	sabotage map[string]*sabotageWindow
	fairness map[domain.AgentArchetype]int
	fairAll  int
	fairFrom time.Time
}

// New wires the scheduler. met may be nil in tests.
func New(
	cfg Config,
	clk clock.Clock,
	agents domain.AgentStore,
	markets domain.MarketStore,
	timelines domain.TimelineStore,
	signals SignalQuerier,
	eng MarketEngine,
	b *bus.Bus,
	met *metrics.Registry,
	logger *slog.Logger,
) *Scheduler {
	if cfg.TickBase <= 0 {
		cfg.TickBase = time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		clk:       clk,
		agents:    agents,
		markets:   markets,
		timelines: timelines,
		signals:   signals,
		eng:       eng,
		bus:       b,
		met:       met,
		logger:    logger.With(slog.String("component", "agent_scheduler")),
		running:   make(map[string]context.CancelFunc),
		sabotage:  make(map[string]*sabotageWindow),
		fairness:  make(map[domain.AgentArchetype]int),
		fairFrom:  clk.Now(),
	}
}

// SetModeReader attaches the supervisor's read handle.
func (s *Scheduler) SetModeReader(fn func() domain.ModeState) { s.modeFn = fn }

// SetVenues attaches the external venue clients. Decisions on markets
// bound to a venue route through its adapter instead of the internal
// engine, subject to the capital and mode gates in externalRoute.
func (s *Scheduler) SetVenues(venues map[domain.VenueName]domain.Venue) { s.venues = venues }

// cadence scales an archetype's base cadence by the global tick base.
func (s *Scheduler) cadence(a domain.AgentArchetype) time.Duration {
	base := archetypeCadence[a]
	if base == 0 {
		base = 30 * time.Second
	}
	return time.Duration(float64(base) * float64(s.cfg.TickBase) / float64(time.Second))
}

// Run spawns workers for every live agent and rescans for new ones until
// ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := s.spawnLive(ctx, g); err != nil {
		return err
	}

	g.Go(func() error {
		rescan := s.cfg.RescanInterval
		if rescan <= 0 {
			rescan = time.Minute
		}
		ticker := time.NewTicker(rescan)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := s.spawnLive(ctx, g); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.WarnContext(ctx, "agent rescan failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	return g.Wait()
}

func (s *Scheduler) spawnLive(ctx context.Context, g *errgroup.Group) error {
	live, err := s.agents.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("agent: list live: %w", err)
	}
	for _, a := range live {
		s.mu.Lock()
		_, already := s.running[a.ID]
		if !already {
			workerCtx, cancel := context.WithCancel(ctx)
			s.running[a.ID] = cancel
			agentID := a.ID
			arch := a.Archetype
			g.Go(func() error {
				defer s.release(agentID)
				s.worker(workerCtx, agentID, arch)
				return nil
			})
		}
		s.mu.Unlock()
	}
	s.updateLiveGauges(live)
	return nil
}

func (s *Scheduler) release(agentID string) {
	s.mu.Lock()
	delete(s.running, agentID)
	s.mu.Unlock()
}

// worker is one agent's tick loop. It exits when the agent stops being
// schedulable or the context ends.
func (s *Scheduler) worker(ctx context.Context, agentID string, arch domain.AgentArchetype) {
	ticker := time.NewTicker(s.cadence(arch))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keep, err := s.Tick(ctx, agentID)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WarnContext(ctx, "tick failed",
					slog.String("agent_id", agentID),
					slog.String("error", err.Error()))
			}
			if !keep {
				return
			}
		}
	}
}

// Tick runs one full scheduling round for an agent. The returned bool
// says whether the worker should keep running.
func (s *Scheduler) Tick(ctx context.Context, agentID string) (bool, error) {
	a, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("agent: load %s: %w", agentID, err)
	}
	if !a.Schedulable() {
		return false, nil
	}
	now := s.clk.Now()

	if cause, dead := s.deathCause(a, now); dead {
		if err := s.terminate(ctx, a, cause); err != nil {
			return false, err
		}
		return false, nil
	}

	if a.Exhausted() {
		return false, s.markDormant(ctx, a)
	}

	if a.LastActionAt != nil && now.Sub(*a.LastActionAt) < cooldownFor(a.Archetype) {
		return true, nil
	}

	if !s.fairnessAdmit(a.Archetype, now) {
		return true, nil
	}

	obs, err := s.observe(ctx, a, now)
	if err != nil {
		return true, err
	}

	decision, act := PolicyFor(a.Archetype, s.cfg.Policies, s.clk).Decide(obs)
	if !act {
		a.LastObservedAt = now
		return true, s.agents.Update(ctx, a)
	}

	if decision.Sabotage {
		if err := s.admitSabotage(a.ID, now); err != nil {
			a.LastObservedAt = now
			if uerr := s.agents.Update(ctx, a); uerr != nil {
				return true, uerr
			}
			return true, err
		}
	}

	if actErr := s.act(ctx, &a, decision, now); actErr != nil {
		if err := s.agents.Update(ctx, a); err != nil {
			return true, err
		}
		return true, actErr
	}
	return true, s.agents.Update(ctx, a)
}

// observe gathers the tick's inputs: fresh signals per interest and the
// open markets on those topics.
func (s *Scheduler) observe(ctx context.Context, a domain.Agent, now time.Time) (Observation, error) {
	obs := Observation{Agent: a, Now: now}
	for _, topic := range a.Interests {
		sigs, err := s.signals.Query(ctx, topic, a.LastObservedAt.Add(-time.Minute), 32)
		if err != nil {
			return obs, fmt.Errorf("agent: query signals %s: %w", topic, err)
		}
		obs.Signals = append(obs.Signals, sigs...)

		markets, err := s.markets.ListOpenByTopic(ctx, topic)
		if err != nil {
			return obs, fmt.Errorf("agent: open markets %s: %w", topic, err)
		}
		obs.Markets = append(obs.Markets, markets...)
	}
	if a.HomeTimelineID != "" {
		if tl, err := s.timelines.GetByID(ctx, a.HomeTimelineID); err == nil {
			obs.Timeline = tl
		}
	}
	return obs, nil
}

// act quotes and executes the decision, then applies bookkeeping: budget
// decrement, bounded sanity delta and trait drift. Markets bound to an
// external venue route through its adapter when the gates admit it.
func (s *Scheduler) act(ctx context.Context, a *domain.Agent, d Decision, now time.Time) error {
	amount := d.AmountUSD
	if amount > a.BudgetUSD {
		amount = a.BudgetUSD
	}
	q, err := s.eng.Quote(ctx, d.MarketID, d.OutcomeIdx, amount, d.Side)
	if err != nil {
		return fmt.Errorf("agent: quote for %s: %w", a.ID, err)
	}
	if m, v, ok := s.externalRoute(ctx, d.MarketID); ok {
		return s.actExternal(ctx, a, d, q, m, v, amount, now)
	}
	trade, err := s.eng.Execute(ctx, engine.ExecuteRequest{
		MarketID:   d.MarketID,
		OutcomeIdx: d.OutcomeIdx,
		Side:       d.Side,
		AmountUSD:  amount,
		OwnerRef:   a.Ref(),
		IdemKey:    uuid.New().String(),
		QuoteID:    q.ID,
	})
	if err != nil {
		// Bad fills cost sanity; the agent learns caution.
		a.Sanity = clampSanity(a.Sanity - 1)
		a.LastObservedAt = now
		return fmt.Errorf("agent: execute for %s: %w", a.ID, err)
	}

	a.BudgetUSD -= trade.AmountUSD
	a.Sanity = clampSanity(a.Sanity + sanityDelta(q, trade))
	a.Traits = driftTraits(a.Traits, s.clk.Uniform())
	a.LastActionAt = &now
	a.LastObservedAt = now

	if s.met != nil {
		s.met.AgentActions.WithLabelValues(string(a.Archetype), "trade").Inc()
	}
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind:       domain.EventAgentActed,
			At:         now,
			TimelineID: trade.TimelineID,
			MarketID:   trade.MarketID,
			AgentID:    a.ID,
			Payload: domain.AgentActedPayload{
				Archetype: a.Archetype,
				Action:    d.Reason,
				MarketID:  trade.MarketID,
				TradeID:   trade.ID,
				AmountUSD: trade.AmountUSD,
				Sanity:    a.Sanity,
				BudgetUSD: a.BudgetUSD,
			},
		})
	}
	return nil
}

// externalRoute reports the venue client a decision should route through:
// the market must carry a venue binding, its client must be attached,
// the timeline must move real capital on the global chain, and survival
// mode must not be in force. Anything else trades internally.
func (s *Scheduler) externalRoute(ctx context.Context, marketID string) (domain.Market, domain.Venue, bool) {
	if len(s.venues) == 0 {
		return domain.Market{}, nil, false
	}
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil || !m.ExternallyBound() {
		return domain.Market{}, nil, false
	}
	v, ok := s.venues[m.ExternalVenue]
	if !ok {
		return domain.Market{}, nil, false
	}
	tl, err := s.timelines.GetByID(ctx, m.TimelineID)
	if err != nil || tl.Simulated() || tl.Visibility != domain.TimelineGlobalOnChain {
		return domain.Market{}, nil, false
	}
	if s.modeFn != nil && s.modeFn().Tier >= domain.ModeSurvival {
		return domain.Market{}, nil, false
	}
	return m, v, true
}

// actExternal places the order on the bound venue. The adapter stamps
// the builder code and records the attribution on the ack; here only the
// agent's bookkeeping remains.
func (s *Scheduler) actExternal(ctx context.Context, a *domain.Agent, d Decision, q domain.Quote, m domain.Market, v domain.Venue, amount float64, now time.Time) error {
	var outcome string
	if d.OutcomeIdx >= 0 && d.OutcomeIdx < len(m.Outcomes) {
		outcome = m.Outcomes[d.OutcomeIdx]
	}
	ack, err := v.CreateOrder(ctx, domain.VenueOrderRequest{
		MarketRef: m.ExternalRef,
		Outcome:   outcome,
		Side:      d.Side,
		Price:     q.FillPrice,
		Size:      q.Shares,
		AgentRef:  a.Ref(),
		ClientID:  uuid.New().String(),
	})
	if err != nil {
		a.Sanity = clampSanity(a.Sanity - 1)
		a.LastObservedAt = now
		return fmt.Errorf("agent: venue order for %s: %w", a.ID, err)
	}

	spent := ack.FilledSize * ack.FilledPrice
	if spent <= 0 {
		spent = amount
	}
	a.BudgetUSD -= spent
	a.Traits = driftTraits(a.Traits, s.clk.Uniform())
	a.LastActionAt = &now
	a.LastObservedAt = now

	if s.met != nil {
		s.met.AgentActions.WithLabelValues(string(a.Archetype), "venue_order").Inc()
	}
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind:       domain.EventAgentActed,
			At:         now,
			TimelineID: m.TimelineID,
			MarketID:   m.ID,
			AgentID:    a.ID,
			Payload: domain.AgentActedPayload{
				Archetype: a.Archetype,
				Action:    d.Reason,
				MarketID:  m.ID,
				TradeID:   ack.OrderID,
				AmountUSD: spent,
				Sanity:    a.Sanity,
				BudgetUSD: a.BudgetUSD,
			},
		})
	}
	return nil
}

// fairnessAdmit enforces the per-archetype share of the global tick
// budget inside the rolling window.
func (s *Scheduler) fairnessAdmit(arch domain.AgentArchetype, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.fairFrom) >= s.cfg.FairnessWindow {
		s.fairness = make(map[domain.AgentArchetype]int)
		s.fairAll = 0
		s.fairFrom = now
	}
	// A cold window admits anyone; shares only bind once there is a
	// budget to share.
	if s.fairAll >= 10 {
		share := float64(s.fairness[arch]+1) / float64(s.fairAll+1)
		if share > s.cfg.FairnessShare {
			return false
		}
	}
	s.fairness[arch]++
	s.fairAll++
	return true
}

// admitSabotage applies the monotone per-hour cap and the survival-mode
// prohibition.
func (s *Scheduler) admitSabotage(agentID string, now time.Time) error {
	if s.modeFn != nil && s.modeFn().Tier == domain.ModeSurvival {
		return fmt.Errorf("agent: sabotage disabled in survival mode: %w", domain.ErrInvalidTransition)
	}
	if s.cfg.SabotageCapPerHour <= 0 {
		return fmt.Errorf("agent: sabotage disabled: %w", domain.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.sabotage[agentID]
	if !ok || now.Sub(w.hourStart) >= time.Hour {
		w = &sabotageWindow{hourStart: now}
		s.sabotage[agentID] = w
	}
	if w.count >= s.cfg.SabotageCapPerHour {
		return fmt.Errorf("agent: sabotage cap reached for %s: %w", agentID, domain.ErrRateLimited)
	}
	w.count++
	return nil
}

// deathCause applies the termination rules.
func (s *Scheduler) deathCause(a domain.Agent, now time.Time) (string, bool) {
	if a.RealizedPnL <= s.cfg.PnLFloor {
		return "pnl_floor", true
	}
	last := a.CreatedAt
	if a.LastActionAt != nil {
		last = *a.LastActionAt
	}
	if s.cfg.InactivityLimit > 0 && now.Sub(last) >= s.cfg.InactivityLimit {
		return "inactivity", true
	}
	return "", false
}

// terminate retires an agent permanently. History and lineage edges are
// preserved; the worker never reschedules it.
func (s *Scheduler) terminate(ctx context.Context, a domain.Agent, cause string) error {
	now := s.clk.Now()
	a.Status = domain.AgentStatusTerminated
	a.TerminatedAt = &now
	a.TerminationCause = cause
	if err := s.agents.Update(ctx, a); err != nil {
		return fmt.Errorf("agent: terminate %s: %w", a.ID, err)
	}
	s.logger.InfoContext(ctx, "agent terminated",
		slog.String("agent_id", a.ID),
		slog.String("cause", cause))
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind:    domain.EventAgentDormant,
			At:      now,
			AgentID: a.ID,
			Payload: map[string]string{"status": "terminated", "cause": cause},
		})
	}
	return nil
}

// TerminateForParadox is the orchestrator's hook for the failed
// paradox-extraction death rule.
func (s *Scheduler) TerminateForParadox(ctx context.Context, agentID string) error {
	a, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent: load %s: %w", agentID, err)
	}
	if a.Status == domain.AgentStatusTerminated {
		return nil
	}
	return s.terminate(ctx, a, "failed_paradox_extraction")
}

func (s *Scheduler) markDormant(ctx context.Context, a domain.Agent) error {
	now := s.clk.Now()
	a.Status = domain.AgentStatusDormant
	if err := s.agents.Update(ctx, a); err != nil {
		return fmt.Errorf("agent: mark dormant %s: %w", a.ID, err)
	}
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind:    domain.EventAgentDormant,
			At:      now,
			AgentID: a.ID,
			Payload: map[string]string{"status": "dormant"},
		})
	}
	return nil
}

func (s *Scheduler) updateLiveGauges(live []domain.Agent) {
	if s.met == nil {
		return
	}
	counts := make(map[domain.AgentArchetype]int)
	for _, a := range live {
		counts[a.Archetype]++
	}
	for _, arch := range domain.Archetypes {
		s.met.AgentsLive.WithLabelValues(string(arch)).Set(float64(counts[arch]))
	}
}

// sanityDelta rewards fills at or better than the quote and punishes
// worse ones, bounded either way.
func sanityDelta(q domain.Quote, t domain.Trade) float64 {
	if q.FillPrice <= 0 {
		return 0
	}
	rel := (q.FillPrice - t.FillPrice) / q.FillPrice
	delta := rel * 50
	if delta > domain.MaxSanityDelta {
		delta = domain.MaxSanityDelta
	}
	if delta < -domain.MaxSanityDelta {
		delta = -domain.MaxSanityDelta
	}
	return delta
}

func clampSanity(v float64) float64 {
	if v < domain.SanityFloor {
		return domain.SanityFloor
	}
	if v > domain.SanityMax {
		return domain.SanityMax
	}
	return v
}

// driftTraits nudges the traits with a small symmetric step.
func driftTraits(t domain.AgentTraits, u float64) domain.AgentTraits {
	step := (u - 0.5) * 0.02
	t.Aggression += step
	t.Patience -= step / 2
	t.RiskAppetite += step / 2
	return t.Clamp()
}
