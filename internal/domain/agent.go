package domain

import "time"

// AgentArchetype fixes an agent's behavioural policy.
type AgentArchetype string

const (
	ArchetypeShark    AgentArchetype = "shark"    // momentum hunter
	ArchetypeSpy      AgentArchetype = "spy"      // exclusive-signal front-runner
	ArchetypeDiplomat AgentArchetype = "diplomat" // mean-reversion stabilizer
	ArchetypeSaboteur AgentArchetype = "saboteur" // logic-gap widener
)

// Archetypes lists every known archetype in scheduling order.
var Archetypes = []AgentArchetype{
	ArchetypeShark, ArchetypeSpy, ArchetypeDiplomat, ArchetypeSaboteur,
}

// Valid reports whether the archetype is one of the four known kinds.
func (a AgentArchetype) Valid() bool {
	switch a {
	case ArchetypeShark, ArchetypeSpy, ArchetypeDiplomat, ArchetypeSaboteur:
		return true
	}
	return false
}

// AgentStatus is the scheduler-visible lifecycle state.
type AgentStatus string

const (
	AgentStatusLive       AgentStatus = "live"
	AgentStatusDormant    AgentStatus = "dormant"
	AgentStatusTerminated AgentStatus = "terminated"
)

// AgentTraits are the drifting behavioural parameters, each in [0,1].
type AgentTraits struct {
	Aggression   float64
	Patience     float64
	RiskAppetite float64
}

// Clamp forces every trait back into [0,1] after drift.
func (t AgentTraits) Clamp() AgentTraits {
	c := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return AgentTraits{
		Aggression:   c(t.Aggression),
		Patience:     c(t.Patience),
		RiskAppetite: c(t.RiskAppetite),
	}
}

// Sanity bounds. An agent at or below SanityFloor goes dormant.
const (
	SanityMax   = 100.0
	SanityFloor = 0.0

	// MaxSanityDelta bounds how far one outcome can move sanity.
	MaxSanityDelta = 5.0
)

// Agent is a scheduled autonomous participant.
type Agent struct {
	ID               string
	Name             string
	Archetype        AgentArchetype
	Status           AgentStatus
	Traits           AgentTraits
	Sanity           float64 // 0..100
	BudgetUSD        float64
	RealizedPnL      float64
	Interests        []string // signal topics the agent watches
	HomeTimelineID   string   // sandbox the agent lives in, if any
	Generation       int
	LastActionAt     *time.Time
	LastObservedAt   time.Time // high-water mark for signal queries
	CreatedAt        time.Time
	TerminatedAt     *time.Time
	TerminationCause string
}

// Ref returns the owner ref agents use on positions and trades.
func (a Agent) Ref() string {
	return AgentRefPrefix + a.ID
}

// Schedulable reports whether the scheduler should run ticks for the agent.
func (a Agent) Schedulable() bool {
	return a.Status == AgentStatusLive
}

// Exhausted reports whether the agent should drop to dormant instead of
// acting: sanity at the floor or no budget left.
func (a Agent) Exhausted() bool {
	return a.Sanity <= SanityFloor || a.BudgetUSD <= 0
}

// LineageKind describes one breeding edge between agents.
type LineageKind string

const (
	LineageParent LineageKind = "parent"
	LineageMentor LineageKind = "mentor"
)

// AgentRelation is an edge in the lineage graph. Edges are append-only;
// terminating an agent never removes its history.
type AgentRelation struct {
	ID        string
	ParentID  string
	ChildID   string
	Kind      LineageKind
	CreatedAt time.Time
}
