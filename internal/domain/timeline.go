package domain

import (
	"strings"
	"time"
)

// TimelineVisibility controls who can see and trade inside a timeline.
type TimelineVisibility string

const (
	TimelineGlobalOnChain TimelineVisibility = "global_on_chain"
	TimelineUserPrivate   TimelineVisibility = "user_private"
	TimelineUserPublic    TimelineVisibility = "user_public"
	TimelineAgentSandbox  TimelineVisibility = "agent_sandbox"
)

// CapitalMode says whether positions in a timeline move real capital.
// Only global_on_chain timelines are ever real; everything else is
// simulated and must never route external orders.
type CapitalMode string

const (
	CapitalModeReal      CapitalMode = "real"
	CapitalModeSimulated CapitalMode = "simulated"
)

// TimelineStatus is the registry lifecycle state.
type TimelineStatus string

const (
	TimelineStatusActive TimelineStatus = "active"
	TimelineStatusReaped TimelineStatus = "reaped"
)

// AgentRefPrefix marks owner refs that belong to agents rather than
// external users. User refs are wallet-address strings.
const AgentRefPrefix = "agent:"

// IsAgentRef reports whether an owner ref identifies an agent.
func IsAgentRef(ref string) bool {
	return strings.HasPrefix(ref, AgentRefPrefix)
}

// Timeline is one branch of the simulation: the root global timeline or a
// fork spawned from a market's state at fork time.
type Timeline struct {
	ID                 string
	ParentID           string // empty for the root
	Visibility         TimelineVisibility
	Capital            CapitalMode
	OwnerRef           string // creator; empty for the root
	Premise            string
	SourceMarketID     string // fork-point market, empty for the root
	SeedHash           string // 0x keccak-256 of parent state hash + entropy
	Stability          float64
	LogicGap           float64
	SimCapitalUSD      float64
	InviteList         []string
	LeaderboardEnabled bool
	Status             TimelineStatus
	ForkedAt           time.Time
	ExpiresAt          *time.Time
	ReapedAt           *time.Time
	ReapReason         string
	UpdatedAt          time.Time
}

// Simulated reports whether the timeline runs on simulated capital.
func (t Timeline) Simulated() bool {
	return t.Capital == CapitalModeSimulated
}

// CanParticipate applies the visibility rules: private timelines admit
// the creator and invitees, sandboxes admit agents only, everything else
// is open.
func (t Timeline) CanParticipate(ownerRef string) bool {
	switch t.Visibility {
	case TimelineUserPrivate:
		if ownerRef == t.OwnerRef {
			return true
		}
		for _, inv := range t.InviteList {
			if inv == ownerRef {
				return true
			}
		}
		return false
	case TimelineAgentSandbox:
		return IsAgentRef(ownerRef)
	default:
		return true
	}
}

// ForkConfig carries the caller-supplied options for a user fork.
type ForkConfig struct {
	Visibility         TimelineVisibility
	SimCapitalUSD      float64
	InviteList         []string
	LeaderboardEnabled bool
	Duration           time.Duration
}
