package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists ingested signals. Insert must be idempotent on
// signal ID: re-inserting an existing ID returns inserted=false and
// leaves the stored row untouched.
type SignalStore interface {
	Insert(ctx context.Context, sig Signal) (inserted bool, err error)
	GetByID(ctx context.Context, id string) (Signal, error)
	ListByTopic(ctx context.Context, topic string, since time.Time, limit int) ([]Signal, error)
	PruneBefore(ctx context.Context, cutoff time.Time, protectedTopics []string) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// FeedStatusStore persists per-source health records.
type FeedStatusStore interface {
	Upsert(ctx context.Context, fs FeedStatus) error
	Get(ctx context.Context, sourceTag string) (FeedStatus, error)
	List(ctx context.Context) ([]FeedStatus, error)
}

// MarketStore persists market state including live reserves.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Update(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByTimeline(ctx context.Context, timelineID string, opts ListOpts) ([]Market, error)
	ListOpen(ctx context.Context, opts ListOpts) ([]Market, error)
	ListOpenByTopic(ctx context.Context, topic string) ([]Market, error)
	ListTrending(ctx context.Context, since time.Time, limit int) ([]Market, error)
	Stats(ctx context.Context, since time.Time) (MarketStats, error)
}

// TradeStore persists executed trades.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)
	GetByIdemKey(ctx context.Context, key string) (Trade, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
	ListByOwner(ctx context.Context, ownerRef string, opts ListOpts) ([]Trade, error)
}

// PositionStore persists merged per-owner holdings.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, ownerRef, marketID string, outcomeIdx int) (Position, error)
	ListByOwner(ctx context.Context, ownerRef string, opts ListOpts) ([]Position, error)
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
	ListByTimeline(ctx context.Context, timelineID string) ([]Position, error)
	Leaderboard(ctx context.Context, timelineID string, limit int) ([]LeaderboardEntry, error)
}

// TimelineStore persists the fork registry.
type TimelineStore interface {
	Create(ctx context.Context, t Timeline) error
	Update(ctx context.Context, t Timeline) error
	GetByID(ctx context.Context, id string) (Timeline, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Timeline, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Timeline, error)
	CountActiveByVisibility(ctx context.Context, v TimelineVisibility) (int64, error)
}

// AgentStore persists agents and their lineage.
type AgentStore interface {
	Create(ctx context.Context, a Agent) error
	Update(ctx context.Context, a Agent) error
	GetByID(ctx context.Context, id string) (Agent, error)
	ListLive(ctx context.Context) ([]Agent, error)
	List(ctx context.Context, opts ListOpts) ([]Agent, error)
	ListInactiveSince(ctx context.Context, cutoff time.Time) ([]Agent, error)
	AddRelation(ctx context.Context, r AgentRelation) error
	ListRelations(ctx context.Context, agentID string) ([]AgentRelation, error)
}

// AttributionStore persists the append-only builder attribution log.
type AttributionStore interface {
	Insert(ctx context.Context, rec BuilderAttributionRecord) error
	ListRecent(ctx context.Context, limit int) ([]BuilderAttributionRecord, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// ParadoxStore persists logic-gap incidents.
type ParadoxStore interface {
	Create(ctx context.Context, p Paradox) error
	Update(ctx context.Context, p Paradox) error
	GetOpenByTimeline(ctx context.Context, timelineID string) (Paradox, error)
	ListOpen(ctx context.Context) ([]Paradox, error)
}

// ModeStore persists the supervisor's current state and transition audit.
type ModeStore interface {
	SaveState(ctx context.Context, st ModeState) error
	LoadState(ctx context.Context) (ModeState, error)
	AppendTransition(ctx context.Context, tr ModeTransition) error
	ListTransitions(ctx context.Context, opts ListOpts) ([]ModeTransition, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
