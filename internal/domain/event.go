package domain

import "time"

// EventKind names every event the orchestration core emits. The set is
// closed: subscribers filter on these strings and the exporter versions
// its bundles against them.
type EventKind string

const (
	EventMarketCreated   EventKind = "market.created"
	EventMarketQuoted    EventKind = "market.quoted"
	EventTradeExecuted   EventKind = "trade.executed"
	EventPositionUpdated EventKind = "position.updated"
	EventTimelineForked  EventKind = "timeline.forked"
	EventTimelineReaped  EventKind = "timeline.reaped"
	EventSignalIngested  EventKind = "signal.ingested"
	EventFeedDegraded    EventKind = "feed.degraded"
	EventModeChanged     EventKind = "mode.changed"
	EventAgentActed      EventKind = "agent.acted"
	EventAgentDormant    EventKind = "agent.dormant"
	EventParadoxOpened   EventKind = "paradox.opened"
	EventParadoxResolved EventKind = "paradox.resolved"
	EventExportReady     EventKind = "export.ready"

	// EventSettlementIntent announces a market resolution for downstream
	// settlement. The core never settles; it states the intent.
	EventSettlementIntent EventKind = "settlement.intent"
)

// EventKinds lists all kinds, in the order above.
var EventKinds = []EventKind{
	EventMarketCreated, EventMarketQuoted, EventTradeExecuted,
	EventPositionUpdated, EventTimelineForked, EventTimelineReaped,
	EventSignalIngested, EventFeedDegraded, EventModeChanged,
	EventAgentActed, EventAgentDormant, EventParadoxOpened,
	EventParadoxResolved, EventExportReady, EventSettlementIntent,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one entry on the bus. Seq is assigned by the bus at publish
// time and is strictly increasing per process.
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       EventKind `json:"kind"`
	At         time.Time `json:"at"`
	TimelineID string    `json:"timeline_id,omitempty"`
	MarketID   string    `json:"market_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}

// FeedDegradedPayload reports a source dropping below health thresholds.
type FeedDegradedPayload struct {
	SourceTag  string       `json:"source_tag"`
	Category   FeedCategory `json:"category"`
	Staleness  string       `json:"staleness"`
	LastError  string       `json:"last_error,omitempty"`
	Confidence float64      `json:"confidence"`
}

// ModeChangedPayload records one supervisor transition.
type ModeChangedPayload struct {
	From          ModeTier `json:"from"`
	To            ModeTier `json:"to"`
	Reason        string   `json:"reason"`
	AggConfidence float64  `json:"agg_confidence"`
}

// AgentActedPayload summarizes one completed agent action.
type AgentActedPayload struct {
	Archetype AgentArchetype `json:"archetype"`
	Action    string         `json:"action"`
	MarketID  string         `json:"market_id,omitempty"`
	TradeID   string         `json:"trade_id,omitempty"`
	AmountUSD float64        `json:"amount_usd,omitempty"`
	Sanity    float64        `json:"sanity"`
	BudgetUSD float64        `json:"budget_usd"`
}

// ExportReadyPayload announces a finished episode bundle.
type ExportReadyPayload struct {
	Key      string `json:"key"`
	Count    int    `json:"count"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	Bytes    int64  `json:"bytes"`
}
