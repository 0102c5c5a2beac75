package domain

import "time"

// BuilderAttributionRecord is one row of the append-only attribution log.
// Exactly one record exists per acknowledged external order. AgentRef is
// empty when the order did not originate from an agent.
type BuilderAttributionRecord struct {
	ID          int64
	Venue       VenueName
	OrderID     string
	BuilderCode string
	MarketRef   string
	Side        TradeSide
	Size        float64
	Price       float64
	AgentRef    string
	AckedAt     time.Time
}
