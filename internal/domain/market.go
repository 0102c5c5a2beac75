package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
//
// Valid transitions: open→closed, closed→resolving, resolving→resolved,
// open→voided, closed→voided. resolved and voided are terminal.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolving MarketStatus = "resolving"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusVoided    MarketStatus = "voided"
)

// CanTransition reports whether the lifecycle allows moving to next.
func (s MarketStatus) CanTransition(next MarketStatus) bool {
	switch s {
	case MarketStatusOpen:
		return next == MarketStatusClosed || next == MarketStatusVoided
	case MarketStatusClosed:
		return next == MarketStatusResolving || next == MarketStatusVoided
	case MarketStatusResolving:
		return next == MarketStatusResolved
	default:
		return false
	}
}

// MinOutcomes and MaxOutcomes bound the CPMM outcome count.
const (
	MinOutcomes = 2
	MaxOutcomes = 16
)

// Market is a constant-product market inside one timeline. Reserves holds
// one pool balance per outcome; the product of reserves is preserved by
// every trade.
type Market struct {
	ID             string
	TimelineID     string
	Question       string
	Topic          string
	Outcomes       []string
	Reserves       []float64
	SeedLiquidity  float64
	VolumeUSD      float64
	TradeCount     int64
	Status         MarketStatus
	// ExternalVenue and ExternalRef bind the market to a venue listing.
	// Orders from real-capital global timelines route there instead of
	// the internal pool.
	ExternalVenue  VenueName
	ExternalRef    string
	WinningOutcome *int
	DisputeUntil   *time.Time // set when settling under a dispute window
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
	ResolvedAt     *time.Time
}

// Tradable reports whether orders may execute against the market.
func (m Market) Tradable() bool {
	return m.Status == MarketStatusOpen
}

// ExternallyBound reports whether the market carries a venue binding.
func (m Market) ExternallyBound() bool {
	return m.ExternalVenue != "" && m.ExternalRef != ""
}

// Odds returns each outcome's reserve share of the pool. These are the
// displayed odds, not execution prices.
func (m Market) Odds() []float64 {
	total := 0.0
	for _, r := range m.Reserves {
		total += r
	}
	odds := make([]float64, len(m.Reserves))
	if total <= 0 {
		return odds
	}
	for i, r := range m.Reserves {
		odds[i] = r / total
	}
	return odds
}

// MarginalPrice returns the instantaneous execution price of outcome i:
// the inverse-reserve share. For a binary market this is n/(y+n) for YES.
func (m Market) MarginalPrice(i int) float64 {
	if i < 0 || i >= len(m.Reserves) || m.Reserves[i] <= 0 {
		return 0
	}
	sum := 0.0
	for _, r := range m.Reserves {
		if r <= 0 {
			return 0
		}
		sum += 1 / r
	}
	return (1 / m.Reserves[i]) / sum
}

// Invariant returns the current product of reserves.
func (m Market) Invariant() float64 {
	k := 1.0
	for _, r := range m.Reserves {
		k *= r
	}
	return k
}

// Quote is an advisory pricing of a prospective trade. It never mutates
// market state and expires after a short validity window.
type Quote struct {
	ID             string
	MarketID       string
	OutcomeIdx     int
	Side           TradeSide
	AmountUSD      float64
	Shares         float64
	FillPrice      float64 // average USD per share for the full amount
	PriceImpactBps float64
	PostReserves   []float64
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the quote validity window has passed.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// MarketStats aggregates activity counters for the stats endpoint.
type MarketStats struct {
	OpenMarkets    int64
	ResolvedTotal  int64
	VolumeUSD24h   float64
	TradeCount24h  int64
	TopTopics      []string
}
