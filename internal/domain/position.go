package domain

import "time"

// Position is the merged holding of one owner in one market outcome.
// Shares and CostBasis grow on buys and shrink proportionally on sells;
// RealizedPnL accumulates the difference between sale proceeds and the
// proportional cost released.
type Position struct {
	ID          string
	MarketID    string
	TimelineID  string
	OwnerRef    string
	OutcomeIdx  int
	Shares      float64
	CostBasis   float64 // total USD paid for the currently held shares
	RealizedPnL float64
	OpenedAt    time.Time
	UpdatedAt   time.Time
}

// AvgPrice returns the average entry price of the held shares.
func (p Position) AvgPrice() float64 {
	if p.Shares <= 0 {
		return 0
	}
	return p.CostBasis / p.Shares
}

// UnrealizedPnL marks the holding against a spot price per share.
func (p Position) UnrealizedPnL(spot float64) float64 {
	return p.Shares*spot - p.CostBasis
}

// LeaderboardEntry ranks one participant inside a timeline.
type LeaderboardEntry struct {
	Rank        int
	OwnerRef    string
	RealizedPnL float64
	TradeCount  int64
}
