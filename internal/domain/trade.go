package domain

import "time"

// TradeSide indicates whether shares are bought from or sold to the pool.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Valid reports whether the side is one of the two known values.
func (s TradeSide) Valid() bool {
	return s == TradeSideBuy || s == TradeSideSell
}

// Trade is an executed swap against a market pool.
type Trade struct {
	ID         string
	MarketID   string
	TimelineID string
	OwnerRef   string
	OutcomeIdx int
	Side       TradeSide
	AmountUSD  float64
	Shares     float64
	FillPrice  float64
	ImpactBps  float64
	IdemKey    string
	QuoteID    string
	CreatedAt  time.Time
}
