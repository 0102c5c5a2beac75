package domain

import (
	"context"
	"time"
)

// VenueName identifies an external trading platform.
type VenueName string

const (
	VenuePolymarket VenueName = "polymarket"
	VenueKalshi     VenueName = "kalshi"
)

// VenueMarket is a market listing returned by an external platform,
// normalized across venues.
type VenueMarket struct {
	Venue    VenueName
	Ref      string // venue-native market id or ticker
	Question string
	Outcomes []string
	YesPrice float64
	NoPrice  float64
	Volume   float64
	EndsAt   *time.Time
}

// BookLevel is one price level of an external order book.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a venue order book snapshot for one market.
type OrderBook struct {
	Venue     VenueName
	MarketRef string
	Bids      []BookLevel
	Asks      []BookLevel
	FetchedAt time.Time
}

// BestBid returns the highest bid, or 0 when the book is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 when the book is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// VenueOrderStatus tracks an external order's lifecycle.
type VenueOrderStatus string

const (
	VenueOrderPending   VenueOrderStatus = "pending"
	VenueOrderOpen      VenueOrderStatus = "open"
	VenueOrderFilled    VenueOrderStatus = "filled"
	VenueOrderCancelled VenueOrderStatus = "cancelled"
	VenueOrderRejected  VenueOrderStatus = "rejected"
)

// VenueOrderRequest is an outbound order. BuilderCode is stamped by the
// adapter transport on every request; callers leave it empty.
type VenueOrderRequest struct {
	MarketRef   string
	Outcome     string
	Side        TradeSide
	Price       float64
	Size        float64
	BuilderCode string
	AgentRef    string // originating agent, empty for user-routed orders
	ClientID    string // caller-chosen id for reconciliation
}

// VenueOrderAck is the venue's acknowledgement of an accepted order.
type VenueOrderAck struct {
	Venue       VenueName
	OrderID     string
	ClientID    string
	Status      VenueOrderStatus
	FilledSize  float64
	FilledPrice float64
	AckedAt     time.Time
}

// VenuePosition is an externally held position.
type VenuePosition struct {
	Venue     VenueName
	MarketRef string
	Outcome   string
	Size      float64
	AvgPrice  float64
}

// StreamUpdate is one message from a venue's market-data stream.
type StreamUpdate struct {
	Venue     VenueName
	MarketRef string
	Kind      string // "book", "trade", "status"
	YesPrice  float64
	NoPrice   float64
	At        time.Time
}

// Venue is the normalized external platform client. Implementations sit
// behind the shared transport, which applies rate limits, retries,
// circuit breaking and builder attribution.
type Venue interface {
	Name() VenueName
	SearchMarkets(ctx context.Context, query string, limit int) ([]VenueMarket, error)
	GetOrderBook(ctx context.Context, marketRef string) (OrderBook, error)
	CreateOrder(ctx context.Context, req VenueOrderRequest) (VenueOrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]VenuePosition, error)
	Stream(ctx context.Context, marketRefs []string, fn func(StreamUpdate)) error
}
