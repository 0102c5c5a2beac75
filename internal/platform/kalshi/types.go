package kalshi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// marketRow is one market from the Kalshi REST API. Prices are cents.
type marketRow struct {
	Ticker         string  `json:"ticker"`
	EventTicker    string  `json:"event_ticker"`
	Title          string  `json:"title"`
	Subtitle       string  `json:"subtitle"`
	Status         string  `json:"status"`
	YesBid         float64 `json:"yes_bid"`
	YesAsk         float64 `json:"yes_ask"`
	NoBid          float64 `json:"no_bid"`
	NoAsk          float64 `json:"no_ask"`
	LastPrice      float64 `json:"last_price"`
	Volume         int64   `json:"volume"`
	Volume24H      int64   `json:"volume_24h"`
	OpenInterest   int64   `json:"open_interest"`
	ExpirationTime string  `json:"expiration_time"`
	CloseTime      string  `json:"close_time"`
	Result         string  `json:"result"`
}

func (r *marketRow) toVenueMarket() domain.VenueMarket {
	m := domain.VenueMarket{
		Venue:    domain.VenueKalshi,
		Ref:      r.Ticker,
		Question: r.Title,
		Outcomes: []string{"Yes", "No"},
		YesPrice: centsToProb(r.YesAsk),
		NoPrice:  centsToProb(r.NoAsk),
		Volume:   float64(r.Volume),
	}
	if at, err := time.Parse(time.RFC3339, r.CloseTime); err == nil {
		m.EndsAt = &at
	}
	return m
}

// priceLevel is one orderbook level: [price_cents, contracts].
type priceLevel [2]int64

type bookRow struct {
	Yes []priceLevel `json:"yes"`
	No  []priceLevel `json:"no"`
}

// toOrderBook maps the two-sided yes/no book onto bids (yes buys) and
// asks (implied yes sells from the no book: ask = 1 - no_bid).
func (b *bookRow) toOrderBook(ref string, at time.Time) domain.OrderBook {
	out := domain.OrderBook{
		Venue:     domain.VenueKalshi,
		MarketRef: ref,
		FetchedAt: at,
	}
	// Levels arrive ascending; best bid is the highest yes price.
	for i := len(b.Yes) - 1; i >= 0; i-- {
		out.Bids = append(out.Bids, domain.BookLevel{
			Price: centsToProb(float64(b.Yes[i][0])),
			Size:  float64(b.Yes[i][1]),
		})
	}
	for i := len(b.No) - 1; i >= 0; i-- {
		out.Asks = append(out.Asks, domain.BookLevel{
			Price: 1 - centsToProb(float64(b.No[i][0])),
			Size:  float64(b.No[i][1]),
		})
	}
	return out
}

// orderPayload is the outbound portfolio order body.
type orderPayload struct {
	Ticker      string `json:"ticker"`
	Action      string `json:"action"` // buy or sell
	Side        string `json:"side"`   // yes or no
	Type        string `json:"type"`
	Count       int64  `json:"count"`
	YesPrice    *int64 `json:"yes_price,omitempty"`
	NoPrice     *int64 `json:"no_price,omitempty"`
	ClientID    string `json:"client_order_id,omitempty"`
	BuilderCode string `json:"builder_code,omitempty"`
}

type orderResponse struct {
	Order struct {
		OrderID        string `json:"order_id"`
		Ticker         string `json:"ticker"`
		Status         string `json:"status"` // resting, canceled, executed, pending
		YesPrice       int64  `json:"yes_price"`
		NoPrice        int64  `json:"no_price"`
		RemainingCount int64  `json:"remaining_count"`
		TakerFillCount int64  `json:"taker_fill_count"`
		TakerFillCost  int64  `json:"taker_fill_cost"`
	} `json:"order"`
}

func (r *orderResponse) toAck(clientID string, at time.Time) domain.VenueOrderAck {
	o := r.Order
	ack := domain.VenueOrderAck{
		Venue:    domain.VenueKalshi,
		OrderID:  o.OrderID,
		ClientID: clientID,
		AckedAt:  at,
	}
	switch o.Status {
	case "executed":
		ack.Status = domain.VenueOrderFilled
	case "resting":
		ack.Status = domain.VenueOrderOpen
	case "canceled":
		ack.Status = domain.VenueOrderCancelled
	default:
		ack.Status = domain.VenueOrderPending
	}
	ack.FilledSize = float64(o.TakerFillCount)
	if o.TakerFillCount > 0 {
		ack.FilledPrice = centsToProb(float64(o.TakerFillCost) / float64(o.TakerFillCount))
	}
	return ack
}

// positionRow is one portfolio position.
type positionRow struct {
	Ticker        string `json:"ticker"`
	Position      int64  `json:"position"` // signed contract count, yes positive
	MarketValue   int64  `json:"market_value"`
	TotalTraded   int64  `json:"total_traded"`
	RestingOrders int64  `json:"resting_orders_count"`
}

func (p *positionRow) toVenuePosition() domain.VenuePosition {
	pos := domain.VenuePosition{
		Venue:     domain.VenueKalshi,
		MarketRef: p.Ticker,
		Outcome:   "Yes",
		Size:      float64(p.Position),
	}
	if p.Position < 0 {
		pos.Outcome = "No"
		pos.Size = -pos.Size
	}
	if p.Position != 0 {
		pos.AvgPrice = centsToProb(float64(p.TotalTraded) / float64(abs64(p.Position)))
	}
	return pos
}

// errorResponse is the Kalshi API error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsEnvelope wraps every stream frame.
type wsEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
	SID  int64           `json:"sid"`
}

// wsTicker is a ticker-channel update with cent prices.
type wsTicker struct {
	Ticker string `json:"market_ticker"`
	Price  int64  `json:"price"`
	YesBid int64  `json:"yes_bid"`
	YesAsk int64  `json:"yes_ask"`
	TS     int64  `json:"ts"`
}

// wsSubscribe is the stream subscription command.
type wsSubscribe struct {
	ID     int64             `json:"id"`
	Cmd    string            `json:"cmd"`
	Params wsSubscribeParams `json:"params"`
}

type wsSubscribeParams struct {
	Channels []string `json:"channels"`
	Tickers  []string `json:"market_tickers"`
}

func centsToProb(cents float64) float64 {
	return cents / 100
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func titleMatches(title, query string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(query))
}
