package polymarket

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// gammaMarket is one row from the Gamma /markets endpoint. Outcomes and
// prices arrive as JSON arrays encoded inside strings.
type gammaMarket struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	ConditionID   string `json:"conditionId"`
	Outcomes      string `json:"outcomes"`
	OutcomePrices string `json:"outcomePrices"`
	Volume        string `json:"volume"`
	EndDate       string `json:"endDate"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
}

func (g *gammaMarket) toVenueMarket() domain.VenueMarket {
	m := domain.VenueMarket{
		Venue:    domain.VenuePolymarket,
		Ref:      g.ID,
		Question: g.Question,
	}
	_ = json.Unmarshal([]byte(g.Outcomes), &m.Outcomes)

	var prices []string
	_ = json.Unmarshal([]byte(g.OutcomePrices), &prices)
	if len(prices) > 0 {
		m.YesPrice, _ = strconv.ParseFloat(prices[0], 64)
	}
	if len(prices) > 1 {
		m.NoPrice, _ = strconv.ParseFloat(prices[1], 64)
	}
	m.Volume, _ = strconv.ParseFloat(g.Volume, 64)
	if at, err := time.Parse(time.RFC3339, g.EndDate); err == nil {
		m.EndsAt = &at
	}
	return m
}

// bookLevel is a CLOB price level; numbers come over the wire as strings.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market string      `json:"market"`
	Asset  string      `json:"asset_id"`
	Bids   []bookLevel `json:"bids"`
	Asks   []bookLevel `json:"asks"`
}

func (b *bookResponse) toOrderBook(ref string, at time.Time) domain.OrderBook {
	out := domain.OrderBook{
		Venue:     domain.VenuePolymarket,
		MarketRef: ref,
		FetchedAt: at,
	}
	for _, lv := range b.Bids {
		out.Bids = append(out.Bids, toLevel(lv))
	}
	for _, lv := range b.Asks {
		out.Asks = append(out.Asks, toLevel(lv))
	}
	return out
}

func toLevel(lv bookLevel) domain.BookLevel {
	p, _ := strconv.ParseFloat(lv.Price, 64)
	s, _ := strconv.ParseFloat(lv.Size, 64)
	return domain.BookLevel{Price: p, Size: s}
}

// orderPayload is the outbound CLOB order body.
type orderPayload struct {
	TokenID     string `json:"tokenID"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	ClientID    string `json:"clientOrderId,omitempty"`
	BuilderCode string `json:"builderCode,omitempty"`
}

// orderResult is the CLOB's order acknowledgement.
type orderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

func (r *orderResult) toAck(clientID string, at time.Time) domain.VenueOrderAck {
	ack := domain.VenueOrderAck{
		Venue:    domain.VenuePolymarket,
		OrderID:  r.OrderID,
		ClientID: clientID,
		Status:   mapStatus(r.Status),
		AckedAt:  at,
	}
	ack.FilledSize, _ = strconv.ParseFloat(r.MakingAmount, 64)
	ack.FilledPrice, _ = strconv.ParseFloat(r.TakingAmount, 64)
	if ack.FilledSize > 0 && ack.FilledPrice > 0 {
		ack.FilledPrice /= ack.FilledSize
	}
	return ack
}

func mapStatus(s string) domain.VenueOrderStatus {
	switch s {
	case "matched", "filled":
		return domain.VenueOrderFilled
	case "live", "open":
		return domain.VenueOrderOpen
	case "canceled", "cancelled":
		return domain.VenueOrderCancelled
	case "rejected":
		return domain.VenueOrderRejected
	default:
		return domain.VenueOrderPending
	}
}

// positionRow is one holding from the data API.
type positionRow struct {
	Asset    string  `json:"asset"`
	Outcome  string  `json:"outcome"`
	Size     float64 `json:"size"`
	AvgPrice float64 `json:"avgPrice"`
}

func (p *positionRow) toVenuePosition() domain.VenuePosition {
	return domain.VenuePosition{
		Venue:     domain.VenuePolymarket,
		MarketRef: p.Asset,
		Outcome:   p.Outcome,
		Size:      p.Size,
		AvgPrice:  p.AvgPrice,
	}
}

// wsCommand is a stream subscribe/unsubscribe message.
type wsCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Assets  []string `json:"assets_ids"`
}

// wsBookMessage is a full book snapshot from the market channel.
type wsBookMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Buys      []bookLevel `json:"buys"`
	Sells     []bookLevel `json:"sells"`
	Timestamp string      `json:"timestamp"`
}

// wsPriceMessage is an incremental price update.
type wsPriceMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}
