package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
)

// Attributor stamps the configured builder code onto outbound orders and
// appends exactly one attribution record per acknowledged order.
type Attributor struct {
	code   string
	store  domain.AttributionStore
	bus    *bus.Bus
	clk    clock.Clock
	logger *slog.Logger
}

// NewAttributor wires the attribution side-channel. b may be nil in tests.
func NewAttributor(code string, store domain.AttributionStore, b *bus.Bus, clk clock.Clock, logger *slog.Logger) *Attributor {
	return &Attributor{
		code:   code,
		store:  store,
		bus:    b,
		clk:    clk,
		logger: logger.With(slog.String("component", "attribution")),
	}
}

// Stamp fills in the builder code. Callers always leave it empty; a
// pre-filled code is overwritten so the configured identity wins.
func (a *Attributor) Stamp(req *domain.VenueOrderRequest) {
	req.BuilderCode = a.code
}

// RecordAck appends the attribution row for one ACK and announces it.
// The venue already accepted the order, so a write failure here is
// surfaced to the caller rather than swallowed.
func (a *Attributor) RecordAck(ctx context.Context, req domain.VenueOrderRequest, ack domain.VenueOrderAck) error {
	rec := domain.BuilderAttributionRecord{
		Venue:       ack.Venue,
		OrderID:     ack.OrderID,
		BuilderCode: a.code,
		MarketRef:   req.MarketRef,
		Side:        req.Side,
		Size:        req.Size,
		Price:       req.Price,
		AgentRef:    req.AgentRef,
		AckedAt:     ack.AckedAt,
	}
	if rec.AckedAt.IsZero() {
		rec.AckedAt = a.clk.Now()
	}
	if err := a.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("platform: attribution insert for order %s: %w", ack.OrderID, err)
	}
	if a.bus != nil {
		a.bus.Publish(domain.Event{
			Kind:    domain.EventTradeExecuted,
			At:      rec.AckedAt,
			AgentID: req.AgentRef,
			Payload: rec,
		})
	}
	a.logger.InfoContext(ctx, "order attributed",
		slog.String("venue", string(ack.Venue)),
		slog.String("order_id", ack.OrderID),
		slog.String("builder_code", a.code),
	)
	return nil
}
