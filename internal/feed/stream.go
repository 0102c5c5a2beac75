package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
)

// VenueStream turns a venue's market-data stream into a critical
// market_data feed: every update becomes a signal and counts as a
// successful delivery for the health ledger.
type VenueStream struct {
	venue  domain.Venue
	topics map[string]string // market ref -> topic
	svc    Ingestor
	clk    clock.Clock
	logger *slog.Logger
}

// NewVenueStream wires a venue stream feed. topics maps each streamed
// market ref to the signal topic it reports on.
func NewVenueStream(venue domain.Venue, topics map[string]string, svc Ingestor, clk clock.Clock, logger *slog.Logger) *VenueStream {
	return &VenueStream{
		venue:  venue,
		topics: topics,
		svc:    svc,
		clk:    clk,
		logger: logger.With(
			slog.String("component", "venue_stream"),
			slog.String("venue", string(venue.Name()))),
	}
}

func (v *VenueStream) tag() string {
	return string(v.venue.Name()) + "-stream"
}

// Run streams until ctx ends. The venue client owns reconnection; a
// terminal stream error is recorded as a failed delivery before
// returning.
func (v *VenueStream) Run(ctx context.Context) error {
	refs := make([]string, 0, len(v.topics))
	for ref := range v.topics {
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		v.logger.Info("no markets to stream")
		<-ctx.Done()
		return ctx.Err()
	}

	err := v.venue.Stream(ctx, refs, v.onUpdate)
	if err != nil && ctx.Err() == nil {
		v.touch(context.WithoutCancel(ctx), false, err)
	}
	return err
}

func (v *VenueStream) onUpdate(u domain.StreamUpdate) {
	topic, ok := v.topics[u.MarketRef]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	at := u.At
	if at.IsZero() {
		at = v.clk.Now()
	}
	_, err := v.svc.Ingest(ctx, domain.Signal{
		SourceTag: v.tag(),
		Tier:      domain.SourceTierPremium,
		Category:  domain.FeedCategoryMarketData,
		Topic:     topic,
		Payload: fmt.Sprintf("%s %s yes=%.4f no=%.4f at=%d",
			u.MarketRef, u.Kind, u.YesPrice, u.NoPrice, at.UnixMilli()),
		RawScore:   u.YesPrice,
		ObservedAt: at,
	})
	if err != nil {
		v.logger.Warn("stream ingest failed",
			slog.String("market_ref", u.MarketRef),
			slog.String("error", err.Error()))
		return
	}
	v.touch(ctx, true, nil)
}

func (v *VenueStream) touch(ctx context.Context, ok bool, cause error) {
	if err := v.svc.Touch(ctx, v.tag(), domain.FeedCategoryMarketData, true, ok, cause, v.clk.Now()); err != nil {
		v.logger.Warn("feed status update failed", slog.String("error", err.Error()))
	}
}
