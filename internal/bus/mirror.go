package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/echelonworks/echelond/internal/domain"
)

// EventStream is the Redis stream every bus event is mirrored onto, for
// replay and cross-process consumers.
const EventStream = "echelon:events"

// eventChannel is the pub/sub channel mirrored alongside the stream.
const eventChannel = "echelon:events:live"

// Mirror copies every bus event onto a durable stream and a live pub/sub
// channel. Mirror itself is just another subscriber, so a stalled Redis
// gets it dropped like any other slow consumer instead of stalling trade
// execution.
type Mirror struct {
	bus    *Bus
	sink   domain.EventMirror
	logger *slog.Logger
}

// NewMirror wires a mirror against the bus and a sink.
func NewMirror(b *Bus, sink domain.EventMirror, logger *slog.Logger) *Mirror {
	return &Mirror{
		bus:    b,
		sink:   sink,
		logger: logger.With(slog.String("component", "bus_mirror")),
	}
}

// Run subscribes and copies until ctx ends. It returns nil when the bus
// detaches the mirror so a restart stays an operator decision.
func (m *Mirror) Run(ctx context.Context) error {
	sub := m.bus.Subscribe("event_mirror")
	defer m.bus.Unsubscribe(sub)

	_ = Drain(ctx, sub, func(evt domain.Event) {
		payload, jerr := json.Marshal(evt)
		if jerr != nil {
			m.logger.ErrorContext(ctx, "marshal event",
				slog.String("kind", string(evt.Kind)),
				slog.String("error", jerr.Error()),
			)
			return
		}
		if aerr := m.sink.StreamAppend(ctx, EventStream, payload); aerr != nil {
			m.logger.WarnContext(ctx, "stream append failed",
				slog.Uint64("seq", evt.Seq),
				slog.String("error", aerr.Error()),
			)
		}
		if perr := m.sink.Publish(ctx, eventChannel, payload); perr != nil {
			m.logger.WarnContext(ctx, "live publish failed",
				slog.Uint64("seq", evt.Seq),
				slog.String("error", perr.Error()),
			)
		}
	})
	if why, dropped := sub.DropReason(); dropped && why == DropSlow && ctx.Err() == nil {
		m.logger.Warn("mirror dropped by bus, events no longer mirrored")
	}
	return nil
}
