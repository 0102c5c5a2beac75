package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/domain"
)

// alertKinds are the bus events worth paging an operator about. The
// configured event filter on the Notifier narrows this further.
var alertKinds = []domain.EventKind{
	domain.EventModeChanged,
	domain.EventFeedDegraded,
	domain.EventParadoxOpened,
	domain.EventParadoxResolved,
	domain.EventTimelineReaped,
	domain.EventAgentDormant,
}

// Relay drains the bus and turns selected events into notifications.
type Relay struct {
	notifier *Notifier
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewRelay wires the bus into the notifier.
func NewRelay(notifier *Notifier, b *bus.Bus, logger *slog.Logger) *Relay {
	return &Relay{
		notifier: notifier,
		bus:      b,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run consumes alertable events until ctx ends. Delivery failures are
// logged by the notifier and never stop the loop.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.bus.Subscribe("notify_relay", alertKinds...)
	defer r.bus.Unsubscribe(sub)

	return bus.Drain(ctx, sub, func(evt domain.Event) {
		title, message := render(evt)
		if title == "" {
			return
		}
		_ = r.notifier.Notify(ctx, string(evt.Kind), title, message)
	})
}

// render formats one event for a chat channel. Unknown payload shapes
// fall back to a generic line rather than being dropped.
func render(evt domain.Event) (title, message string) {
	switch p := evt.Payload.(type) {
	case domain.ModeChangedPayload:
		return fmt.Sprintf("Mode %s -> %s", p.From, p.To),
			fmt.Sprintf("%s (aggregate confidence %.2f)", p.Reason, p.AggConfidence)
	case domain.FeedDegradedPayload:
		msg := fmt.Sprintf("source %s (%s) stale for %s, confidence %.2f",
			p.SourceTag, p.Category, p.Staleness, p.Confidence)
		if p.LastError != "" {
			msg += "\nlast error: " + p.LastError
		}
		return "Feed degraded", msg
	case domain.Paradox:
		switch evt.Kind {
		case domain.EventParadoxResolved:
			return "Paradox resolved",
				fmt.Sprintf("timeline %s, peak gap %.2f", p.TimelineID, p.PeakGap)
		default:
			msg := fmt.Sprintf("timeline %s, gap %.2f", p.TimelineID, p.OpenGap)
			if p.SaboteurID != "" {
				msg += ", resident saboteur " + p.SaboteurID
			}
			return "Paradox opened", msg
		}
	}

	switch evt.Kind {
	case domain.EventTimelineReaped:
		return "Timeline reaped", fmt.Sprintf("timeline %s collapsed into its parent", evt.TimelineID)
	case domain.EventAgentDormant:
		return "Agent dormant", fmt.Sprintf("agent %s retired from scheduling", evt.AgentID)
	}
	return "Event " + string(evt.Kind), fmt.Sprintf("seq %d", evt.Seq)
}
