package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (s *recordingSender) Send(ctx context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

func relayFixture(t *testing.T, allowedEvents []string) (*bus.Bus, *recordingSender, context.CancelFunc, chan struct{}) {
	t.Helper()
	sender := &recordingSender{}
	b := bus.New(testLogger(), nil)
	relay := NewRelay(NewNotifier([]Sender{sender}, allowedEvents, testLogger()), b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	return b, sender, cancel, done
}

func TestRelayDeliversModeChange(t *testing.T) {
	b, sender, cancel, done := relayFixture(t, nil)
	defer func() { cancel(); <-done }()

	b.Publish(domain.Event{
		Kind: domain.EventModeChanged,
		Payload: domain.ModeChangedPayload{
			From:          domain.ModeAutonomous,
			To:            domain.ModeSurvival,
			Reason:        "critical feed absent",
			AggConfidence: 0.31,
		},
	})

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Contains(t, sender.titles[0], "Mode")
	assert.Contains(t, sender.bodies[0], "critical feed absent")
	assert.Contains(t, sender.bodies[0], "0.31")
}

func TestRelayHonoursEventFilter(t *testing.T) {
	b, sender, cancel, done := relayFixture(t, []string{"paradox.opened"})
	defer func() { cancel(); <-done }()

	b.Publish(domain.Event{
		Kind:    domain.EventModeChanged,
		Payload: domain.ModeChangedPayload{From: domain.ModeAutonomous, To: domain.ModeDegraded},
	})
	b.Publish(domain.Event{
		Kind: domain.EventParadoxOpened,
		Payload: domain.Paradox{
			TimelineID: "tl-7",
			SaboteurID: "sab-1",
			OpenGap:    0.71,
		},
	})

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "Paradox opened", sender.titles[0])
	assert.Contains(t, sender.bodies[0], "sab-1")
}

func TestRelayIgnoresUninterestingKinds(t *testing.T) {
	b, sender, cancel, done := relayFixture(t, nil)
	defer func() { cancel(); <-done }()

	b.Publish(domain.Event{Kind: domain.EventSignalIngested})
	b.Publish(domain.Event{Kind: domain.EventTradeExecuted})
	b.Publish(domain.Event{Kind: domain.EventTimelineReaped, TimelineID: "tl-3"})

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "Timeline reaped", sender.titles[0])
	assert.Contains(t, sender.bodies[0], "tl-3")
}

func TestRenderFeedDegraded(t *testing.T) {
	title, msg := render(domain.Event{
		Kind: domain.EventFeedDegraded,
		Payload: domain.FeedDegradedPayload{
			SourceTag:  "polymarket-ws",
			Category:   domain.FeedCategoryMarketData,
			Staleness:  "11m0s",
			LastError:  "dial tcp: i/o timeout",
			Confidence: 0.2,
		},
	})
	assert.Equal(t, "Feed degraded", title)
	assert.Contains(t, msg, "polymarket-ws")
	assert.Contains(t, msg, "11m0s")
	assert.Contains(t, msg, "i/o timeout")
}
