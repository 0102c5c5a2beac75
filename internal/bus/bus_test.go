package bus

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil)
	defer b.Close()

	a := b.Subscribe("a")
	c := b.Subscribe("c")

	evt := b.Publish(domain.Event{Kind: domain.EventSignalIngested})
	assert.Equal(t, uint64(1), evt.Seq)
	assert.False(t, evt.At.IsZero())

	for _, sub := range []*Subscription{a, c} {
		select {
		case got := <-sub.C():
			assert.Equal(t, domain.EventSignalIngested, got.Kind)
			assert.Equal(t, uint64(1), got.Seq)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive event", sub.Name())
		}
	}
}

func TestKindFilter(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil)
	defer b.Close()

	trades := b.Subscribe("trades_only", domain.EventTradeExecuted)

	b.Publish(domain.Event{Kind: domain.EventSignalIngested})
	b.Publish(domain.Event{Kind: domain.EventTradeExecuted})

	select {
	case got := <-trades.C():
		assert.Equal(t, domain.EventTradeExecuted, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber did not receive matching event")
	}
	select {
	case got := <-trades.C():
		t.Fatalf("unexpected extra event: %s", got.Kind)
	default:
	}
}

func TestSeqIsMonotonic(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe("seq_watcher")
	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(domain.Event{Kind: domain.EventAgentActed})
	}

	var last uint64
	for i := 0; i < n; i++ {
		select {
		case evt := <-sub.C():
			require.Greater(t, evt.Seq, last)
			last = evt.Seq
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil, WithQueueSize(1), WithPublishGrace(5*time.Millisecond))
	defer b.Close()

	slow := b.Subscribe("slow") // never drained
	fast := b.Subscribe("fast")

	// First fill the slow queue, then exceed it.
	b.Publish(domain.Event{Kind: domain.EventModeChanged})
	b.Publish(domain.Event{Kind: domain.EventModeChanged})

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	why, dropped := slow.DropReason()
	require.True(t, dropped)
	assert.Equal(t, DropSlow, why)

	// The fast subscriber saw both events and stays attached.
	for i := 0; i < 2; i++ {
		select {
		case <-fast.C():
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed event %d", i)
		}
	}
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestPublishersNotBlockedBySlowConsumer(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil, WithQueueSize(1), WithPublishGrace(10*time.Millisecond))
	defer b.Close()

	b.Subscribe("stuck") // never drained

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Publish(domain.Event{Kind: domain.EventTradeExecuted})
	}
	// One grace period at most: the subscriber is gone after the first
	// timed-out publish.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribeIsGraceful(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe("leaving")
	b.Unsubscribe(sub)

	why, dropped := sub.DropReason()
	require.True(t, dropped)
	assert.Equal(t, DropClosed, why)

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(domain.Event{Kind: domain.EventExportReady})
	select {
	case evt := <-sub.C():
		t.Fatalf("detached subscriber received %s", evt.Kind)
	default:
	}
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil)
	defer b.Close()

	sub := b.Subscribe("drainer")
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen int
	done := make(chan error, 1)
	go func() {
		done <- Drain(ctx, sub, func(domain.Event) {
			mu.Lock()
			seen++
			mu.Unlock()
		})
	}()

	b.Publish(domain.Event{Kind: domain.EventMarketCreated})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("drain did not stop on cancel")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), nil, WithQueueSize(1024))
	defer b.Close()

	sub := b.Subscribe("collector")

	const workers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				b.Publish(domain.Event{Kind: domain.EventAgentActed})
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < workers*per; i++ {
		select {
		case evt := <-sub.C():
			require.False(t, seen[evt.Seq], "duplicate seq %d", evt.Seq)
			seen[evt.Seq] = true
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d events", i, workers*per)
		}
	}
}
