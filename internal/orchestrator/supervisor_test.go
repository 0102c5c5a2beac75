package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/store/memory"
)

var supStart = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type supFixture struct {
	clk   *clock.Fake
	feeds *memory.FeedStatusStore
	modes *memory.ModeStore
	bus   *bus.Bus
	sup   *Supervisor
}

func newSupFixture(t *testing.T) *supFixture {
	t.Helper()
	f := &supFixture{
		clk:   clock.NewFake(supStart),
		feeds: memory.NewFeedStatusStore(),
		modes: memory.NewModeStore(),
		bus:   bus.New(testLogger(), nil),
	}
	f.sup = NewSupervisor(DefaultSupervisorConfig(), f.clk, f.feeds, f.modes, f.bus, nil, testLogger())
	return f
}

// freshFeeds installs one healthy feed per category, market data marked
// critical, all having just delivered.
func (f *supFixture) freshFeeds(t *testing.T) {
	t.Helper()
	now := f.clk.Now()
	for _, def := range []struct {
		tag      string
		cat      domain.FeedCategory
		critical bool
	}{
		{"reuters", domain.FeedCategoryNews, false},
		{"x-firehose", domain.FeedCategorySocial, false},
		{"polymarket-ws", domain.FeedCategoryMarketData, true},
		{"base-rpc", domain.FeedCategoryChain, true},
	} {
		require.NoError(t, f.feeds.Upsert(context.Background(), domain.FeedStatus{
			SourceTag:  def.tag,
			Category:   def.cat,
			Healthy:    true,
			Confidence: 1.0,
			LastOKAt:   now,
			Critical:   def.critical,
			UpdatedAt:  now,
		}))
	}
}

func (f *supFixture) touchAll(t *testing.T, confidence float64) {
	t.Helper()
	now := f.clk.Now()
	feeds, err := f.feeds.List(context.Background())
	require.NoError(t, err)
	for _, fs := range feeds {
		fs.LastOKAt = now
		fs.Healthy = true
		fs.Confidence = confidence
		fs.UpdatedAt = now
		require.NoError(t, f.feeds.Upsert(context.Background(), fs))
	}
}

func (f *supFixture) silence(t *testing.T, tag string, since time.Duration) {
	t.Helper()
	fs, err := f.feeds.Get(context.Background(), tag)
	require.NoError(t, err)
	fs.LastOKAt = f.clk.Now().Add(-since)
	fs.Healthy = false
	require.NoError(t, f.feeds.Upsert(context.Background(), fs))
}

func TestHealthyFeedsStayAutonomous(t *testing.T) {
	f := newSupFixture(t)
	f.freshFeeds(t)
	require.NoError(t, f.sup.Check(context.Background()))
	assert.Equal(t, domain.ModeAutonomous, f.sup.State().Tier)
}

func TestCriticalFeedAbsenceForcesSurvivalImmediately(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	require.NoError(t, f.sup.Check(ctx))

	degraded := f.bus.Subscribe("test-degraded", domain.EventFeedDegraded)
	defer f.bus.Unsubscribe(degraded)
	changed := f.bus.Subscribe("test-mode", domain.EventModeChanged)
	defer f.bus.Unsubscribe(changed)

	// The market-data feed goes silent for 11 minutes.
	f.clk.Advance(11 * time.Minute)
	f.touchAll(t, 1.0)
	f.silence(t, "polymarket-ws", 11*time.Minute)
	require.NoError(t, f.sup.Check(ctx))

	assert.Equal(t, domain.ModeSurvival, f.sup.State().Tier)

	select {
	case evt := <-degraded.C():
		payload, ok := evt.Payload.(domain.FeedDegradedPayload)
		require.True(t, ok)
		assert.Equal(t, "polymarket-ws", payload.SourceTag)
	case <-time.After(time.Second):
		t.Fatal("no FeedDegraded event")
	}
	select {
	case evt := <-changed.C():
		payload, ok := evt.Payload.(domain.ModeChangedPayload)
		require.True(t, ok)
		assert.Equal(t, domain.ModeSurvival, payload.To)
	case <-time.After(time.Second):
		t.Fatal("no ModeChanged event")
	}
}

func TestStaleFeedDropsToDegraded(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	require.NoError(t, f.sup.Check(ctx))

	f.clk.Advance(6 * time.Minute)
	f.touchAll(t, 1.0)
	f.silence(t, "reuters", 6*time.Minute)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier)
}

func TestLowAggregateDropsToDegraded(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier)
}

func TestRecoveryToAutonomousNeedsDwell(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	require.Equal(t, domain.ModeDegraded, f.sup.State().Tier)

	// Confidence recovers, but the 30 minute dwell has not elapsed.
	f.touchAll(t, 0.95)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier)

	f.clk.Advance(29 * time.Minute)
	f.touchAll(t, 0.95)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier)

	f.clk.Advance(2 * time.Minute)
	f.touchAll(t, 0.95)
	f.clk.ConsumeVRF([32]byte{1})
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeAutonomous, f.sup.State().Tier)
}

func TestDipResetsRecoveryDwell(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	require.Equal(t, domain.ModeDegraded, f.sup.State().Tier)

	// 20 minutes healthy, a dip, then healthy again: the clock restarts.
	f.touchAll(t, 0.95)
	require.NoError(t, f.sup.Check(ctx))
	f.clk.Advance(20 * time.Minute)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	f.clk.Advance(15 * time.Minute)
	f.touchAll(t, 0.95)
	f.clk.ConsumeVRF([32]byte{1})
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier,
		"dwell must restart after the condition cleared")
}

func TestMissingVRFCapsRecoveryAtDegraded(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	require.Equal(t, domain.ModeDegraded, f.sup.State().Tier)

	f.touchAll(t, 0.95)
	require.NoError(t, f.sup.Check(ctx))
	f.clk.Advance(31 * time.Minute)
	f.touchAll(t, 0.95)
	// No VRF word consumed: autonomy stays out of reach.
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier)
}

func TestPartialRecoveryFromSurvival(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	f.silence(t, "polymarket-ws", 11*time.Minute)
	require.NoError(t, f.sup.Check(ctx))
	require.Equal(t, domain.ModeSurvival, f.sup.State().Tier)

	// Feeds come back at moderate confidence: 60 minutes at >= 0.6 steps
	// down to degraded, not straight to autonomous.
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeSurvival, f.sup.State().Tier)

	f.clk.Advance(61 * time.Minute)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeDegraded, f.sup.State().Tier)
}

func TestTwoCategoriesDownForcesSurvival(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	require.NoError(t, f.sup.Check(ctx))

	f.silence(t, "reuters", time.Minute)
	f.silence(t, "x-firehose", time.Minute)
	require.NoError(t, f.sup.Check(ctx))
	assert.Equal(t, domain.ModeSurvival, f.sup.State().Tier)
}

func TestFeedDegradedFiresOncePerOutage(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	sub := f.bus.Subscribe("test", domain.EventFeedDegraded)
	defer f.bus.Unsubscribe(sub)

	f.silence(t, "reuters", time.Minute)
	require.NoError(t, f.sup.Check(ctx))
	require.NoError(t, f.sup.Check(ctx))

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("no FeedDegraded event")
	}
	select {
	case evt := <-sub.C():
		t.Fatalf("stuck feed alerted twice: seq %d", evt.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionsArePersisted(t *testing.T) {
	f := newSupFixture(t)
	ctx := context.Background()
	f.freshFeeds(t)
	f.touchAll(t, 0.7)
	require.NoError(t, f.sup.Check(ctx))

	st, err := f.modes.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDegraded, st.Tier)

	trs, err := f.modes.ListTransitions(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, trs)
	assert.Equal(t, domain.ModeAutonomous, trs[len(trs)-1].From)
	assert.Equal(t, domain.ModeDegraded, trs[len(trs)-1].To)
}
