package signal

import (
	"context"
	"errors"
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

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestService(t *testing.T) (*Service, *clock.Fake, *bus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	b := bus.New(testLogger(), nil)
	t.Cleanup(b.Close)
	svc := New(
		Config{DedupTTL: 24 * time.Hour, RecencyKeep: 128, QueryLimitMax: 100},
		clk,
		memory.NewSignalStore(),
		memory.NewFeedStatusStore(),
		memory.NewRecencyIndex(),
		memory.NewDedupGuard(),
		memory.NewFeedStatusCache(),
		b,
		nil,
		testLogger(),
	)
	return svc, clk, b
}

func TestSignalID(t *testing.T) {
	t.Parallel()

	a := SignalID("reuters", "election polls tighten")
	b := SignalID("reuters", "election polls tighten")
	c := SignalID("ap", "election polls tighten")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, "^0x[0-9a-f]{64}$", a)

	// The separator keeps tag/payload boundaries from colliding.
	assert.NotEqual(t, SignalID("ab", "c"), SignalID("a", "bc"))
}

func TestNormalizeTopic(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"US Election":     "us_election",
		"us-election":     "us_election",
		"  Fed/Rates  ":   "fed_rates",
		"crypto.markets":  "crypto_markets",
		"already_snaked":  "already_snaked",
	} {
		assert.Equal(t, want, NormalizeTopic(in), "input %q", in)
	}
}

func TestScoreBlendsTierPrior(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.90, Score(domain.SourceTierPremium, 0), 1e-9)
	assert.InDelta(t, 0.45, Score(domain.SourceTierPremium, 0.5), 1e-9)
	assert.InDelta(t, 0.60, Score(domain.SourceTierFree, 1.0), 1e-9)
	assert.InDelta(t, 0.75, Score(domain.SourceTierDecentralized, 2.0), 1e-9, "raw score clamps to 1")
}

func TestIngestThenQueryRoundTrip(t *testing.T) {
	t.Parallel()

	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, domain.Signal{
		SourceTag: "reuters",
		Tier:      domain.SourceTierPremium,
		Category:  domain.FeedCategoryNews,
		Topic:     "US Election",
		Payload:   "polls tighten in swing states",
		RawScore:  0.8,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "us_election", res.Signal.Topic)
	assert.InDelta(t, 0.72, res.Signal.Confidence, 1e-9)

	got, err := svc.Query(ctx, "us_election", clk.Now().Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.Signal.ID, got[0].ID)
}

func TestIngestDeduplicates(t *testing.T) {
	t.Parallel()

	svc, clk, b := newTestService(t)
	ctx := context.Background()
	sub := b.Subscribe("test", domain.EventSignalIngested)

	sig := domain.Signal{
		SourceTag: "ap",
		Tier:      domain.SourceTierFree,
		Category:  domain.FeedCategoryNews,
		Topic:     "fed_rates",
		Payload:   "rate cut expected in september",
	}

	first, err := svc.Ingest(ctx, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Any number of re-ingestions leaves the store as after one.
	for i := 0; i < 5; i++ {
		dup, err := svc.Ingest(ctx, sig)
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, first.Signal.ID, dup.Signal.ID)
	}

	got, err := svc.Query(ctx, "fed_rates", clk.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Exactly one SignalIngested event.
	select {
	case evt := <-sub.C():
		assert.Equal(t, domain.EventSignalIngested, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no SignalIngested event")
	}
	select {
	case evt := <-sub.C():
		t.Fatalf("duplicate ingest emitted a second event: seq %d", evt.Seq)
	default:
	}
}

func TestQueryOrderNewestFirstStableTieBreak(t *testing.T) {
	t.Parallel()

	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	base := clk.Now()

	// Two signals share an observation instant; a third is newer.
	for _, payload := range []string{"alpha", "bravo"} {
		_, err := svc.Ingest(ctx, domain.Signal{
			SourceTag:  "osint",
			Tier:       domain.SourceTierFree,
			Topic:      "conflict",
			Payload:    payload,
			ObservedAt: base,
		})
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)
	_, err := svc.Ingest(ctx, domain.Signal{
		SourceTag:  "osint",
		Tier:       domain.SourceTierFree,
		Topic:      "conflict",
		Payload:    "charlie",
		ObservedAt: clk.Now(),
	})
	require.NoError(t, err)

	got, err := svc.Query(ctx, "conflict", base.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "charlie", got[0].Payload)
	assert.True(t, got[1].ID < got[2].ID, "equal timestamps tie-break by id ascending")
}

func TestIngestRejectsIncomplete(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, domain.Signal{SourceTag: "x", Topic: "t"})
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	_, err = svc.Ingest(ctx, domain.Signal{SourceTag: "x", Payload: "p"})
	assert.ErrorIs(t, err, domain.ErrInvalidArg)
}

func TestTouchTracksHealthAndConfidence(t *testing.T) {
	t.Parallel()

	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Touch(ctx, "coindesk", domain.FeedCategoryMarketData, true, true, nil, clk.Now()))
	fs, err := svc.feeds.Get(ctx, "coindesk")
	require.NoError(t, err)
	assert.True(t, fs.Healthy)
	assert.InDelta(t, 0.6, fs.Confidence, 1e-9, "0.5 prior moved toward 1 by alpha")

	clk.Advance(time.Minute)
	require.NoError(t, svc.Touch(ctx, "coindesk", domain.FeedCategoryMarketData, true, false, errors.New("timeout"), clk.Now()))
	fs, err = svc.feeds.Get(ctx, "coindesk")
	require.NoError(t, err)
	assert.False(t, fs.Healthy)
	assert.Equal(t, "timeout", fs.LastError)
	assert.Equal(t, 1, fs.ConsecErrs)
	assert.InDelta(t, 0.48, fs.Confidence, 1e-9)
	assert.Equal(t, time.Minute, fs.Staleness(clk.Now()))
}
