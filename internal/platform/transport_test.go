package platform

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(limits Limits) (*Transport, *[]time.Duration) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	tr := NewTransport(domain.VenuePolymarket, limits, clk, nil, testLogger())
	var slept []time.Duration
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return tr, &slept
}

func getBuilder(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestNonBlockingExhaustsBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The Polymarket bucket starts full; one more request than the burst
	// finds it dry.
	tr, _ := newTestTransport(PolymarketLimits)
	ctx := context.Background()
	for i := 0; i < PolymarketLimits.Burst; i++ {
		_, err := tr.Do(ctx, getBuilder(srv.URL), NonBlocking())
		require.NoError(t, err, "request %d should pass", i)
	}
	_, err := tr.Do(ctx, getBuilder(srv.URL), NonBlocking())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

// admittedInWindow replays greedy admission attempts against a fresh
// bucket of the given shape over one window, on virtual time.
func admittedInWindow(lim Limits, window time.Duration, attempts int) int {
	limiter := rate.NewLimiter(lim.Rate, lim.Burst)
	start := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	step := window / time.Duration(attempts)
	admitted := 0
	for i := 0; i < attempts; i++ {
		if limiter.AllowN(start.Add(time.Duration(i)*step), 1) {
			admitted++
		}
	}
	return admitted
}

func TestVenueLimitsCapTheRollingWindow(t *testing.T) {
	cases := []struct {
		name   string
		lim    Limits
		window time.Duration
		cap    int
	}{
		{"polymarket 100 per minute", PolymarketLimits, time.Minute, 100},
		{"kalshi 10 per second", KalshiLimits, time.Second, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// A full bucket plus a whole window's refill must stay inside
			// the cap, so no placement of the window can exceed it.
			worst := float64(tc.lim.Burst) + float64(tc.lim.Rate)*tc.window.Seconds()
			assert.LessOrEqual(t, worst, float64(tc.cap)+1e-9)

			// Hammering the bucket for one window admits at most the cap.
			got := admittedInWindow(tc.lim, tc.window, 4*tc.cap)
			assert.LessOrEqual(t, got, tc.cap)
			assert.GreaterOrEqual(t, got, tc.lim.Burst, "the initial burst always fits")
		})
	}
}

func TestWindowLimitsShape(t *testing.T) {
	lim := WindowLimits(100, time.Minute)
	assert.Equal(t, 20, lim.Burst)
	assert.InDelta(t, 80.0/60.0, float64(lim.Rate), 1e-9)

	// Degenerate caps still refill, just slower than the window.
	one := WindowLimits(1, time.Second)
	assert.Equal(t, 1, one.Burst)
	assert.Greater(t, float64(one.Rate), 0.0)
	assert.Less(t, float64(one.Rate)*1.0, 1.0)
}

func TestBlockingWaitsForToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// 50 tokens/s, burst 1: the second call must wait ~20ms, not fail.
	tr, _ := newTestTransport(Limits{Rate: rate.Limit(50), Burst: 1})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := tr.Do(ctx, getBuilder(srv.URL))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr, slept := newTestTransport(Limits{Rate: rate.Limit(1000), Burst: 1000})
	body, err := tr.Do(context.Background(), getBuilder(srv.URL))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), hits.Load())
	// One backoff per retry, doubling.
	require.Len(t, *slept, 2)
	assert.GreaterOrEqual(t, (*slept)[1], (*slept)[0])
}

func TestRetryBudgetExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	tr, _ := newTestTransport(Limits{Rate: rate.Limit(1000), Burst: 1000})
	_, err := tr.Do(context.Background(), getBuilder(srv.URL))
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRetryAfterHonored(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, slept := newTestTransport(Limits{Rate: rate.Limit(1000), Burst: 1000})
	_, err := tr.Do(context.Background(), getBuilder(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	require.NotEmpty(t, *slept)
	assert.Equal(t, 2*time.Second, (*slept)[0])
}

func TestClientErrorsNeverRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr, _ := newTestTransport(Limits{Rate: rate.Limit(1000), Burst: 1000})
	_, err := tr.Do(context.Background(), getBuilder(srv.URL))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNoRetryOption(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, _ := newTestTransport(Limits{Rate: rate.Limit(1000), Burst: 1000})
	_, err := tr.Do(context.Background(), getBuilder(srv.URL), NoRetry())
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, int32(1), hits.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, _ := newTestTransport(Limits{Rate: rate.Limit(10000), Burst: 10000})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := tr.Do(ctx, getBuilder(srv.URL))
		require.ErrorIs(t, err, domain.ErrNetwork)
	}
	before := hits.Load()

	// Breaker is open: the next call short-circuits without touching HTTP.
	_, err := tr.Do(ctx, getBuilder(srv.URL))
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, before, hits.Load())
}

func TestAttributorRecordsExactlyOnePerAck(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	store := memory.NewAttributionStore()
	b := bus.New(testLogger(), nil)
	sub := b.Subscribe("test", domain.EventTradeExecuted)
	defer b.Unsubscribe(sub)

	attr := NewAttributor("ech-builder-01", store, b, clk, testLogger())

	req := domain.VenueOrderRequest{
		MarketRef: "TICK-1",
		Outcome:   "Yes",
		Side:      domain.TradeSideBuy,
		Price:     0.42,
		Size:      100,
		AgentRef:  "agent:a1",
		ClientID:  "c1",
	}
	attr.Stamp(&req)
	assert.Equal(t, "ech-builder-01", req.BuilderCode)

	ack := domain.VenueOrderAck{
		Venue:   domain.VenueKalshi,
		OrderID: "ord-77",
		Status:  domain.VenueOrderFilled,
		AckedAt: clk.Now(),
	}
	require.NoError(t, attr.RecordAck(context.Background(), req, ack))

	recs, err := store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ord-77", recs[0].OrderID)
	assert.Equal(t, "ech-builder-01", recs[0].BuilderCode)
	assert.Equal(t, "agent:a1", recs[0].AgentRef)
	assert.Equal(t, 0.42, recs[0].Price)
	assert.Equal(t, 100.0, recs[0].Size)

	select {
	case evt := <-sub.C():
		rec, ok := evt.Payload.(domain.BuilderAttributionRecord)
		require.True(t, ok)
		assert.Equal(t, "ord-77", rec.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no attribution event on the bus")
	}
}
