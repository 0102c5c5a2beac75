package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/crypto"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/platform"
	"github.com/echelonworks/echelond/internal/store/memory"
)

func newTestClient(t *testing.T, gammaURL, clobURL string) (*Client, *memory.AttributionStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	tr := platform.NewTransport(domain.VenuePolymarket,
		platform.Limits{Rate: rate.Limit(1000), Burst: 1000}, clk, nil, logger)
	store := memory.NewAttributionStore()
	attr := platform.NewAttributor("ech-builder-01", store, nil, clk, logger)
	auth := &crypto.HMACAuth{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}
	c := New(Config{
		GammaURL: gammaURL,
		ClobURL:  clobURL,
		Address:  "0xwallet",
	}, tr, attr, auth, clk, logger)
	return c, store
}

func TestSearchMarketsParsesGammaRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ceasefire", r.URL.Query().Get("q"))
		w.Write([]byte(`[
			{"id":"77","question":"Will the ceasefire hold?",
			 "outcomes":"[\"Yes\",\"No\"]",
			 "outcomePrices":"[\"0.62\",\"0.38\"]",
			 "volume":"125000.5","endDate":"2026-09-30T00:00:00Z","active":true}
		]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL)
	markets, err := c.SearchMarkets(context.Background(), "ceasefire", 10)
	require.NoError(t, err)
	require.Len(t, markets, 1)

	m := markets[0]
	assert.Equal(t, domain.VenuePolymarket, m.Venue)
	assert.Equal(t, "77", m.Ref)
	assert.Equal(t, []string{"Yes", "No"}, m.Outcomes)
	assert.Equal(t, 0.62, m.YesPrice)
	assert.Equal(t, 0.38, m.NoPrice)
	assert.Equal(t, 125000.5, m.Volume)
	require.NotNil(t, m.EndsAt)
}

func TestCreateOrderStampsBuilderCodeAndAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/order", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "0xwallet", r.Header.Get("POLY_ADDRESS"))

		var body struct {
			Order struct {
				BuilderCode string `json:"builderCode"`
				Side        string `json:"side"`
			} `json:"order"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ech-builder-01", body.Order.BuilderCode)
		assert.Equal(t, "BUY", body.Order.Side)

		w.Write([]byte(`{"success":true,"orderID":"ord-9","status":"matched",
			"makingAmount":"100","takingAmount":"42"}`))
	}))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, srv.URL)
	ack, err := c.CreateOrder(context.Background(), domain.VenueOrderRequest{
		MarketRef: "token-1",
		Outcome:   "Yes",
		Side:      domain.TradeSideBuy,
		Price:     0.42,
		Size:      100,
		AgentRef:  "agent:a1",
		ClientID:  "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-9", ack.OrderID)
	assert.Equal(t, domain.VenueOrderFilled, ack.Status)
	assert.Equal(t, 100.0, ack.FilledSize)
	assert.InDelta(t, 0.42, ack.FilledPrice, 1e-9)

	recs, err := store.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ord-9", recs[0].OrderID)
	assert.Equal(t, "ech-builder-01", recs[0].BuilderCode)
	assert.Equal(t, "agent:a1", recs[0].AgentRef)
}

func TestCreateOrderRejectionDoesNotAttribute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"insufficient balance"}`))
	}))
	defer srv.Close()

	c, store := newTestClient(t, srv.URL, srv.URL)
	_, err := c.CreateOrder(context.Background(), domain.VenueOrderRequest{
		MarketRef: "token-1",
		Outcome:   "Yes",
		Side:      domain.TradeSideBuy,
		Price:     0.42,
		Size:      100,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArg)

	recs, _ := store.ListRecent(context.Background(), 10)
	assert.Empty(t, recs)
}

func TestGetOrderBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.URL.Query().Get("token_id"))
		w.Write([]byte(`{"market":"m","asset_id":"token-1",
			"bids":[{"price":"0.41","size":"500"}],
			"asks":[{"price":"0.43","size":"250"}]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.URL)
	book, err := c.GetOrderBook(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, 0.41, book.BestBid())
	assert.Equal(t, 0.43, book.BestAsk())
}
