package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/engine"
)

// MarketEngine is the slice of the market engine the handler needs. It is
// declared locally so the handler package does not depend on wiring.
type MarketEngine interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error)
	Quote(ctx context.Context, marketID string, outcomeIdx int, amountUSD float64, side domain.TradeSide) (domain.Quote, error)
	Execute(ctx context.Context, req engine.ExecuteRequest) (domain.Trade, error)
	Trending(ctx context.Context, since time.Time, limit int) ([]domain.Market, error)
	Stats(ctx context.Context, since time.Time) (domain.MarketStats, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	eng    MarketEngine
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given engine and logger.
func NewMarketHandler(eng MarketEngine, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		eng:    eng,
		logger: logHandler(logger, "markets"),
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets    []domain.Market `json:"markets"`
	TimelineID string          `json:"timeline_id,omitempty"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

// ListMarkets returns open markets with pagination. A timeline_id query
// parameter narrows the listing to one timeline's markets instead.
// GET /markets?timeline_id=&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	timelineID := r.URL.Query().Get("timeline_id")

	var markets []domain.Market
	var err error
	if timelineID != "" {
		markets, err = h.eng.ListByTimeline(r.Context(), timelineID, opts)
	} else {
		markets, err = h.eng.ListOpen(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed",
			slog.String("timeline_id", timelineID),
			slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets:    markets,
		TimelineID: timelineID,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "missing market id")
		return
	}

	market, err := h.eng.GetMarket(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.ErrorContext(r.Context(), "get market failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()))
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// quoteRequest is the body for POST /markets/{id}/quote.
type quoteRequest struct {
	OutcomeIdx int     `json:"outcome_idx"`
	Side       string  `json:"side"`
	AmountUSD  float64 `json:"amount_usd"`
}

// QuoteMarket returns an advisory quote. Quotes never lock the market and
// expire after the configured validity window.
// POST /markets/{id}/quote
func (h *MarketHandler) QuoteMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req quoteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "malformed quote request: "+err.Error())
		return
	}

	side := domain.TradeSide(req.Side)
	q, err := h.eng.Quote(r.Context(), id, req.OutcomeIdx, req.AmountUSD, side)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, q)
}

// betRequest is the body for POST /markets/{id}/bet. IdemKey is required:
// re-presenting the same key returns the original trade unchanged.
type betRequest struct {
	OutcomeIdx int     `json:"outcome_idx"`
	Side       string  `json:"side"`
	AmountUSD  float64 `json:"amount_usd"`
	IdemKey    string  `json:"idem_key"`
	QuoteID    string  `json:"quote_id"`
}

// betResponse carries the executed trade. Replay is true when the
// idempotency key had already been executed.
type betResponse struct {
	Trade  domain.Trade `json:"trade"`
	Replay bool         `json:"replay"`
}

// PlaceBet executes a trade on behalf of the wallet in X-Wallet-Address.
// POST /markets/{id}/bet
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	owner := r.Header.Get("X-Wallet-Address")
	if !common.IsHexAddress(owner) {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "X-Wallet-Address must be a hex address")
		return
	}
	owner = common.HexToAddress(owner).Hex()

	var req betRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "malformed bet request: "+err.Error())
		return
	}
	if req.IdemKey == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "idem_key is required")
		return
	}

	trade, err := h.eng.Execute(r.Context(), engine.ExecuteRequest{
		MarketID:   id,
		OutcomeIdx: req.OutcomeIdx,
		Side:       domain.TradeSide(req.Side),
		AmountUSD:  req.AmountUSD,
		OwnerRef:   owner,
		IdemKey:    req.IdemKey,
		QuoteID:    req.QuoteID,
	})
	if errors.Is(err, domain.ErrIdempotentReplay) {
		writeJSON(w, http.StatusOK, betResponse{Trade: trade, Replay: true})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, betResponse{Trade: trade})
}

// Trending returns open markets ordered by recent volume.
// GET /markets/trending?limit=20
func (h *MarketHandler) Trending(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	since := time.Now().UTC().Add(-24 * time.Hour)

	markets, err := h.eng.Trending(r.Context(), since, opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "trending failed",
			slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// Stats returns aggregate market counters over the last 24 hours.
// GET /markets/stats
func (h *MarketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)

	stats, err := h.eng.Stats(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stats failed",
			slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
