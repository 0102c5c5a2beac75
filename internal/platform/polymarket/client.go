// Package polymarket implements the normalized venue client for the
// Polymarket CLOB and Gamma APIs.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/crypto"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/platform"
)

// Config points the client at the Polymarket API surfaces.
type Config struct {
	GammaURL string // market discovery, e.g. https://gamma-api.polymarket.com
	ClobURL  string // order placement, e.g. https://clob.polymarket.com
	WSURL    string // market data stream
	Address  string // wallet address used for authenticated calls
}

// Client implements domain.Venue for Polymarket. All REST traffic goes
// through the shared transport; orders additionally pass the attribution
// side-channel.
type Client struct {
	cfg    Config
	tr     *platform.Transport
	attr   *platform.Attributor
	auth   *crypto.HMACAuth
	clk    clock.Clock
	logger *slog.Logger
}

var _ domain.Venue = (*Client)(nil)

// New builds the Polymarket client. auth may be nil for read-only use.
func New(cfg Config, tr *platform.Transport, attr *platform.Attributor, auth *crypto.HMACAuth, clk clock.Clock, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		tr:     tr,
		attr:   attr,
		auth:   auth,
		clk:    clk,
		logger: logger.With(slog.String("component", "polymarket")),
	}
}

func (c *Client) Name() domain.VenueName { return domain.VenuePolymarket }

// SearchMarkets queries the Gamma API for markets matching the query.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.VenueMarket, error) {
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("active", "true")

	body, err := c.get(ctx, c.cfg.GammaURL, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket: search markets: %w", err)
	}

	var rows []gammaMarket
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket: decode search results: %w", err)
	}
	out := make([]domain.VenueMarket, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toVenueMarket())
	}
	return out, nil
}

// GetOrderBook fetches the CLOB book for one token.
func (c *Client) GetOrderBook(ctx context.Context, marketRef string) (domain.OrderBook, error) {
	path := "/book?token_id=" + url.QueryEscape(marketRef)
	body, err := c.get(ctx, c.cfg.ClobURL, path)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket: order book %s: %w", marketRef, err)
	}
	var book bookResponse
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket: decode book: %w", err)
	}
	return book.toOrderBook(marketRef, c.clk.Now()), nil
}

// CreateOrder submits an order to the CLOB. The builder code is stamped
// before the wire call and the ACK is attributed exactly once.
func (c *Client) CreateOrder(ctx context.Context, req domain.VenueOrderRequest) (domain.VenueOrderAck, error) {
	if c.auth == nil {
		return domain.VenueOrderAck{}, fmt.Errorf("polymarket: order placement needs credentials: %w", domain.ErrNotAuthorized)
	}
	c.attr.Stamp(&req)

	payload := orderPayload{
		TokenID:     req.MarketRef,
		Side:        sideString(req.Side),
		Price:       strconv.FormatFloat(req.Price, 'f', 4, 64),
		Size:        strconv.FormatFloat(req.Size, 'f', 4, 64),
		ClientID:    req.ClientID,
		BuilderCode: req.BuilderCode,
	}
	raw, err := json.Marshal(map[string]any{"order": payload, "owner": c.cfg.Address})
	if err != nil {
		return domain.VenueOrderAck{}, fmt.Errorf("polymarket: encode order: %w", err)
	}

	// Orders are not idempotent on the venue side; never replay them.
	body, err := c.tr.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.signedRequest(ctx, http.MethodPost, "/order", raw)
	}, platform.NoRetry())
	if err != nil {
		return domain.VenueOrderAck{}, fmt.Errorf("polymarket: post order: %w", err)
	}

	var res orderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.VenueOrderAck{}, fmt.Errorf("polymarket: decode order result: %w", err)
	}
	if !res.Success {
		return domain.VenueOrderAck{}, fmt.Errorf("polymarket: order rejected: %s: %w", res.ErrorMsg, domain.ErrInvalidArg)
	}

	ack := res.toAck(req.ClientID, c.clk.Now())
	if err := c.attr.RecordAck(ctx, req, ack); err != nil {
		return ack, err
	}
	return ack, nil
}

// CancelOrder cancels one open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.auth == nil {
		return fmt.Errorf("polymarket: cancel needs credentials: %w", domain.ErrNotAuthorized)
	}
	raw, _ := json.Marshal(map[string]string{"orderID": orderID})
	body, err := c.tr.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.signedRequest(ctx, http.MethodDelete, "/order", raw)
	})
	if err != nil {
		return fmt.Errorf("polymarket: cancel order %s: %w", orderID, err)
	}
	var res struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("polymarket: decode cancel response: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("polymarket: cancel failed: %s: %w", res.ErrorMsg, domain.ErrInvalidArg)
	}
	return nil
}

// GetPositions returns the wallet's current holdings.
func (c *Client) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("polymarket: positions need credentials: %w", domain.ErrNotAuthorized)
	}
	body, err := c.tr.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.signedRequest(ctx, http.MethodGet, "/positions", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("polymarket: get positions: %w", err)
	}
	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket: decode positions: %w", err)
	}
	out := make([]domain.VenuePosition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toVenuePosition())
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, base, path string) ([]byte, error) {
	return c.tr.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

// signedRequest builds a CLOB request with the L2 HMAC headers.
func (c *Client) signedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	bodyStr := ""
	if body != nil {
		reader = bytes.NewReader(body)
		bodyStr = string(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ClobURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.auth.L2HeadersAt(c.cfg.Address, method, path, bodyStr, c.clk.Now().Unix()) {
		req.Header.Set(k, v)
	}
	return req, nil
}

func sideString(s domain.TradeSide) string {
	if s == domain.TradeSideSell {
		return "SELL"
	}
	return "BUY"
}
