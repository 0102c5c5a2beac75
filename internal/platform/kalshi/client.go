// Package kalshi implements the normalized venue client for the Kalshi
// exchange API. Requests are RSA-PSS signed and ride the shared platform
// transport.
package kalshi

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/platform"
)

// Config points the client at the Kalshi API.
type Config struct {
	BaseURL  string // e.g. https://api.elections.kalshi.com/trade-api/v2
	WSURL    string // e.g. wss://api.elections.kalshi.com/trade-api/ws/v2
	APIKeyID string
}

// Client implements domain.Venue for Kalshi.
type Client struct {
	cfg        Config
	tr         *platform.Transport
	attr       *platform.Attributor
	privateKey *rsa.PrivateKey
	clk        clock.Clock
	logger     *slog.Logger
}

var _ domain.Venue = (*Client)(nil)

// New builds the Kalshi client. The RSA key is loaded separately so
// read-only deployments can skip credentials.
func New(cfg Config, tr *platform.Transport, attr *platform.Attributor, clk clock.Clock, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		tr:     tr,
		attr:   attr,
		clk:    clk,
		logger: logger.With(slog.String("component", "kalshi")),
	}
}

// SetRSAPrivateKey parses a PEM-encoded private key (PKCS8 or PKCS1) and
// enables signed requests.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block in private key: %w", domain.ErrInvalidArg)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1
		return nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T: %w", key, domain.ErrInvalidArg)
	}
	c.privateKey = rsaKey
	return nil
}

func (c *Client) Name() domain.VenueName { return domain.VenueKalshi }

// SearchMarkets lists open markets; Kalshi has no free-text search, so
// the query filters titles client-side.
func (c *Client) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.VenueMarket, error) {
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit * 4))
	params.Set("status", "open")

	body, err := c.do(ctx, http.MethodGet, "/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: search markets: %w", err)
	}
	var resp struct {
		Markets []marketRow `json:"markets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode markets: %w", err)
	}

	out := make([]domain.VenueMarket, 0, limit)
	for i := range resp.Markets {
		m := resp.Markets[i].toVenueMarket()
		if query != "" && !titleMatches(m.Question, query) {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetOrderBook returns the book for one ticker. Kalshi quotes in cents;
// prices are normalized to [0,1].
func (c *Client) GetOrderBook(ctx context.Context, marketRef string) (domain.OrderBook, error) {
	path := fmt.Sprintf("/markets/%s/orderbook", url.PathEscape(marketRef))
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("kalshi: orderbook %s: %w", marketRef, err)
	}
	var resp struct {
		Orderbook bookRow `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}
	return resp.Orderbook.toOrderBook(marketRef, c.clk.Now()), nil
}

// CreateOrder places a limit order. Size is a contract count; fractional
// sizes round down.
func (c *Client) CreateOrder(ctx context.Context, req domain.VenueOrderRequest) (domain.VenueOrderAck, error) {
	if c.privateKey == nil {
		return domain.VenueOrderAck{}, fmt.Errorf("kalshi: order placement needs credentials: %w", domain.ErrNotAuthorized)
	}
	c.attr.Stamp(&req)

	count := int64(math.Floor(req.Size))
	if count <= 0 {
		return domain.VenueOrderAck{}, fmt.Errorf("kalshi: order size %.4f rounds to zero contracts: %w", req.Size, domain.ErrInvalidArg)
	}
	priceCents := int64(math.Round(req.Price * 100))
	if priceCents < 1 || priceCents > 99 {
		return domain.VenueOrderAck{}, fmt.Errorf("kalshi: price %.4f outside (0.01,0.99): %w", req.Price, domain.ErrInvalidArg)
	}

	order := orderPayload{
		Ticker:      req.MarketRef,
		Action:      string(req.Side),
		Side:        sideForOutcome(req.Outcome),
		Type:        "limit",
		Count:       count,
		ClientID:    req.ClientID,
		BuilderCode: req.BuilderCode,
	}
	if order.Side == "yes" {
		order.YesPrice = &priceCents
	} else {
		order.NoPrice = &priceCents
	}

	body, err := c.do(ctx, http.MethodPost, "/portfolio/orders", order, platform.NoRetry())
	if err != nil {
		return domain.VenueOrderAck{}, fmt.Errorf("kalshi: place order: %w", err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.VenueOrderAck{}, fmt.Errorf("kalshi: decode order response: %w", err)
	}
	if resp.Order.Status == "canceled" {
		return domain.VenueOrderAck{}, fmt.Errorf("kalshi: order immediately cancelled: %w", domain.ErrInvalidArg)
	}

	ack := resp.toAck(req.ClientID, c.clk.Now())
	if err := c.attr.RecordAck(ctx, req, ack); err != nil {
		return ack, err
	}
	return ack, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.privateKey == nil {
		return fmt.Errorf("kalshi: cancel needs credentials: %w", domain.ErrNotAuthorized)
	}
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(orderID))
	if _, err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("kalshi: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetPositions returns current exchange positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("kalshi: positions need credentials: %w", domain.ErrNotAuthorized)
	}
	body, err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("kalshi: get positions: %w", err)
	}
	var resp struct {
		MarketPositions []positionRow `json:"market_positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kalshi: decode positions: %w", err)
	}
	out := make([]domain.VenuePosition, 0, len(resp.MarketPositions))
	for i := range resp.MarketPositions {
		out = append(out, resp.MarketPositions[i].toVenuePosition())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any, opts ...platform.CallOption) ([]byte, error) {
	var raw []byte
	if reqBody != nil {
		var err error
		raw, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("kalshi: encode body: %w", err)
		}
	}
	return c.tr.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.privateKey != nil {
			if err := c.sign(req, method, path); err != nil {
				return nil, err
			}
		}
		return req, nil
	}, opts...)
}

// sign adds the RSA-PSS-SHA256 authentication headers. The signed message
// is timestamp + method + path.
func (c *Client) sign(req *http.Request, method, path string) error {
	ts := strconv.FormatInt(c.clk.Now().UnixMilli(), 10)
	hash := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, c.privateKey, stdcrypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("kalshi: sign request: %w", err)
	}
	req.Header.Set("KALSHI-ACCESS-KEY", c.cfg.APIKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

func sideForOutcome(outcome string) string {
	if outcome == "No" || outcome == "no" {
		return "no"
	}
	return "yes"
}
