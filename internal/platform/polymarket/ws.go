package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echelonworks/echelond/internal/domain"
)

const (
	writeWait = 10 * time.Second
	// readWait is the stream read deadline; pongs and data both extend it.
	readWait   = 30 * time.Second
	pingPeriod = readWait * 9 / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Stream opens one multiplexed market-data connection and invokes fn for
// every update on the subscribed assets. It reconnects with bounded
// backoff and returns only when ctx is cancelled or the dial fails after
// the backoff ceiling.
func (c *Client) Stream(ctx context.Context, marketRefs []string, fn func(domain.StreamUpdate)) error {
	if len(marketRefs) == 0 {
		return fmt.Errorf("polymarket: stream needs at least one market ref: %w", domain.ErrInvalidArg)
	}
	delay := reconnectDelay
	for {
		err := c.streamOnce(ctx, marketRefs, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("stream disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, marketRefs []string, fn func(domain.StreamUpdate)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket: dial stream: %w: %v", domain.ErrWSDisconnect, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	sub := wsCommand{Type: "subscribe", Channel: "market", Assets: marketRefs}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("polymarket: subscribe: %w: %v", domain.ErrWSDisconnect, err)
	}

	// Heartbeat keeps the connection warm between market updates.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket: stream read: %w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		c.dispatch(raw, fn)
	}
}

// dispatch routes one raw stream frame to the caller's callback. Frames
// that fail to parse are dropped; the stream must outlive bad messages.
func (c *Client) dispatch(raw []byte, fn func(domain.StreamUpdate)) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.EventType {
	case "book":
		var msg wsBookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		upd := domain.StreamUpdate{
			Venue:     domain.VenuePolymarket,
			MarketRef: msg.AssetID,
			Kind:      "book",
			At:        parseMillis(msg.Timestamp),
		}
		if len(msg.Buys) > 0 {
			upd.YesPrice, _ = strconv.ParseFloat(msg.Buys[0].Price, 64)
		}
		if len(msg.Sells) > 0 {
			upd.NoPrice, _ = strconv.ParseFloat(msg.Sells[0].Price, 64)
		}
		fn(upd)

	case "price_change", "last_trade_price":
		var msg wsPriceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		price, _ := strconv.ParseFloat(msg.Price, 64)
		upd := domain.StreamUpdate{
			Venue:     domain.VenuePolymarket,
			MarketRef: msg.AssetID,
			Kind:      "trade",
			YesPrice:  price,
			NoPrice:   1 - price,
			At:        parseMillis(msg.Timestamp),
		}
		fn(upd)
	}
}

func parseMillis(ts string) time.Time {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
