package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echelonworks/echelond/internal/domain"
)

const (
	writeWait = 10 * time.Second
	// readWait is the stream read deadline, extended by pongs and data.
	readWait   = 30 * time.Second
	pingPeriod = readWait * 9 / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Stream opens the ticker channel for the given market tickers and calls
// fn for every update. Reconnects with bounded backoff until ctx ends.
func (c *Client) Stream(ctx context.Context, marketRefs []string, fn func(domain.StreamUpdate)) error {
	if len(marketRefs) == 0 {
		return fmt.Errorf("kalshi: stream needs at least one market ref: %w", domain.ErrInvalidArg)
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
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("kalshi: dial stream: %w: %v", domain.ErrWSDisconnect, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	sub := wsSubscribe{
		ID:  1,
		Cmd: "subscribe",
		Params: wsSubscribeParams{
			Channels: []string{"ticker"},
			Tickers:  marketRefs,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("kalshi: subscribe: %w: %v", domain.ErrWSDisconnect, err)
	}

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
			return fmt.Errorf("kalshi: stream read: %w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type != "ticker" {
			continue
		}
		var tick wsTicker
		if err := json.Unmarshal(env.Msg, &tick); err != nil {
			continue
		}
		at := time.Unix(tick.TS, 0).UTC()
		if tick.TS <= 0 {
			at = c.clk.Now()
		}
		fn(domain.StreamUpdate{
			Venue:     domain.VenueKalshi,
			MarketRef: tick.Ticker,
			Kind:      "trade",
			YesPrice:  centsToProb(float64(tick.Price)),
			NoPrice:   1 - centsToProb(float64(tick.Price)),
			At:        at,
		})
	}
}
