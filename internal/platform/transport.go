// Package platform holds the shared adapter layer between the core and
// external trading venues: per-venue rate limiting, bounded retries,
// circuit breaking and builder attribution. Venue clients sit on top of
// the Transport and never talk to the network directly.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

const (
	// DefaultDeadline caps a single REST call when the caller set none.
	DefaultDeadline = 5 * time.Second
	// maxAttempts bounds the retry loop, first try included.
	maxAttempts = 3
	// backoffBase is the first retry delay; it doubles per attempt with
	// up to 50% jitter on top.
	backoffBase = 250 * time.Millisecond
)

// Limits is the token-bucket shape for one venue.
type Limits struct {
	Rate  rate.Limit
	Burst int
}

// WindowLimits shapes a bucket so that no window of the given length
// ever admits more than n requests: a full burst at the window's start
// plus the window's worth of refill stays within n. A fifth of the cap
// is kept as burst headroom.
func WindowLimits(n int, window time.Duration) Limits {
	if n < 1 {
		n = 1
	}
	burst := n / 5
	if burst < 1 {
		burst = 1
	}
	refill := float64(n - burst)
	if refill <= 0 {
		// A cap of one: the lone token must take longer than the window
		// to regenerate.
		refill = 0.5
	}
	return Limits{
		Rate:  rate.Limit(refill / window.Seconds()),
		Burst: burst,
	}
}

// PolymarketLimits caps Polymarket at 100 requests per rolling 60 seconds.
var PolymarketLimits = WindowLimits(100, time.Minute)

// KalshiLimits caps Kalshi at 10 requests per rolling second.
var KalshiLimits = WindowLimits(10, time.Second)

// CallOption tweaks a single Transport call.
type CallOption func(*callOpts)

type callOpts struct {
	nonBlocking bool
	noRetry     bool
}

// NonBlocking makes the call fail with ErrRateLimited instead of waiting
// for a token.
func NonBlocking() CallOption {
	return func(o *callOpts) { o.nonBlocking = true }
}

// NoRetry disables the retry loop for non-idempotent calls.
func NoRetry() CallOption {
	return func(o *callOpts) { o.noRetry = true }
}

// Transport is the shared HTTP path to one venue.
type Transport struct {
	venue   domain.VenueName
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	clk     clock.Clock
	met     *metrics.Registry
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTransport builds the shared path for one venue. met may be nil.
func NewTransport(venue domain.VenueName, limits Limits, clk clock.Clock, met *metrics.Registry, logger *slog.Logger) *Transport {
	t := &Transport{
		venue:   venue,
		http:    &http.Client{Timeout: DefaultDeadline},
		limiter: rate.NewLimiter(limits.Rate, limits.Burst),
		clk:     clk,
		met:     met,
		logger:  logger.With(slog.String("component", "platform"), slog.String("venue", string(venue))),
		sleep:   sleepCtx,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(venue),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if met != nil {
				v := 0.0
				if to == gobreaker.StateOpen {
					v = 1
				}
				met.VenueBreaker.WithLabelValues(string(venue)).Set(v)
			}
		},
	})
	return t
}

// Venue returns the venue this transport serves.
func (t *Transport) Venue() domain.VenueName { return t.venue }

// retryable HTTP statuses; everything else in 4xx/5xx fails the attempt
// permanently except 429, which is handled via Retry-After.
func retryableStatus(code int) bool {
	return code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// Do acquires a rate token, then runs the request through the breaker
// with bounded retries. build must return a fresh request each call so
// bodies can be replayed.
func (t *Transport) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error), opts ...CallOption) ([]byte, error) {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}

	if o.nonBlocking {
		if !t.limiter.Allow() {
			t.count("rate_limited")
			return nil, fmt.Errorf("platform/%s: token bucket empty: %w", t.venue, domain.ErrRateLimited)
		}
	} else if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("platform/%s: rate wait: %w", t.venue, domain.ErrCancelled)
	}

	body, err := t.breaker.Execute(func() (any, error) {
		return t.attempt(ctx, build, o)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.count("breaker_open")
			return nil, fmt.Errorf("platform/%s: circuit open: %w", t.venue, domain.ErrNetwork)
		}
		return nil, err
	}
	return body.([]byte), nil
}

func (t *Transport) attempt(ctx context.Context, build func(ctx context.Context) (*http.Request, error), o callOpts) ([]byte, error) {
	attempts := maxAttempts
	if o.noRetry {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := backoffBase << (i - 1)
			delay += time.Duration(t.clk.Uniform() * float64(delay) * 0.5)
			if err := t.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("platform/%s: retry wait: %w", t.venue, domain.ErrCancelled)
			}
		}

		callCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, DefaultDeadline)
			defer cancel()
		}

		req, err := build(callCtx)
		if err != nil {
			return nil, fmt.Errorf("platform/%s: build request: %w", t.venue, err)
		}

		resp, err := t.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("platform/%s: %s %s: %w: %v", t.venue, req.Method, req.URL.Path, domain.ErrNetwork, err)
			t.count("transport_error")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("platform/%s: read response: %w: %v", t.venue, domain.ErrNetwork, readErr)
			t.count("transport_error")
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			t.count("ok")
			return respBody, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			t.count("rate_limited")
			lastErr = fmt.Errorf("platform/%s: venue throttled: %w", t.venue, domain.ErrRateLimited)
			if wait := retryAfter(resp); wait > 0 && i < attempts-1 {
				if err := t.sleep(ctx, wait); err != nil {
					return nil, fmt.Errorf("platform/%s: retry-after wait: %w", t.venue, domain.ErrCancelled)
				}
			}
			continue
		case retryableStatus(resp.StatusCode):
			t.count("server_error")
			lastErr = fmt.Errorf("platform/%s: HTTP %d: %w", t.venue, resp.StatusCode, domain.ErrNetwork)
			continue
		default:
			t.count("client_error")
			return nil, statusError(t.venue, resp.StatusCode, respBody)
		}
	}
	return nil, lastErr
}

// statusError maps terminal HTTP statuses onto the error taxonomy.
func statusError(venue domain.VenueName, code int, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("platform/%s: %w: %s", venue, domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("platform/%s: %w: %s", venue, domain.ErrNotAuthorized, msg)
	default:
		return fmt.Errorf("platform/%s: HTTP %d: %w: %s", venue, code, domain.ErrInvalidArg, msg)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (t *Transport) count(outcome string) {
	if t.met != nil {
		t.met.VenueRequests.WithLabelValues(string(t.venue), outcome).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
