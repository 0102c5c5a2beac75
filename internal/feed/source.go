// Package feed runs the OSINT ingestion side: one poller per configured
// source pulling observations, normalizing them into signals and
// reporting per-source health.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// Item is one raw observation pulled from a source before normalization.
type Item struct {
	Topic      string
	Payload    string
	RawScore   float64
	ObservedAt time.Time
}

// Fetcher pulls a batch of fresh observations. Implementations must be
// safe for repeated calls; the poll loop owns the cadence.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Item, error)
}

// maxResponseBytes bounds how much of a feed response is read.
const maxResponseBytes = 4 << 20

// httpSource polls a JSON endpoint returning an array of observation
// rows. Sources that report no topic fall back to the configured ones.
type httpSource struct {
	url    string
	topics []string
	http   *http.Client
}

// NewHTTPSource builds a poller for a plain JSON feed endpoint.
func NewHTTPSource(url string, topics []string) Fetcher {
	return &httpSource{
		url:    url,
		topics: topics,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// feedRow is the accepted wire shape. Feeds differ in field naming, so
// the common aliases are all mapped.
type feedRow struct {
	Topic      string  `json:"topic"`
	Title      string  `json:"title"`
	Text       string  `json:"text"`
	Body       string  `json:"body"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	ObservedAt string  `json:"observed_at"`
	Published  string  `json:"published_at"`
}

func (r feedRow) payload() string {
	switch {
	case r.Text != "":
		return r.Text
	case r.Body != "":
		return r.Body
	default:
		return r.Title
	}
}

func (r feedRow) score() float64 {
	if r.Score > 0 {
		return r.Score
	}
	return r.Confidence
}

func (r feedRow) observedAt() time.Time {
	for _, raw := range []string{r.ObservedAt, r.Published} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (s *httpSource) Fetch(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: poll %s: %w: %v", s.url, domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("feed: read response: %w: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: %s returned HTTP %d: %w", s.url, resp.StatusCode, domain.ErrNetwork)
	}

	var rows []feedRow
	if err := json.Unmarshal(body, &rows); err != nil {
		// Some feeds wrap the array in an envelope.
		var envelope struct {
			Items   []feedRow `json:"items"`
			Results []feedRow `json:"results"`
		}
		if err2 := json.Unmarshal(body, &envelope); err2 != nil {
			return nil, fmt.Errorf("feed: decode %s: %w: %v", s.url, domain.ErrInvalidArg, err)
		}
		rows = envelope.Items
		if len(rows) == 0 {
			rows = envelope.Results
		}
	}

	var items []Item
	for _, r := range rows {
		payload := r.payload()
		if payload == "" {
			continue
		}
		topics := s.topics
		if r.Topic != "" {
			topics = []string{r.Topic}
		}
		for _, topic := range topics {
			items = append(items, Item{
				Topic:      topic,
				Payload:    payload,
				RawScore:   r.score(),
				ObservedAt: r.observedAt(),
			})
		}
	}
	return items, nil
}
