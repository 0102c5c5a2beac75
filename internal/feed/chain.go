package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// ChainSource polls a subgraph indexer over GraphQL for on-chain order
// fills and turns them into chain-category signals. It is the
// decentralized leg of the feed population: no API key gatekeeper, just
// an indexer endpoint.
type ChainSource struct {
	graphqlURL string
	apiKey     string
	topic      string
	http       *http.Client

	mu    sync.Mutex
	since time.Time
}

// NewChainSource builds the subgraph poller. topic keys the emitted
// signals; since bounds the first query.
func NewChainSource(graphqlURL, apiKey, topic string, since time.Time) *ChainSource {
	return &ChainSource{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		topic:      topic,
		http:       &http.Client{Timeout: 30 * time.Second},
		since:      since,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const fillBatch = 200

const fillQuery = `
	query OrderFills($since: BigInt!, $first: Int!) {
		orderFilledEvents(
			first: $first
			orderBy: timestamp
			orderDirection: asc
			where: { timestamp_gte: $since }
		) {
			transactionHash
			timestamp
			maker
			makerAssetId
			makerAmountFilled
			takerAmountFilled
		}
	}
`

type fillRow struct {
	TransactionHash   string `json:"transactionHash"`
	Timestamp         string `json:"timestamp"`
	Maker             string `json:"maker"`
	MakerAssetID      string `json:"makerAssetId"`
	MakerAmountFilled string `json:"makerAmountFilled"`
	TakerAmountFilled string `json:"takerAmountFilled"`
}

// Fetch pulls fills newer than the previous high-water mark. The mark
// only advances on success, so a failed poll re-reads the same window
// and the dedup guard absorbs the overlap.
func (c *ChainSource) Fetch(ctx context.Context) ([]Item, error) {
	c.mu.Lock()
	since := c.since
	c.mu.Unlock()

	data, err := c.query(ctx, fillQuery, map[string]any{
		"since": fmt.Sprintf("%d", since.Unix()),
		"first": fillBatch,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderFilledEvents []fillRow `json:"orderFilledEvents"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("feed: decode fills: %w: %v", domain.ErrInvalidArg, err)
	}

	items := make([]Item, 0, len(result.OrderFilledEvents))
	latest := since
	for _, f := range result.OrderFilledEvents {
		var ts int64
		fmt.Sscanf(f.Timestamp, "%d", &ts)
		at := time.Unix(ts, 0).UTC()
		if at.After(latest) {
			latest = at
		}
		items = append(items, Item{
			Topic: c.topic,
			Payload: fmt.Sprintf("fill tx=%s maker=%s asset=%s maker_amt=%s taker_amt=%s",
				f.TransactionHash, f.Maker, f.MakerAssetID,
				f.MakerAmountFilled, f.TakerAmountFilled),
			ObservedAt: at,
		})
	}

	c.mu.Lock()
	c.since = latest
	c.mu.Unlock()
	return items, nil
}

// LatestBlock returns the indexer's head block, for lag monitoring.
func (c *ChainSource) LatestBlock(ctx context.Context) (int64, error) {
	data, err := c.query(ctx, `query LatestBlock { _meta { block { number } } }`, nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("feed: decode latest block: %w: %v", domain.ErrInvalidArg, err)
	}
	return result.Meta.Block.Number, nil
}

func (c *ChainSource) query(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("feed: marshal graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("feed: build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: graphql request: %w: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("feed: read graphql response: %w: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: graphql HTTP %d: %w", resp.StatusCode, domain.ErrNetwork)
	}

	var gql graphqlResponse
	if err := json.Unmarshal(raw, &gql); err != nil {
		return nil, fmt.Errorf("feed: decode graphql envelope: %w: %v", domain.ErrInvalidArg, err)
	}
	if len(gql.Errors) > 0 {
		return nil, fmt.Errorf("feed: graphql error: %s: %w", gql.Errors[0].Message, domain.ErrInvalidArg)
	}
	return gql.Data, nil
}
