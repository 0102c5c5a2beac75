package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/echelonworks/echelond/internal/domain"
)

// feedStatusKey is the hash holding one JSON blob per source tag.
const feedStatusKey = "feeds:status"

// FeedStatusCache implements domain.FeedStatusCache with a single hash,
// so the supervisor's sweep is one HGETALL instead of a store query.
type FeedStatusCache struct {
	rdb *redis.Client
}

// NewFeedStatusCache creates a FeedStatusCache backed by the given
// Client.
func NewFeedStatusCache(c *Client) *FeedStatusCache {
	return &FeedStatusCache{rdb: c.Underlying()}
}

// Set stores one feed's status under its source tag.
func (c *FeedStatusCache) Set(ctx context.Context, fs domain.FeedStatus) error {
	raw, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("redis: marshal feed status %s: %w", fs.SourceTag, err)
	}
	if err := c.rdb.HSet(ctx, feedStatusKey, fs.SourceTag, raw).Err(); err != nil {
		return fmt.Errorf("redis: set feed status %s: %w", fs.SourceTag, err)
	}
	return nil
}

// GetAll returns every cached feed status, ordered by source tag.
func (c *FeedStatusCache) GetAll(ctx context.Context) ([]domain.FeedStatus, error) {
	rows, err := c.rdb.HGetAll(ctx, feedStatusKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read feed statuses: %w", err)
	}

	out := make([]domain.FeedStatus, 0, len(rows))
	for tag, raw := range rows {
		var fs domain.FeedStatus
		if err := json.Unmarshal([]byte(raw), &fs); err != nil {
			return nil, fmt.Errorf("redis: decode feed status %s: %w", tag, err)
		}
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceTag < out[j].SourceTag })
	return out, nil
}

// Compile-time interface check.
var _ domain.FeedStatusCache = (*FeedStatusCache)(nil)
