package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echelonworks/echelond/internal/domain"
)

// DedupGuard implements domain.DedupGuard with SETNX and a TTL. It is
// the fast duplicate path only; the durable word stays with the signal
// store's conflict handling.
type DedupGuard struct {
	rdb *redis.Client
}

// NewDedupGuard creates a DedupGuard backed by the given Client.
func NewDedupGuard(c *Client) *DedupGuard {
	return &DedupGuard{rdb: c.Underlying()}
}

func dedupKey(id string) string {
	return "signals:seen:" + id
}

// Claim marks the id as seen for ttl. It returns false when another
// ingest already holds the id.
func (d *DedupGuard) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupKey(id), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", id, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.DedupGuard = (*DedupGuard)(nil)
