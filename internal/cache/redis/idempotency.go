package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echelonworks/echelond/internal/domain"
)

// IdempotencyCache implements domain.IdempotencyCache. Records live
// under idem:<key> as small JSON blobs with the caller's TTL.
type IdempotencyCache struct {
	rdb *redis.Client
}

// NewIdempotencyCache creates an IdempotencyCache backed by the given
// Client.
func NewIdempotencyCache(c *Client) *IdempotencyCache {
	return &IdempotencyCache{rdb: c.Underlying()}
}

func idemKey(key string) string {
	return "idem:" + key
}

type idemJSON struct {
	State   domain.IdemState `json:"state"`
	TradeID string           `json:"trade_id,omitempty"`
}

// Begin claims the key with a pending record, or returns the prior
// record when the key already exists.
func (c *IdempotencyCache) Begin(ctx context.Context, key string, ttl time.Duration) (bool, domain.IdemRecord, error) {
	pending, err := json.Marshal(idemJSON{State: domain.IdemStatePending})
	if err != nil {
		return false, domain.IdemRecord{}, fmt.Errorf("redis: marshal idem record: %w", err)
	}

	claimed, err := c.rdb.SetNX(ctx, idemKey(key), pending, ttl).Result()
	if err != nil {
		return false, domain.IdemRecord{}, fmt.Errorf("redis: begin idem %s: %w", key, err)
	}
	if claimed {
		return true, domain.IdemRecord{}, nil
	}

	raw, err := c.rdb.Get(ctx, idemKey(key)).Result()
	if err == redis.Nil {
		// Record expired between SETNX and GET; the retry will claim it.
		return false, domain.IdemRecord{State: domain.IdemStateAborted}, nil
	}
	if err != nil {
		return false, domain.IdemRecord{}, fmt.Errorf("redis: read idem %s: %w", key, err)
	}

	var rec idemJSON
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, domain.IdemRecord{}, fmt.Errorf("redis: decode idem %s: %w", key, err)
	}
	return false, domain.IdemRecord{State: rec.State, TradeID: rec.TradeID}, nil
}

// Commit finalizes the key with the executed trade id.
func (c *IdempotencyCache) Commit(ctx context.Context, key, tradeID string, ttl time.Duration) error {
	return c.set(ctx, key, idemJSON{State: domain.IdemStateCommitted, TradeID: tradeID}, ttl)
}

// Abort finalizes the key as aborted.
func (c *IdempotencyCache) Abort(ctx context.Context, key string, ttl time.Duration) error {
	return c.set(ctx, key, idemJSON{State: domain.IdemStateAborted}, ttl)
}

func (c *IdempotencyCache) set(ctx context.Context, key string, rec idemJSON, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal idem record: %w", err)
	}
	if err := c.rdb.Set(ctx, idemKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set idem %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.IdempotencyCache = (*IdempotencyCache)(nil)
