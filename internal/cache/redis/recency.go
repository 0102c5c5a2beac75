package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echelonworks/echelond/internal/domain"
)

// RecencyIndex implements domain.RecencyIndex with one sorted set per
// topic, scored by observation time. The durable store remains the
// source of truth; this is the hot read path for agent observation.
type RecencyIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRecencyIndex creates a RecencyIndex backed by the given Client.
// ttl bounds how long an idle topic set survives.
func NewRecencyIndex(c *Client, ttl time.Duration) *RecencyIndex {
	return &RecencyIndex{rdb: c.Underlying(), ttl: ttl}
}

func recencyKey(topic string) string {
	return "signals:recent:" + topic
}

// Add indexes one signal under its topic, scored by ObservedAt.
func (r *RecencyIndex) Add(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: marshal signal %s: %w", sig.ID, err)
	}

	key := recencyKey(sig.Topic)
	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(sig.ObservedAt.UnixNano()),
		Member: payload,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: index signal %s: %w", sig.ID, err)
	}
	return nil
}

// Recent returns signals on topic since the given instant, newest first
// with ascending-ID tie-break.
func (r *RecencyIndex) Recent(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error) {
	opt := &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	rows, err := r.rdb.ZRevRangeByScore(ctx, recencyKey(topic), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent %s: %w", topic, err)
	}

	out := make([]domain.Signal, 0, len(rows))
	for _, row := range rows {
		var sig domain.Signal
		if err := json.Unmarshal([]byte(row), &sig); err != nil {
			continue // a corrupt entry never poisons the read path
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.After(out[j].ObservedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Trim keeps only the newest keep entries for a topic.
func (r *RecencyIndex) Trim(ctx context.Context, topic string, keep int) error {
	if keep <= 0 {
		return nil
	}
	// Negative ranks count from the newest; everything below rank
	// -(keep+1) is older than the keep window.
	err := r.rdb.ZRemRangeByRank(ctx, recencyKey(topic), 0, int64(-(keep + 1))).Err()
	if err != nil {
		return fmt.Errorf("redis: trim %s: %w", topic, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RecencyIndex = (*RecencyIndex)(nil)
