package domain

import (
	"context"
	"time"
)

// RecencyIndex serves newest-first signal queries without touching the
// durable store. Misses fall back to SignalStore.
type RecencyIndex interface {
	Add(ctx context.Context, sig Signal) error
	Recent(ctx context.Context, topic string, since time.Time, limit int) ([]Signal, error)
	Trim(ctx context.Context, topic string, keep int) error
}

// DedupGuard claims a signal ID for the fast duplicate path. Claim
// returns false when another ingest already holds the ID. The durable
// word is still the store's ON CONFLICT outcome.
type DedupGuard interface {
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// IdemState is the lifecycle of an idempotency record.
type IdemState string

const (
	IdemStatePending   IdemState = "pending"
	IdemStateCommitted IdemState = "committed"
	IdemStateAborted   IdemState = "aborted"
)

// IdemRecord is what a re-presented idempotency key gets back.
type IdemRecord struct {
	State   IdemState
	TradeID string
}

// IdempotencyCache retains execute outcomes keyed by idempotency key for
// at least the configured retention window.
type IdempotencyCache interface {
	// Begin claims the key. claimed=false means a record already exists
	// and prior describes it.
	Begin(ctx context.Context, key string, ttl time.Duration) (claimed bool, prior IdemRecord, err error)
	Commit(ctx context.Context, key, tradeID string, ttl time.Duration) error
	Abort(ctx context.Context, key string, ttl time.Duration) error
}

// FeedStatusCache mirrors feed health for the supervisor's fast path.
type FeedStatusCache interface {
	Set(ctx context.Context, fs FeedStatus) error
	GetAll(ctx context.Context) ([]FeedStatus, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventMirror provides pub/sub and a durable stream copy of bus events,
// used for cross-process fan-out and replay.
type EventMirror interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
