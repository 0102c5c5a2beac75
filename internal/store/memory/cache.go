package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// RecencyIndex implements domain.RecencyIndex in memory.
type RecencyIndex struct {
	mu      sync.RWMutex
	byTopic map[string][]domain.Signal
}

var _ domain.RecencyIndex = (*RecencyIndex)(nil)

// NewRecencyIndex creates an empty in-memory recency index.
func NewRecencyIndex() *RecencyIndex {
	return &RecencyIndex{byTopic: make(map[string][]domain.Signal)}
}

// Add indexes one signal under its topic.
func (r *RecencyIndex) Add(ctx context.Context, sig domain.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic[sig.Topic] = append(r.byTopic[sig.Topic], sig)
	return nil
}

// Recent returns signals on topic since the given instant, newest first
// with ascending-ID tie-break.
func (r *RecencyIndex) Recent(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Signal
	for _, sig := range r.byTopic[topic] {
		if !sig.ObservedAt.Before(since) {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.After(out[j].ObservedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Trim keeps only the newest keep entries for a topic.
func (r *RecencyIndex) Trim(ctx context.Context, topic string, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sigs := r.byTopic[topic]
	if keep <= 0 || len(sigs) <= keep {
		return nil
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].ObservedAt.After(sigs[j].ObservedAt) })
	r.byTopic[topic] = append([]domain.Signal(nil), sigs[:keep]...)
	return nil
}

// DedupGuard implements domain.DedupGuard in memory. TTLs are honoured
// against the wall clock.
type DedupGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time // id -> expiry
}

var _ domain.DedupGuard = (*DedupGuard)(nil)

// NewDedupGuard creates an empty in-memory dedup guard.
func NewDedupGuard() *DedupGuard {
	return &DedupGuard{seen: make(map[string]time.Time)}
}

// Claim marks the id as seen. It returns false when the id is already
// claimed and unexpired.
func (d *DedupGuard) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if exp, ok := d.seen[id]; ok && exp.After(now) {
		return false, nil
	}
	d.seen[id] = now.Add(ttl)
	return true, nil
}

// IdempotencyCache implements domain.IdempotencyCache in memory.
type IdempotencyCache struct {
	mu      sync.Mutex
	records map[string]idemEntry
}

type idemEntry struct {
	rec domain.IdemRecord
	exp time.Time
}

var _ domain.IdempotencyCache = (*IdempotencyCache)(nil)

// NewIdempotencyCache creates an empty in-memory idempotency cache.
func NewIdempotencyCache() *IdempotencyCache {
	return &IdempotencyCache{records: make(map[string]idemEntry)}
}

// Begin claims the key or returns the prior record.
func (c *IdempotencyCache) Begin(ctx context.Context, key string, ttl time.Duration) (bool, domain.IdemRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if e, ok := c.records[key]; ok && e.exp.After(now) {
		return false, e.rec, nil
	}
	c.records[key] = idemEntry{
		rec: domain.IdemRecord{State: domain.IdemStatePending},
		exp: now.Add(ttl),
	}
	return true, domain.IdemRecord{}, nil
}

// Commit finalizes the key with the executed trade id.
func (c *IdempotencyCache) Commit(ctx context.Context, key, tradeID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = idemEntry{
		rec: domain.IdemRecord{State: domain.IdemStateCommitted, TradeID: tradeID},
		exp: time.Now().Add(ttl),
	}
	return nil
}

// Abort finalizes the key as aborted so a retry may claim it fresh once
// the record expires, and a concurrent caller sees the abort meanwhile.
func (c *IdempotencyCache) Abort(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = idemEntry{
		rec: domain.IdemRecord{State: domain.IdemStateAborted},
		exp: time.Now().Add(ttl),
	}
	return nil
}

// FeedStatusCache implements domain.FeedStatusCache in memory.
type FeedStatusCache struct {
	mu    sync.RWMutex
	feeds map[string]domain.FeedStatus
}

var _ domain.FeedStatusCache = (*FeedStatusCache)(nil)

// NewFeedStatusCache creates an empty in-memory feed status cache.
func NewFeedStatusCache() *FeedStatusCache {
	return &FeedStatusCache{feeds: make(map[string]domain.FeedStatus)}
}

// Set stores one feed's status.
func (c *FeedStatusCache) Set(ctx context.Context, fs domain.FeedStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeds[fs.SourceTag] = fs
	return nil
}

// GetAll returns every cached feed status, ordered by source tag.
func (c *FeedStatusCache) GetAll(ctx context.Context) ([]domain.FeedStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.FeedStatus, 0, len(c.feeds))
	for _, fs := range c.feeds {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceTag < out[j].SourceTag })
	return out, nil
}

// LockManager implements domain.LockManager in memory. TTLs are ignored:
// a process crash releases everything anyway.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]bool
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates an empty in-memory lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]bool)}
}

// Acquire takes the named lock or returns ErrLockHeld.
func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] {
		return nil, domain.ErrLockHeld
	}
	l.locks[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locks, key)
			l.mu.Unlock()
		})
	}, nil
}

// EventMirror implements domain.EventMirror in memory: pub/sub via
// buffered channels and streams via an append-only slice.
type EventMirror struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	nextID  int64
}

var _ domain.EventMirror = (*EventMirror)(nil)

// NewEventMirror creates an empty in-memory event mirror.
func NewEventMirror() *EventMirror {
	return &EventMirror{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers the payload to every subscriber of the channel.
// Full subscriber buffers drop the message rather than block.
func (m *EventMirror) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe attaches a buffered consumer to the channel.
func (m *EventMirror) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()
	return ch, nil
}

// StreamAppend appends the payload to the named stream.
func (m *EventMirror) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.streams[stream] = append(m.streams[stream], domain.StreamMessage{
		ID:      fmtID(m.nextID),
		Payload: payload,
	})
	return nil
}

// StreamRead returns up to count messages after lastID ("" for the start).
func (m *EventMirror) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.streams[stream]
	start := 0
	if lastID != "" {
		for i, msg := range msgs {
			if msg.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	out := make([]domain.StreamMessage, 0, count)
	for i := start; i < len(msgs) && (count <= 0 || len(out) < count); i++ {
		out = append(out, msgs[i])
	}
	return out, nil
}

func fmtID(n int64) string {
	// Zero-padded so lexicographic order matches append order.
	const digits = "0123456789"
	buf := [20]byte{}
	i := len(buf)
	for {
		i--
		buf[i] = digits[n%10]
		n /= 10
		if n == 0 {
			break
		}
	}
	for i > 8 {
		i--
		buf[i] = '0'
	}
	return string(buf[i:])
}
