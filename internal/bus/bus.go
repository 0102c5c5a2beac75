// Package bus is the in-process event spine: typed publish, per-subscriber
// bounded queues, and a hard rule that one slow consumer can never stall
// the publishers. A subscriber whose queue stays full past the publish
// grace period is dropped.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

const (
	// DefaultQueueSize is the per-subscriber buffered queue length.
	DefaultQueueSize = 256

	// DefaultPublishGrace is how long a publisher waits on a full queue
	// before dropping the subscriber.
	DefaultPublishGrace = 50 * time.Millisecond
)

// DropReason explains why the bus detached a subscriber.
type DropReason string

const (
	DropSlow   DropReason = "slow_consumer"
	DropClosed DropReason = "unsubscribed"
)

// Subscription is one attached consumer. Read events from C and watch
// Done: when Done is closed the bus has detached this subscription and no
// further events will be queued (already-buffered ones may still drain).
type Subscription struct {
	name  string
	kinds map[domain.EventKind]bool // nil means all kinds
	ch    chan domain.Event
	done  chan struct{}
	once  sync.Once
	why   atomic.Value // DropReason
}

// C returns the event channel.
func (s *Subscription) C() <-chan domain.Event { return s.ch }

// Done is closed when the subscription is detached.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// DropReason reports why the subscription ended, if it has.
func (s *Subscription) DropReason() (DropReason, bool) {
	v := s.why.Load()
	if v == nil {
		return "", false
	}
	return v.(DropReason), true
}

func (s *Subscription) wants(k domain.EventKind) bool {
	return s.kinds == nil || s.kinds[k]
}

func (s *Subscription) finish(why DropReason) {
	s.once.Do(func() {
		s.why.Store(why)
		close(s.done)
	})
}

// Bus fans events out to subscribers. Publish stamps a strictly
// increasing sequence number per process.
type Bus struct {
	logger *slog.Logger
	met    *metrics.Registry

	queueSize int
	grace     time.Duration

	seq atomic.Uint64

	mu   sync.RWMutex
	subs map[*Subscription]bool
}

// Option tweaks bus construction.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue length.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithPublishGrace overrides the full-queue grace period.
func WithPublishGrace(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.grace = d
		}
	}
}

// New builds a bus. met may be nil in tests.
func New(logger *slog.Logger, met *metrics.Registry, opts ...Option) *Bus {
	b := &Bus{
		logger:    logger.With(slog.String("component", "bus")),
		met:       met,
		queueSize: DefaultQueueSize,
		grace:     DefaultPublishGrace,
		subs:      make(map[*Subscription]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a named consumer. With no kinds every event is
// delivered; otherwise only the listed kinds.
func (b *Bus) Subscribe(name string, kinds ...domain.EventKind) *Subscription {
	sub := &Subscription{
		name: name,
		ch:   make(chan domain.Event, b.queueSize),
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[domain.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = true
	n := len(b.subs)
	b.mu.Unlock()

	if b.met != nil {
		b.met.BusSubscribers.Set(float64(n))
	}
	b.logger.Info("subscriber attached",
		slog.String("subscriber", name),
		slog.Int("total", n),
	)
	return sub
}

// Unsubscribe detaches a consumer gracefully.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.remove(sub, DropClosed)
}

// Publish stamps the event and fans it out. It never blocks longer than
// the grace period per slow subscriber, and never returns an error: a
// subscriber that cannot keep up is detached instead.
func (b *Bus) Publish(evt domain.Event) domain.Event {
	evt.Seq = b.seq.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.wants(evt.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var slow []*Subscription
	for _, sub := range targets {
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Queue full: give the consumer one grace period to drain.
		t := time.NewTimer(b.grace)
		select {
		case sub.ch <- evt:
			t.Stop()
		case <-sub.done:
			t.Stop()
		case <-t.C:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		b.remove(sub, DropSlow)
	}

	if b.met != nil {
		b.met.BusPublished.WithLabelValues(string(evt.Kind)).Inc()
	}
	return evt
}

// remove detaches sub and signals its done channel. The event channel is
// never closed; blocked publishers bail out via done instead.
func (b *Bus) remove(sub *Subscription, why DropReason) {
	b.mu.Lock()
	_, present := b.subs[sub]
	if present {
		delete(b.subs, sub)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if !present {
		return
	}
	sub.finish(why)

	if why == DropSlow {
		if b.met != nil {
			b.met.BusDroppedSubs.Inc()
		}
		b.logger.Warn("dropped slow subscriber",
			slog.String("subscriber", sub.name),
			slog.Int("remaining", n),
		)
	} else {
		b.logger.Info("subscriber detached",
			slog.String("subscriber", sub.name),
			slog.Int("remaining", n),
		)
	}
	if b.met != nil {
		b.met.BusSubscribers.Set(float64(n))
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber, for shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]bool)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish(DropClosed)
	}
	if b.met != nil {
		b.met.BusSubscribers.Set(0)
	}
}

// Drain consumes a subscription until ctx ends or the subscription is
// detached, calling fn for each event. It is the standard consumer loop.
func Drain(ctx context.Context, sub *Subscription, fn func(domain.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case evt := <-sub.C():
			fn(evt)
		}
	}
}
