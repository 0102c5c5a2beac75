// Package memory implements the domain store and cache interfaces with
// in-process maps. It backs tests and the simulated-capital sandboxes,
// where durability is explicitly not wanted.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// SignalStore implements domain.SignalStore in memory.
type SignalStore struct {
	mu      sync.RWMutex
	byID    map[string]domain.Signal
	byTopic map[string][]string // insertion-ordered signal ids per topic
}

var _ domain.SignalStore = (*SignalStore)(nil)

// NewSignalStore creates an empty in-memory signal store.
func NewSignalStore() *SignalStore {
	return &SignalStore{
		byID:    make(map[string]domain.Signal),
		byTopic: make(map[string][]string),
	}
}

// Insert stores sig unless its ID is already present.
func (s *SignalStore) Insert(ctx context.Context, sig domain.Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sig.ID]; ok {
		return false, nil
	}
	s.byID[sig.ID] = sig
	s.byTopic[sig.Topic] = append(s.byTopic[sig.Topic], sig.ID)
	return true, nil
}

// GetByID returns the signal with the given ID.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.byID[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return sig, nil
}

// ListByTopic returns signals on topic observed at or after since, newest
// first with ascending-ID tie-break.
func (s *SignalStore) ListByTopic(ctx context.Context, topic string, since time.Time, limit int) ([]domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Signal
	for _, id := range s.byTopic[topic] {
		sig := s.byID[id]
		if sig.ObservedAt.Before(since) {
			continue
		}
		out = append(out, sig)
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

// PruneBefore drops signals observed before cutoff, except those on a
// protected topic.
func (s *SignalStore) PruneBefore(ctx context.Context, cutoff time.Time, protectedTopics []string) (int64, error) {
	protected := make(map[string]bool, len(protectedTopics))
	for _, t := range protectedTopics {
		protected[t] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for topic, ids := range s.byTopic {
		if protected[topic] {
			continue
		}
		kept := ids[:0]
		for _, id := range ids {
			if s.byID[id].ObservedAt.Before(cutoff) {
				delete(s.byID, id)
				pruned++
				continue
			}
			kept = append(kept, id)
		}
		s.byTopic[topic] = kept
	}
	return pruned, nil
}

// Count returns the number of stored signals.
func (s *SignalStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byID)), nil
}

// FeedStatusStore implements domain.FeedStatusStore in memory.
type FeedStatusStore struct {
	mu    sync.RWMutex
	feeds map[string]domain.FeedStatus
}

var _ domain.FeedStatusStore = (*FeedStatusStore)(nil)

// NewFeedStatusStore creates an empty in-memory feed status store.
func NewFeedStatusStore() *FeedStatusStore {
	return &FeedStatusStore{feeds: make(map[string]domain.FeedStatus)}
}

// Upsert stores the record under its source tag.
func (s *FeedStatusStore) Upsert(ctx context.Context, fs domain.FeedStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[fs.SourceTag] = fs
	return nil
}

// Get returns the record for a source tag.
func (s *FeedStatusStore) Get(ctx context.Context, sourceTag string) (domain.FeedStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.feeds[sourceTag]
	if !ok {
		return domain.FeedStatus{}, domain.ErrNotFound
	}
	return fs, nil
}

// List returns every record, ordered by source tag.
func (s *FeedStatusStore) List(ctx context.Context) ([]domain.FeedStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FeedStatus, 0, len(s.feeds))
	for _, fs := range s.feeds {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceTag < out[j].SourceTag })
	return out, nil
}
