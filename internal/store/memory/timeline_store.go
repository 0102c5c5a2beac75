package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// TimelineStore implements domain.TimelineStore in memory.
type TimelineStore struct {
	mu        sync.RWMutex
	timelines map[string]domain.Timeline
}

var _ domain.TimelineStore = (*TimelineStore)(nil)

// NewTimelineStore creates an empty in-memory timeline store.
func NewTimelineStore() *TimelineStore {
	return &TimelineStore{timelines: make(map[string]domain.Timeline)}
}

func cloneTimeline(t domain.Timeline) domain.Timeline {
	out := t
	out.InviteList = append([]string(nil), t.InviteList...)
	return out
}

// Create stores a new timeline.
func (s *TimelineStore) Create(ctx context.Context, t domain.Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timelines[t.ID]; ok {
		return domain.ErrInvalidArg
	}
	s.timelines[t.ID] = cloneTimeline(t)
	return nil
}

// Update overwrites an existing timeline.
func (s *TimelineStore) Update(ctx context.Context, t domain.Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timelines[t.ID]; !ok {
		return domain.ErrNotFound
	}
	s.timelines[t.ID] = cloneTimeline(t)
	return nil
}

// GetByID returns the timeline with the given ID.
func (s *TimelineStore) GetByID(ctx context.Context, id string) (domain.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timelines[id]
	if !ok {
		return domain.Timeline{}, domain.ErrNotFound
	}
	return cloneTimeline(t), nil
}

// ListActive returns active timelines, newest fork first.
func (s *TimelineStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Timeline, 0)
	for _, t := range s.timelines {
		if t.Status == domain.TimelineStatusActive {
			out = append(out, cloneTimeline(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ForkedAt.Equal(out[j].ForkedAt) {
			return out[i].ForkedAt.After(out[j].ForkedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListExpired returns active timelines whose expiry has passed.
func (s *TimelineStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Timeline, 0)
	for _, t := range s.timelines {
		if t.Status == domain.TimelineStatusActive && t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
			out = append(out, cloneTimeline(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountActiveByVisibility counts active timelines with the given visibility.
func (s *TimelineStore) CountActiveByVisibility(ctx context.Context, v domain.TimelineVisibility) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, t := range s.timelines {
		if t.Status == domain.TimelineStatusActive && t.Visibility == v {
			n++
		}
	}
	return n, nil
}
