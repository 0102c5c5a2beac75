package memory

import (
	"context"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// ModeStore implements domain.ModeStore in memory.
type ModeStore struct {
	mu          sync.RWMutex
	state       *domain.ModeState
	transitions []domain.ModeTransition
	nextID      int64
}

var _ domain.ModeStore = (*ModeStore)(nil)

// NewModeStore creates an empty in-memory mode store.
func NewModeStore() *ModeStore {
	return &ModeStore{}
}

// SaveState replaces the singleton mode state.
func (s *ModeStore) SaveState(ctx context.Context, st domain.ModeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	return nil
}

// LoadState returns the stored mode state, or ErrNotFound before first save.
func (s *ModeStore) LoadState(ctx context.Context) (domain.ModeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return domain.ModeState{}, domain.ErrNotFound
	}
	return *s.state, nil
}

// AppendTransition records one audited transition.
func (s *ModeStore) AppendTransition(ctx context.Context, tr domain.ModeTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	tr.ID = s.nextID
	s.transitions = append(s.transitions, tr)
	return nil
}

// ListTransitions returns transitions newest first.
func (s *ModeStore) ListTransitions(ctx context.Context, opts domain.ListOpts) ([]domain.ModeTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ModeTransition, 0, len(s.transitions))
	for i := len(s.transitions) - 1; i >= 0; i-- {
		out = append(out, s.transitions[i])
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ParadoxStore implements domain.ParadoxStore in memory.
type ParadoxStore struct {
	mu        sync.RWMutex
	paradoxes map[string]domain.Paradox
}

var _ domain.ParadoxStore = (*ParadoxStore)(nil)

// NewParadoxStore creates an empty in-memory paradox store.
func NewParadoxStore() *ParadoxStore {
	return &ParadoxStore{paradoxes: make(map[string]domain.Paradox)}
}

// Create stores a new paradox.
func (s *ParadoxStore) Create(ctx context.Context, p domain.Paradox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paradoxes[p.ID]; ok {
		return domain.ErrInvalidArg
	}
	s.paradoxes[p.ID] = p
	return nil
}

// Update overwrites an existing paradox.
func (s *ParadoxStore) Update(ctx context.Context, p domain.Paradox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paradoxes[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.paradoxes[p.ID] = p
	return nil
}

// GetOpenByTimeline returns the open paradox on a timeline, if any.
func (s *ParadoxStore) GetOpenByTimeline(ctx context.Context, timelineID string) (domain.Paradox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.paradoxes {
		if p.TimelineID == timelineID && p.Status == domain.ParadoxStatusOpen {
			return p, nil
		}
	}
	return domain.Paradox{}, domain.ErrNotFound
}

// ListOpen returns every open paradox.
func (s *ParadoxStore) ListOpen(ctx context.Context) ([]domain.Paradox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Paradox, 0)
	for _, p := range s.paradoxes {
		if p.Status == domain.ParadoxStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

// AttributionStore implements domain.AttributionStore in memory.
type AttributionStore struct {
	mu      sync.RWMutex
	records []domain.BuilderAttributionRecord
	nextID  int64
}

var _ domain.AttributionStore = (*AttributionStore)(nil)

// NewAttributionStore creates an empty in-memory attribution store.
func NewAttributionStore() *AttributionStore {
	return &AttributionStore{}
}

// Insert appends one attribution record. The log is append-only.
func (s *AttributionStore) Insert(ctx context.Context, rec domain.BuilderAttributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.records = append(s.records, rec)
	return nil
}

// ListRecent returns the newest records first.
func (s *AttributionStore) ListRecent(ctx context.Context, limit int) ([]domain.BuilderAttributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BuilderAttributionRecord, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		out = append(out, s.records[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountSince counts records acked at or after since.
func (s *AttributionStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.records {
		if !r.AckedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an empty in-memory audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends one audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
