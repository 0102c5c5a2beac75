package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// AgentStore implements domain.AgentStore in memory.
type AgentStore struct {
	mu        sync.RWMutex
	agents    map[string]domain.Agent
	relations []domain.AgentRelation
}

var _ domain.AgentStore = (*AgentStore)(nil)

// NewAgentStore creates an empty in-memory agent store.
func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]domain.Agent)}
}

func cloneAgent(a domain.Agent) domain.Agent {
	out := a
	out.Interests = append([]string(nil), a.Interests...)
	return out
}

// Create stores a new agent.
func (s *AgentStore) Create(ctx context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return domain.ErrInvalidArg
	}
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

// Update overwrites an existing agent.
func (s *AgentStore) Update(ctx context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return domain.ErrNotFound
	}
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

// GetByID returns the agent with the given ID.
func (s *AgentStore) GetByID(ctx context.Context, id string) (domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *AgentStore) sorted(filter func(domain.Agent) bool) []domain.Agent {
	out := make([]domain.Agent, 0)
	for _, a := range s.agents {
		if filter(a) {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListLive returns every live agent.
func (s *AgentStore) ListLive(ctx context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(a domain.Agent) bool { return a.Status == domain.AgentStatusLive }), nil
}

// List returns every agent.
func (s *AgentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sorted(func(domain.Agent) bool { return true })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListInactiveSince returns non-terminated agents whose last action is
// older than cutoff.
func (s *AgentStore) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(a domain.Agent) bool {
		if a.Status == domain.AgentStatusTerminated {
			return false
		}
		last := a.CreatedAt
		if a.LastActionAt != nil {
			last = *a.LastActionAt
		}
		return last.Before(cutoff)
	}), nil
}

// AddRelation appends one lineage edge.
func (s *AgentStore) AddRelation(ctx context.Context, r domain.AgentRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, r)
	return nil
}

// ListRelations returns every edge touching the agent.
func (s *AgentStore) ListRelations(ctx context.Context, agentID string) ([]domain.AgentRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentRelation, 0)
	for _, r := range s.relations {
		if r.ParentID == agentID || r.ChildID == agentID {
			out = append(out, r)
		}
	}
	return out, nil
}
