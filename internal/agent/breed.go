package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/echelonworks/echelond/internal/domain"
)

// BreedRequest names the parents and the child's endowment.
type BreedRequest struct {
	ParentAID string
	ParentBID string
	Name      string
	BudgetUSD float64
	// MentorID optionally adds a mentor edge alongside the two parent
	// edges.
	MentorID string
}

// Breed creates a child agent from two live parents: traits are the
// parents' average plus a small jitter, the archetype is inherited from
// the fitter parent, and the generation is max(parents)+1. Lineage edges
// are appended and never deleted.
func (s *Scheduler) Breed(ctx context.Context, req BreedRequest) (domain.Agent, error) {
	if req.ParentAID == "" || req.ParentBID == "" || req.ParentAID == req.ParentBID {
		return domain.Agent{}, fmt.Errorf("agent: breeding needs two distinct parents: %w", domain.ErrInvalidArg)
	}
	if req.BudgetUSD <= 0 {
		return domain.Agent{}, fmt.Errorf("agent: child budget must be positive: %w", domain.ErrInvalidArg)
	}
	pa, err := s.agents.GetByID(ctx, req.ParentAID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("agent: load parent %s: %w", req.ParentAID, err)
	}
	pb, err := s.agents.GetByID(ctx, req.ParentBID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("agent: load parent %s: %w", req.ParentBID, err)
	}
	if pa.Status != domain.AgentStatusLive || pb.Status != domain.AgentStatusLive {
		return domain.Agent{}, fmt.Errorf("agent: both parents must be live: %w", domain.ErrInvalidTransition)
	}

	now := s.clk.Now()
	child := domain.Agent{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Archetype:      fitterParent(pa, pb).Archetype,
		Status:         domain.AgentStatusLive,
		Traits:         blendTraits(pa.Traits, pb.Traits, s.clk.Uniform()),
		Sanity:         domain.SanityMax,
		BudgetUSD:      req.BudgetUSD,
		Interests:      mergeInterests(pa.Interests, pb.Interests),
		HomeTimelineID: pa.HomeTimelineID,
		Generation:     maxInt(pa.Generation, pb.Generation) + 1,
		LastObservedAt: now,
		CreatedAt:      now,
	}
	if child.Name == "" {
		child.Name = pa.Name + "+" + pb.Name
	}
	if err := s.agents.Create(ctx, child); err != nil {
		return domain.Agent{}, fmt.Errorf("agent: create child: %w", err)
	}

	edges := []domain.AgentRelation{
		{ID: uuid.New().String(), ParentID: pa.ID, ChildID: child.ID, Kind: domain.LineageParent, CreatedAt: now},
		{ID: uuid.New().String(), ParentID: pb.ID, ChildID: child.ID, Kind: domain.LineageParent, CreatedAt: now},
	}
	if req.MentorID != "" {
		edges = append(edges, domain.AgentRelation{
			ID: uuid.New().String(), ParentID: req.MentorID, ChildID: child.ID,
			Kind: domain.LineageMentor, CreatedAt: now,
		})
	}
	for _, e := range edges {
		if err := s.agents.AddRelation(ctx, e); err != nil {
			return domain.Agent{}, fmt.Errorf("agent: record lineage: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "agent bred",
		slog.String("child_id", child.ID),
		slog.String("archetype", string(child.Archetype)),
		slog.Int("generation", child.Generation))
	if s.bus != nil {
		s.bus.Publish(domain.Event{
			Kind:    domain.EventAgentActed,
			At:      now,
			AgentID: child.ID,
			Payload: domain.AgentActedPayload{
				Archetype: child.Archetype,
				Action:    "bred",
				Sanity:    child.Sanity,
				BudgetUSD: child.BudgetUSD,
			},
		})
	}
	return child, nil
}

// fitterParent is the parent with the better realized P&L.
func fitterParent(a, b domain.Agent) domain.Agent {
	if b.RealizedPnL > a.RealizedPnL {
		return b
	}
	return a
}

// blendTraits averages parents' traits with a small symmetric jitter.
func blendTraits(a, b domain.AgentTraits, u float64) domain.AgentTraits {
	jitter := (u - 0.5) * 0.1
	return domain.AgentTraits{
		Aggression:   (a.Aggression+b.Aggression)/2 + jitter,
		Patience:     (a.Patience+b.Patience)/2 - jitter,
		RiskAppetite: (a.RiskAppetite+b.RiskAppetite)/2 + jitter/2,
	}.Clamp()
}

func mergeInterests(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, t := range a {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range b {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
