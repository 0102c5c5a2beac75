package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/echelonworks/echelond/internal/domain"
)

// AgentStore implements domain.AgentStore using PostgreSQL. Lineage
// edges live in agent_relations and are append-only.
type AgentStore struct {
	pool *pgxpool.Pool
}

// NewAgentStore creates an AgentStore backed by the given pool.
func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

var _ domain.AgentStore = (*AgentStore)(nil)

const agentColumns = `
	id, name, archetype, status, aggression, patience, risk_appetite,
	sanity, budget_usd, realized_pnl, interests, home_timeline_id,
	generation, last_action_at, last_observed_at, created_at,
	terminated_at, termination_cause`

// Create inserts a new agent; the ID must not already exist.
func (s *AgentStore) Create(ctx context.Context, a domain.Agent) error {
	const query = `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18)`

	interests := a.Interests
	if interests == nil {
		interests = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.Name, string(a.Archetype), string(a.Status),
		a.Traits.Aggression, a.Traits.Patience, a.Traits.RiskAppetite,
		a.Sanity, a.BudgetUSD, a.RealizedPnL, interests, a.HomeTimelineID,
		a.Generation, a.LastActionAt, a.LastObservedAt, a.CreatedAt,
		a.TerminatedAt, a.TerminationCause,
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidArg
	}
	if err != nil {
		return fmt.Errorf("postgres: create agent %s: %w", a.ID, err)
	}
	return nil
}

// Update overwrites an existing agent.
func (s *AgentStore) Update(ctx context.Context, a domain.Agent) error {
	const query = `
		UPDATE agents SET
			name              = $2,
			archetype         = $3,
			status            = $4,
			aggression        = $5,
			patience          = $6,
			risk_appetite     = $7,
			sanity            = $8,
			budget_usd        = $9,
			realized_pnl      = $10,
			interests         = $11,
			home_timeline_id  = $12,
			generation        = $13,
			last_action_at    = $14,
			last_observed_at  = $15,
			terminated_at     = $16,
			termination_cause = $17
		WHERE id = $1`

	interests := a.Interests
	if interests == nil {
		interests = []string{}
	}
	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.Name, string(a.Archetype), string(a.Status),
		a.Traits.Aggression, a.Traits.Patience, a.Traits.RiskAppetite,
		a.Sanity, a.BudgetUSD, a.RealizedPnL, interests, a.HomeTimelineID,
		a.Generation, a.LastActionAt, a.LastObservedAt,
		a.TerminatedAt, a.TerminationCause,
	)
	if err != nil {
		return fmt.Errorf("postgres: update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (domain.Agent, error) {
	var a domain.Agent
	var archetype, status string
	err := row.Scan(
		&a.ID, &a.Name, &archetype, &status,
		&a.Traits.Aggression, &a.Traits.Patience, &a.Traits.RiskAppetite,
		&a.Sanity, &a.BudgetUSD, &a.RealizedPnL, &a.Interests, &a.HomeTimelineID,
		&a.Generation, &a.LastActionAt, &a.LastObservedAt, &a.CreatedAt,
		&a.TerminatedAt, &a.TerminationCause,
	)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Archetype = domain.AgentArchetype(archetype)
	a.Status = domain.AgentStatus(status)
	return a, nil
}

// GetByID returns the agent with the given ID.
func (s *AgentStore) GetByID(ctx context.Context, id string) (domain.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("postgres: get agent %s: %w", id, err)
	}
	return a, nil
}

func (s *AgentStore) queryAgents(ctx context.Context, query string, args ...any) ([]domain.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListLive returns every live agent.
func (s *AgentStore) ListLive(ctx context.Context) ([]domain.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = 'live'
		ORDER BY created_at ASC, id ASC`)
}

// List returns agents regardless of status, newest first.
func (s *AgentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Agent, error) {
	query, args := listPage(`
		SELECT `+agentColumns+` FROM agents
		ORDER BY created_at DESC, id ASC`,
		nil, opts)
	return s.queryAgents(ctx, query, args...)
}

// ListInactiveSince returns live agents whose last action predates the
// cutoff. Agents that never acted count from creation.
func (s *AgentStore) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]domain.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = 'live' AND COALESCE(last_action_at, created_at) < $1
		ORDER BY created_at ASC, id ASC`, cutoff)
}

// AddRelation appends one lineage edge.
func (s *AgentStore) AddRelation(ctx context.Context, r domain.AgentRelation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_relations (id, parent_id, child_id, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.ParentID, r.ChildID, string(r.Kind), r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrInvalidArg
	}
	if err != nil {
		return fmt.Errorf("postgres: add relation %s: %w", r.ID, err)
	}
	return nil
}

// ListRelations returns every edge touching the agent, oldest first.
func (s *AgentStore) ListRelations(ctx context.Context, agentID string) ([]domain.AgentRelation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parent_id, child_id, kind, created_at
		FROM agent_relations
		WHERE parent_id = $1 OR child_id = $1
		ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list relations %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []domain.AgentRelation
	for rows.Next() {
		var r domain.AgentRelation
		var kind string
		if err := rows.Scan(&r.ID, &r.ParentID, &r.ChildID, &kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan relation: %w", err)
		}
		r.Kind = domain.LineageKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
