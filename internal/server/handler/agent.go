package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/echelonworks/echelond/internal/domain"
)

// AgentReader is the store slice behind the agent census endpoints.
type AgentReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Agent, error)
	GetByID(ctx context.Context, id string) (domain.Agent, error)
	ListRelations(ctx context.Context, agentID string) ([]domain.AgentRelation, error)
}

// AgentHandler serves the agent census endpoints.
type AgentHandler struct {
	agents AgentReader
	logger *slog.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(agents AgentReader, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		agents: agents,
		logger: logHandler(logger, "agents"),
	}
}

// ListAgents returns the agent population, newest first. Terminated
// agents stay listed; their history is part of the record.
// GET /agents?limit=50&offset=0
func (h *AgentHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	agents, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list agents failed",
			slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// GetAgent returns one agent plus its lineage edges.
// GET /agents/{id}
func (h *AgentHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	relations, err := h.agents.ListRelations(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list relations failed",
			slog.String("agent_id", id),
			slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent":     agent,
		"relations": relations,
	})
}
