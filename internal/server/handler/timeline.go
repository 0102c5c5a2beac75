package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/echelonworks/echelond/internal/domain"
)

// TimelineRegistry is the slice of the fork registry the handler needs.
type TimelineRegistry interface {
	ForkGlobal(ctx context.Context, sourceMarketID, premise string, duration time.Duration) (domain.Timeline, error)
	ForkUser(ctx context.Context, ownerRef, sourceMarketID, premise string, cfg domain.ForkConfig) (domain.Timeline, error)
	Get(ctx context.Context, id string) (domain.Timeline, error)
	Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error)
}

// TimelineHandler serves timeline fork and leaderboard endpoints.
type TimelineHandler struct {
	reg    TimelineRegistry
	logger *slog.Logger
}

// NewTimelineHandler creates a TimelineHandler.
func NewTimelineHandler(reg TimelineRegistry, logger *slog.Logger) *TimelineHandler {
	return &TimelineHandler{
		reg:    reg,
		logger: logHandler(logger, "timelines"),
	}
}

// forkRequest is the body for POST /timelines/fork. Visibility selects
// the fork kind: global_on_chain forks need no owner and fresh VRF
// entropy; user forks take the owner from X-Wallet-Address.
type forkRequest struct {
	Visibility         string   `json:"visibility"`
	SourceMarketID     string   `json:"source_market_id"`
	Premise            string   `json:"premise"`
	DurationS          int64    `json:"duration_s"`
	SimCapitalUSD      float64  `json:"sim_capital_usd"`
	InviteList         []string `json:"invite_list"`
	LeaderboardEnabled bool     `json:"leaderboard_enabled"`
}

// Fork creates a new timeline branched from a market's current state.
// POST /timelines/fork
func (h *TimelineHandler) Fork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "malformed fork request: "+err.Error())
		return
	}
	if req.SourceMarketID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "source_market_id is required")
		return
	}

	duration := time.Duration(req.DurationS) * time.Second

	var tl domain.Timeline
	var err error
	switch domain.TimelineVisibility(req.Visibility) {
	case domain.TimelineGlobalOnChain:
		tl, err = h.reg.ForkGlobal(r.Context(), req.SourceMarketID, req.Premise, duration)

	case domain.TimelineUserPrivate, domain.TimelineUserPublic:
		owner := r.Header.Get("X-Wallet-Address")
		if !common.IsHexAddress(owner) {
			writeError(w, http.StatusBadRequest, "INVALID_ARG", "X-Wallet-Address must be a hex address")
			return
		}
		tl, err = h.reg.ForkUser(r.Context(), common.HexToAddress(owner).Hex(),
			req.SourceMarketID, req.Premise, domain.ForkConfig{
				Visibility:         domain.TimelineVisibility(req.Visibility),
				SimCapitalUSD:      req.SimCapitalUSD,
				InviteList:         req.InviteList,
				LeaderboardEnabled: req.LeaderboardEnabled,
				Duration:           duration,
			})

	default:
		writeError(w, http.StatusBadRequest, "INVALID_ARG",
			"visibility must be global_on_chain, user_private or user_public")
		return
	}

	if err != nil {
		h.logger.WarnContext(r.Context(), "fork rejected",
			slog.String("visibility", req.Visibility),
			slog.String("source_market", req.SourceMarketID),
			slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tl)
}

// GetTimeline returns one timeline by ID.
// GET /timelines/{id}
func (h *TimelineHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	tl, err := h.reg.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// Leaderboard returns a timeline's owners ranked by realized P&L.
// GET /timelines/{id}/leaderboard?limit=50
func (h *TimelineHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	opts := parseListOpts(r)

	entries, err := h.reg.Leaderboard(r.Context(), id, opts.Limit)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrInvalidArg) {
			h.logger.ErrorContext(r.Context(), "leaderboard failed",
				slog.String("timeline_id", id),
				slog.String("error", err.Error()))
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"timeline_id": id,
		"entries":     entries,
	})
}
