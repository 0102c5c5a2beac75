package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/echelonworks/echelond/internal/domain"
)

// ModeReader exposes the supervisor's current state.
type ModeReader func() domain.ModeState

// TransitionLister reads the supervisor's transition audit trail.
type TransitionLister interface {
	ListTransitions(ctx context.Context, opts domain.ListOpts) ([]domain.ModeTransition, error)
}

// ModeHandler serves the operating-mode endpoints.
type ModeHandler struct {
	mode   ModeReader
	store  TransitionLister
	halted func() bool
	logger *slog.Logger
}

// NewModeHandler creates a ModeHandler. halted may be nil when no
// emergency supervisor is attached.
func NewModeHandler(mode ModeReader, store TransitionLister, halted func() bool, logger *slog.Logger) *ModeHandler {
	return &ModeHandler{
		mode:   mode,
		store:  store,
		halted: halted,
		logger: logHandler(logger, "mode"),
	}
}

// GetMode returns the current operating tier and the most recent
// transitions.
// GET /mode
func (h *ModeHandler) GetMode(w http.ResponseWriter, r *http.Request) {
	st := h.mode()

	resp := map[string]any{
		"tier":           int(st.Tier),
		"tier_name":      st.Tier.String(),
		"since":          st.Since,
		"reason":         st.Reason,
		"agg_confidence": st.AggConfidence,
	}
	if h.halted != nil {
		resp["halted"] = h.halted()
	}

	if h.store != nil {
		transitions, err := h.store.ListTransitions(r.Context(), domain.ListOpts{Limit: 20})
		if err != nil {
			h.logger.WarnContext(r.Context(), "list transitions failed",
				slog.String("error", err.Error()))
		} else {
			resp["recent_transitions"] = transitions
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
