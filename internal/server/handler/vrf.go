package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/echelonworks/echelond/internal/clock"
)

// VRFSink accepts verified randomness words.
type VRFSink interface {
	ConsumeVRF(word [32]byte) clock.RandomnessBundle
}

// VRFHandler accepts randomness beacon words on the internal surface.
// Global forks and decay scheduling refuse to run on stale entropy, so
// the beacon relay posts here on every round.
type VRFHandler struct {
	sink   VRFSink
	logger *slog.Logger
}

// NewVRFHandler creates a VRFHandler.
func NewVRFHandler(sink VRFSink, logger *slog.Logger) *VRFHandler {
	return &VRFHandler{
		sink:   sink,
		logger: logHandler(logger, "vrf"),
	}
}

// vrfRequest is the body for POST /internal/vrf.
type vrfRequest struct {
	Word string `json:"word"` // 0x-prefixed 32-byte hex
}

// Submit ingests one randomness word.
// POST /internal/vrf
func (h *VRFHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req vrfRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "malformed vrf request: "+err.Error())
		return
	}

	raw := strings.TrimPrefix(strings.ToLower(req.Word), "0x")
	if len(raw) != common.HashLength*2 {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "word must be 32 bytes of hex")
		return
	}
	if !isHex(raw) {
		writeError(w, http.StatusBadRequest, "INVALID_ARG", "word must be 32 bytes of hex")
		return
	}

	bundle := h.sink.ConsumeVRF(common.HexToHash(req.Word))
	h.logger.InfoContext(r.Context(), "vrf word accepted",
		slog.Uint64("seq", bundle.Seq))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"seq":         bundle.Seq,
		"received_at": bundle.ReceivedAt,
	})
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
