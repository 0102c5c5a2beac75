package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimelineCanParticipate(t *testing.T) {
	t.Parallel()

	private := Timeline{
		Visibility: TimelineUserPrivate,
		OwnerRef:   "0xabc",
		InviteList: []string{"0xdef"},
	}
	assert.True(t, private.CanParticipate("0xabc"), "creator always admitted")
	assert.True(t, private.CanParticipate("0xdef"), "invitee admitted")
	assert.False(t, private.CanParticipate("0x999"), "stranger rejected")

	sandbox := Timeline{Visibility: TimelineAgentSandbox}
	assert.True(t, sandbox.CanParticipate("agent:42"))
	assert.False(t, sandbox.CanParticipate("0xabc"))

	public := Timeline{Visibility: TimelineUserPublic}
	global := Timeline{Visibility: TimelineGlobalOnChain}
	for _, ref := range []string{"0xabc", "agent:42", "anyone"} {
		assert.True(t, public.CanParticipate(ref))
		assert.True(t, global.CanParticipate(ref))
	}
}

func TestErrorCodeTaxonomy(t *testing.T) {
	t.Parallel()

	cases := map[error]string{
		ErrInvalidArg:           "INVALID_ARG",
		ErrMarketClosed:         "MARKET_CLOSED",
		ErrInvalidTransition:    "INVALID_TRANSITION",
		ErrRateLimited:          "RATE_LIMITED",
		ErrBusy:                 "BUSY",
		ErrStorageFault:         "STORAGE_FAULT",
		ErrNetwork:              "NETWORK_ERROR",
		ErrIdempotentReplay:     "IDEMPOTENT_REPLAY",
		ErrSlippageExceeded:     "SLIPPAGE_EXCEEDED",
		ErrConservationViolated: "CONSERVATION_VIOLATED",
		ErrCancelled:            "CANCELLED",
		ErrShutdown:             "SHUTDOWN",
	}
	for err, code := range cases {
		assert.Equal(t, code, ErrorCode(err))
	}

	// Wrapped errors keep their code.
	wrapped := wrap(ErrSlippageExceeded)
	assert.Equal(t, "SLIPPAGE_EXCEEDED", ErrorCode(wrapped))
	assert.Equal(t, "INTERNAL", ErrorCode(assert.AnError))
}

func wrap(err error) error {
	return &wrapErr{err}
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "engine: execute: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }
