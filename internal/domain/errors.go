package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidArg           = errors.New("invalid argument")
	ErrMarketClosed         = errors.New("market not open for trading")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrRateLimited          = errors.New("rate limited")
	ErrBusy                 = errors.New("resource busy")
	ErrStorageFault         = errors.New("storage fault")
	ErrNetwork              = errors.New("network error")
	ErrIdempotentReplay     = errors.New("idempotent replay")
	ErrSlippageExceeded     = errors.New("slippage tolerance exceeded")
	ErrConservationViolated = errors.New("reserve conservation violated")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrHalted               = errors.New("trading halted")
	ErrCancelled            = errors.New("operation cancelled")
	ErrShutdown             = errors.New("shutting down")
	ErrLockHeld             = errors.New("lock already held")
	ErrWSDisconnect         = errors.New("websocket disconnected")
)

// ErrorCode maps a sentinel error to its wire code. Unknown errors map to
// INTERNAL so the taxonomy stays closed.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidArg):
		return "INVALID_ARG"
	case errors.Is(err, ErrMarketClosed):
		return "MARKET_CLOSED"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrBusy), errors.Is(err, ErrLockHeld):
		return "BUSY"
	case errors.Is(err, ErrStorageFault):
		return "STORAGE_FAULT"
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrWSDisconnect):
		return "NETWORK_ERROR"
	case errors.Is(err, ErrIdempotentReplay):
		return "IDEMPOTENT_REPLAY"
	case errors.Is(err, ErrSlippageExceeded):
		return "SLIPPAGE_EXCEEDED"
	case errors.Is(err, ErrConservationViolated):
		return "CONSERVATION_VIOLATED"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrNotAuthorized):
		return "NOT_AUTHORIZED"
	case errors.Is(err, ErrHalted):
		return "HALTED"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrShutdown):
		return "SHUTDOWN"
	default:
		return "INTERNAL"
	}
}
