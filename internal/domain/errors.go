package domain

import "errors"

// Ledger error classes. Every error returned by the exchange core wraps
// exactly one of these.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidState        = errors.New("invalid order state")
	ErrRateCap             = errors.New("royalty rate cap exceeded")
)

// Infrastructure errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
	ErrLockLost     = errors.New("lock lost")
	ErrBadSignature = errors.New("bad request signature")
)

// ErrorCode maps err to a stable machine-readable reason. Unknown errors map
// to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrBadSignature):
		return "authorization_error"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidState):
		return "state_error"
	case errors.Is(err, ErrRateCap):
		return "rate_cap_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
