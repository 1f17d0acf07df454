package core

import "errors"

// Error taxonomy. Validation failures are returned to the immediate caller;
// ErrInvariantViolation is not recoverable locally and freezes the affected
// entity instead of clamping.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrBadSignature        = errors.New("bad signature")
	ErrReplayedNonce       = errors.New("replayed nonce")
	ErrUnauthorizedMatcher = errors.New("unauthorized matcher")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidTrade        = errors.New("invalid trade")
	ErrOrderNotActive      = errors.New("order not active")
	ErrOrderNotFound       = errors.New("order not found")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrUnknownPair         = errors.New("unknown pair")
	ErrMarketPaused        = errors.New("market paused")
	ErrBlacklisted         = errors.New("principal blacklisted")
)
