package domain

import "errors"

var (
	// Configuration errors: the request itself is malformed; fix and resend.
	ErrInvalidTranche    = errors.New("invalid tranche")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidWeights    = errors.New("tranche weights must sum to 100")
	ErrInvalidParties    = errors.New("party percentages exceed 100")
	ErrInvalidCommitment = errors.New("malformed condition commitment")
	ErrUnknownShard      = errors.New("unknown shard")
	ErrConditionMismatch = errors.New("condition commitment mismatch")
	ErrMissingOpID       = errors.New("missing operation id")
	ErrInvalidCategory   = errors.New("unknown coverage category")

	// Authorization errors.
	ErrUnauthorized = errors.New("unauthorized")

	// State errors: the action is invalid for the current lifecycle state.
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrAlreadyResolved    = errors.New("claim already resolved")
	ErrAlreadyFinalized   = errors.New("escrow already finalized")
	ErrWrongShard         = errors.New("policy belongs to a different shard")
	ErrReentrancy         = errors.New("reentrant ledger call")
	ErrPaused             = errors.New("ledger paused")
	ErrNotDisputed        = errors.New("escrow not disputed")
	ErrNotTimedOut        = errors.New("escrow timeout not reached")
	ErrDisputeWindowOpen  = errors.New("dispute deadlock period not elapsed")
	ErrDuplicateOperation = errors.New("duplicate operation id")

	// Resource errors: currently unsatisfiable; retry later.
	ErrInsufficientCapital   = errors.New("insufficient pooled capital")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrSharesLocked          = errors.New("shares still under stake lock")
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
	ErrRateLimited           = errors.New("rate limited")
	ErrLockHeld              = errors.New("lock already held")
)

// ErrorKind partitions errors the way callers need to react to them.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindAuthorization ErrorKind = "authorization"
	KindState         ErrorKind = "state"
	KindResource      ErrorKind = "resource"
	KindInternal      ErrorKind = "internal"
)

// Kind classifies err into the taxonomy above. Unknown errors are internal.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidTranche),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidWeights),
		errors.Is(err, ErrInvalidParties),
		errors.Is(err, ErrInvalidCommitment),
		errors.Is(err, ErrUnknownShard),
		errors.Is(err, ErrConditionMismatch),
		errors.Is(err, ErrMissingOpID),
		errors.Is(err, ErrInvalidCategory):
		return KindConfiguration
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrWrongShard),
		errors.Is(err, ErrReentrancy),
		errors.Is(err, ErrPaused),
		errors.Is(err, ErrNotDisputed),
		errors.Is(err, ErrNotTimedOut),
		errors.Is(err, ErrDisputeWindowOpen),
		errors.Is(err, ErrDuplicateOperation):
		return KindState
	case errors.Is(err, ErrInsufficientCapital),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrSharesLocked),
		errors.Is(err, ErrCircuitBreakerTripped),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrLockHeld):
		return KindResource
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may retry the identical request later
// and expect it to eventually succeed. Only resource errors qualify.
func Retryable(err error) bool {
	return Kind(err) == KindResource
}
