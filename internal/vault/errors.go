package vault

import (
	"errors"

	"HedgeVault/internal/allocation"
	"HedgeVault/internal/ledger"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/venue"
)

var (
	ErrZeroShares         = errors.New("zero shares")
	ErrInvariantViolation = errors.New("vault invariant violated")
)

// Errors raised by the vault's components, re-exported so callers only
// need this package.
var (
	ErrZeroAmount          = allocation.ErrZeroAmount
	ErrZeroPendingAmount   = allocation.ErrZeroPendingAmount
	ErrStatusNotIdle       = allocation.ErrStatusNotIdle
	ErrInvalidRound        = allocation.ErrInvalidRound
	ErrNoActiveRequest     = allocation.ErrNoActiveRequest
	ErrInvalidCallback     = allocation.ErrInvalidCallback
	ErrInsufficientShares  = ledger.ErrInsufficientShares
	ErrUnknownTicket       = queue.ErrUnknownTicket
	ErrUnauthorizedClaimer = queue.ErrUnauthorizedClaimer
	ErrAlreadyClaimed      = queue.ErrAlreadyClaimed
	ErrNotExecuted         = queue.ErrNotExecuted
	ErrSwapFailed          = venue.ErrSwapFailed
	ErrHedgeRequestFailed  = venue.ErrHedgeRequestFailed
	ErrOracleInvalidPrice  = venue.ErrOracleInvalidPrice
	ErrPriceStale          = venue.ErrPriceStale
)

// ErrorClass groups errors for callers that map them onto transport codes.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassPrecondition
	ClassExternal
	ClassDoubleAction
	ClassStale
	ClassNotFound
	ClassPermission
)

// Classify returns the class of a vault error.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrUnknownTicket):
		return ClassNotFound
	case errors.Is(err, ErrUnauthorizedClaimer):
		return ClassPermission
	case errors.Is(err, ErrStatusNotIdle), errors.Is(err, ErrZeroPendingAmount),
		errors.Is(err, ErrZeroAmount), errors.Is(err, ErrZeroShares),
		errors.Is(err, ErrInsufficientShares):
		return ClassPrecondition
	case errors.Is(err, ErrSwapFailed), errors.Is(err, ErrHedgeRequestFailed):
		return ClassExternal
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrNotExecuted):
		return ClassDoubleAction
	case errors.Is(err, ErrInvalidRound), errors.Is(err, ErrNoActiveRequest),
		errors.Is(err, ErrInvalidCallback), errors.Is(err, ErrOracleInvalidPrice),
		errors.Is(err, ErrPriceStale):
		return ClassStale
	}
	return ClassInternal
}
