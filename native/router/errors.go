package router

import "errors"

var (
	// ErrInvalidRequest rejects malformed swap requests synchronously: no
	// state is created and no funds move.
	ErrInvalidRequest = errors.New("router: invalid request")
	// ErrDuplicateOperation signals an identifier collision in the store.
	ErrDuplicateOperation = errors.New("router: operation already exists")
	// ErrOperationNotFound signals a lookup for an identifier with no entry.
	ErrOperationNotFound = errors.New("router: operation not found")
	// ErrStaleContinuation rejects a completion notification that does not
	// match any stored operation at its current step. The notification is
	// dropped without mutating state.
	ErrStaleContinuation = errors.New("router: stale or unknown continuation")
	// ErrSettlementInvariant reports that the deposited amount does not equal
	// required input plus refund. Settlement must not proceed past it.
	ErrSettlementInvariant = errors.New("router: settlement invariant violation")
)
