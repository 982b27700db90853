package escrow

import "errors"

// Sentinel errors returned by the transition engine. Every error aborts the
// whole operation; a failed invocation leaves the record and all balances
// unchanged.
var (
	// ErrNotFound is returned when no escrow exists for the order ID.
	ErrNotFound = errors.New("escrow: order not found")
	// ErrDuplicateOrder is returned when creating an escrow for an order ID
	// that already has one.
	ErrDuplicateOrder = errors.New("escrow: order ID already exists")
	// ErrNotLocked is returned when a transition is attempted from a
	// terminal state.
	ErrNotLocked = errors.New("escrow: escrow is not in a locked state")
	// ErrRefundTooLarge is returned when a partial refund names an amount
	// greater than or equal to the locked total. Refunding the full amount
	// must go through Cancel.
	ErrRefundTooLarge = errors.New("escrow: partial refund cannot exceed total amount")
	// ErrRefundNegative is returned when a partial refund names a negative
	// amount.
	ErrRefundNegative = errors.New("escrow: refund amount must not be negative")
	// ErrAmountNotPositive is returned when creating an escrow with a zero
	// or negative amount.
	ErrAmountNotPositive = errors.New("escrow: amount must be positive")
	// ErrUnauthorized is returned when the caller is not permitted to
	// trigger the transition.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
)
