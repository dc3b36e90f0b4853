package types

import "errors"

// Domain error taxonomy shared by the settlement engine, webhook
// ingestion and the HTTP response mapping.
var (
	// ErrNotFound indicates the referenced order, escrow or transaction
	// does not exist (or is soft-deleted).
	ErrNotFound = errors.New("resource not found")

	// ErrForbidden indicates the caller is not a legal actor for the
	// operation (wrong customer, driver or role).
	ErrForbidden = errors.New("caller is not permitted to perform this operation")

	// ErrInvalidAmount indicates a non-positive amount or a
	// merchant/driver split that does not sum to the escrow amount.
	ErrInvalidAmount = errors.New("invalid amount or split")

	// ErrConflict indicates a uniqueness violation, such as a second
	// escrow for the same order.
	ErrConflict = errors.New("resource already exists")

	// ErrAlreadyReleased is returned to a caller that lost the
	// HELD->RELEASED race. Callers that merely wanted the end state
	// treat it as idempotent success.
	ErrAlreadyReleased = errors.New("escrow already released")

	// ErrEscrowDisputed blocks release paths while a dispute is open.
	ErrEscrowDisputed = errors.New("escrow is disputed")

	// ErrInvalidTransition indicates an escrow or order status change
	// that the joint status table does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSplitUnavailable indicates no split could be determined for a
	// release (no stored split and no override supplied).
	ErrSplitUnavailable = errors.New("split amounts unavailable")

	// ErrGatewayUnavailable indicates an outbound gateway call failed
	// or timed out. The outcome is unknown; the transaction stays
	// PENDING and is reconciled via webhook.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)
