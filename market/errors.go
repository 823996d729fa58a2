package market

import "errors"

// Error taxonomy. Callers classify with errors.Is; wrapping adds context with
// xerrors.Errorf("%w: ...", Err...).
var (
	// ErrValidation marks malformed constraints or properties at publish
	// time. The entry is rejected immediately and never enters a catalog.
	ErrValidation = errors.New("validation error")

	// ErrProtocolViolation marks an out-of-order or contradictory message.
	// The affected thread is forced to Terminated with the reason recorded.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDeliveryFailure marks a send the messaging collaborator could not
	// complete within the bounded retry budget.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrSignatureMismatch marks an agreement signature that does not verify
	// over the exact final terms bytes.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrDuplicateID marks a catalog insert colliding with an existing id.
	// The caller must retry with a fresh id.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrInconsistency marks a confirmed agreement re-confirmed with
	// different terms. Fatal; surfaced to operators, never auto-resolved.
	ErrInconsistency = errors.New("inconsistency")

	// ErrNotFound marks a lookup for an unknown entry, thread or agreement.
	ErrNotFound = errors.New("not found")

	// ErrThreadTerminal marks an operation on a thread that already reached
	// a terminal state.
	ErrThreadTerminal = errors.New("thread is terminal")
)
