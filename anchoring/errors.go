package anchoring

import "errors"

var (
	// ErrUnknownProposal is returned for signatures on a proposal that
	// is not the active one.
	ErrUnknownProposal = errors.New("signature for unknown proposal")

	// ErrUnknownValidator is returned for messages from an index outside
	// the current validator set.
	ErrUnknownValidator = errors.New("message from unknown validator")

	// ErrTransitionPending is returned when a config is staged while
	// another one is still waiting to be activated.
	ErrTransitionPending = errors.New("a following config is already " +
		"staged")

	// ErrNotFunding is returned for a funding transaction that does not
	// pay to the current custodial address.
	ErrNotFunding = errors.New("transaction does not pay to the " +
		"custodial address")

	// ErrDuplicateFunding is returned for a funding transaction that is
	// already known.
	ErrDuplicateFunding = errors.New("funding transaction already known")

	// ErrWrongEpoch is returned for a claim made against the validator
	// set of another epoch.
	ErrWrongEpoch = errors.New("claim for another epoch")

	// ErrNotAnchoring is returned for a claim path containing a
	// transaction that is not part of the anchor chain.
	ErrNotAnchoring = errors.New("claim path leaves the anchor chain")

	// ErrUnknownMessage is returned for message types the machine does
	// not handle.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrHalted is returned for messages that would change a halted
	// state.
	ErrHalted = errors.New("anchoring is halted")

	// ErrStaleCheckpoint is returned for a ledger checkpoint that does
	// not advance the ledger height.
	ErrStaleCheckpoint = errors.New("checkpoint does not advance ledger")

	// ErrActivationPassed is returned when a staged config activates at
	// or below the current ledger height.
	ErrActivationPassed = errors.New("activation height already passed")
)
