package sigcollect

import (
	"errors"
	"fmt"
)

var (
	// ErrProposalClosed is returned for signatures on a proposal that is
	// no longer collecting.
	ErrProposalClosed = errors.New("proposal is not collecting signatures")

	// ErrUnknownValidator is returned for signatures from an index
	// outside the validator set.
	ErrUnknownValidator = errors.New("unknown validator")

	// ErrDuplicateSignature is returned when a validator signs the same
	// proposal twice.
	ErrDuplicateSignature = errors.New("validator already signed proposal")

	// ErrInvalidTransition is returned for illegal state changes.
	ErrInvalidTransition = errors.New("invalid proposal state transition")

	// ErrUnknownPrevTx is returned when the transaction an input spends
	// is not available to finalize the proposal.
	ErrUnknownPrevTx = errors.New("previous transaction unknown")
)

// InvalidSignatureError is returned when a submitted signature does not
// verify against the validator's key and the unsigned transaction.
type InvalidSignatureError struct {
	Validator uint32
	Input     int
	Err       error
}

// Error returns a human readable description of the error.
func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature from validator %d on input "+
		"%d: %v", e.Validator, e.Input, e.Err)
}

// Unwrap returns the underlying verification error.
func (e *InvalidSignatureError) Unwrap() error {
	return e.Err
}
