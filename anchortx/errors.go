package anchortx

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrNoInputs is returned when a build request has nothing to spend.
	ErrNoInputs = errors.New("no inputs to spend")

	// ErrDuplicateInput is returned when the same outpoint is requested
	// twice.
	ErrDuplicateInput = errors.New("duplicate input")
)

// InsufficientFundsError is returned when the spent outputs cannot pay the
// fee and still leave a non-dust custodial output. Anchoring pauses until
// more funds arrive.
type InsufficientFundsError struct {
	// Available is the total value of the inputs.
	Available btcutil.Amount

	// Fee is the fee the transaction would pay.
	Fee btcutil.Amount

	// Dust is the smallest value the custodial output may carry.
	Dust btcutil.Amount
}

// Error returns a human readable description of the shortfall.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: have %v, need fee %v plus "+
		"more than the dust limit %v", e.Available, e.Fee, e.Dust)
}

// NoCheckpointDueError is returned when the payload does not advance the
// anchored height by at least the anchoring interval.
type NoCheckpointDueError struct {
	Height     uint64
	PrevHeight uint64
	Interval   uint64
}

// Error returns a human readable description of the error.
func (e *NoCheckpointDueError) Error() string {
	return fmt.Sprintf("no checkpoint due: height %d, previous %d, "+
		"interval %d", e.Height, e.PrevHeight, e.Interval)
}
