// Package btcrpc is the thin adapter between the anchoring node and a Bitcoin
// backend. It only queries and broadcasts; it never feeds results into the
// replicated state directly.
package btcrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTxNotFound is returned when the backend does not know a
	// transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrAlreadyKnown is returned when a broadcast transaction is already
	// in the mempool or the chain.
	ErrAlreadyKnown = errors.New("transaction already known")

	// ErrDoubleSpend is returned when a broadcast transaction conflicts
	// with another transaction spending the same inputs.
	ErrDoubleSpend = errors.New("transaction inputs already spent")

	// ErrRejected is returned when the backend rejects a transaction for
	// any other reason.
	ErrRejected = errors.New("transaction rejected")
)

// RPCUnavailableError wraps every transport level failure: connection
// refused, timeouts, a node that is still syncing. Callers retry these.
type RPCUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

// Error returns a human readable description of the failure.
func (e *RPCUnavailableError) Error() string {
	return fmt.Sprintf("%s %s unavailable: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RPCUnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if err is, or wraps, an RPCUnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *RPCUnavailableError
	return errors.As(err, &unavailable)
}

// Utxo is an unspent output paying to a watched address.
type Utxo struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations uint32
}

// Gateway is the set of queries the anchoring node makes against Bitcoin.
type Gateway interface {
	// UnspentOutputs lists the unspent outputs paying to addr, including
	// unconfirmed ones.
	UnspentOutputs(ctx context.Context, addr btcutil.Address) ([]Utxo,
		error)

	// RawTransaction fetches a transaction by id.
	RawTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// Confirmations returns the confirmation depth of a transaction, zero
	// when it is in the mempool.
	Confirmations(ctx context.Context, txid chainhash.Hash) (uint32,
		error)

	// Broadcast publishes a signed transaction.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// BestHeight returns the height of the backend's best block.
	BestHeight(ctx context.Context) (int64, error)
}
