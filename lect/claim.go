package lect

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MaxReportedDepth caps the confirmation depth carried in a claim.
	// Deeper transactions are all equally final for tie breaking, and
	// capping stops validators from resubmitting a claim every block.
	MaxReportedDepth = 6
)

var (
	// ErrBrokenPath is returned for a claim whose path does not link the
	// claimed transaction to the known anchor chain.
	ErrBrokenPath = errors.New("claim path does not reach known chain")
)

// Claim is a validator's belief about the tip of the anchor chain.
type Claim struct {
	// Validator is the index of the claiming validator.
	Validator uint32

	// Epoch is the validator set epoch the index refers to.
	Epoch uint64

	// TxID is the claimed tip.
	TxID chainhash.Hash

	// Depth is the observed confirmation depth, capped at
	// MaxReportedDepth.
	Depth uint32

	// Path are the transactions leading from the known chain to TxID,
	// oldest first. It is empty when TxID is already known.
	Path []*wire.MsgTx
}

// String returns a short description of the claim.
func (c Claim) String() string {
	return fmt.Sprintf("claim(epoch=%d, validator=%d, tx=%v, depth=%d, "+
		"path=%d)", c.Epoch, c.Validator, c.TxID, c.Depth, len(c.Path))
}

// CapDepth limits a confirmation count to MaxReportedDepth.
func CapDepth(confs uint32) uint32 {
	if confs > MaxReportedDepth {
		return MaxReportedDepth
	}

	return confs
}

// ValidatePath checks that the claim's path starts by spending an output of a
// known transaction, that every later step spends output 0 of the previous
// one and that it ends at the claimed txid.
func ValidatePath(c Claim, known func(chainhash.Hash) bool) error {
	if len(c.Path) == 0 {
		if !known(c.TxID) {
			return fmt.Errorf("%w: %v is unknown and has no path",
				ErrBrokenPath, c.TxID)
		}

		return nil
	}

	prev := fn.None[chainhash.Hash]()
	for i, tx := range c.Path {
		if len(tx.TxIn) == 0 {
			return fmt.Errorf("%w: step %d has no inputs",
				ErrBrokenPath, i)
		}
		spent := tx.TxIn[0].PreviousOutPoint

		linked := fn.ElimOption(prev, func() bool {
			return known(spent.Hash)
		}, func(h chainhash.Hash) bool {
			return spent.Hash == h
		})
		if !linked || (prev.IsSome() && spent.Index != 0) {
			return fmt.Errorf("%w: step %d spends %v", ErrBrokenPath,
				i, spent)
		}

		prev = fn.Some(tx.TxHash())
	}

	if last := prev.UnsafeFromSome(); last != c.TxID {
		return fmt.Errorf("%w: path ends at %v, not %v", ErrBrokenPath,
			last, c.TxID)
	}

	return nil
}

// Table holds the latest claim of every validator. Later claims supersede
// earlier ones.
type Table map[uint32]Claim

// Copy returns a copy of the table.
func (t Table) Copy() Table {
	c := make(Table, len(t))
	for idx, claim := range t {
		c[idx] = claim
	}

	return c
}

// Result is the outcome of a successful aggregation.
type Result struct {
	// TxID is the agreed tip.
	TxID chainhash.Hash

	// Supporters are the validators that claimed TxID, ascending.
	Supporters []uint32

	// Depth is the greatest depth reported by a supporter.
	Depth uint32
}

// Aggregate returns the transaction claimed by at least quorum validators.
// When several candidates reach the quorum the one with the greatest
// reported depth wins, then the one with the smaller txid. It is a pure
// function of the table.
func Aggregate(t Table, quorum uint32) fn.Option[Result] {
	if quorum == 0 {
		return fn.None[Result]()
	}

	candidates := make(map[chainhash.Hash]*Result)
	for idx, claim := range t {
		res, ok := candidates[claim.TxID]
		if !ok {
			res = &Result{TxID: claim.TxID}
			candidates[claim.TxID] = res
		}

		res.Supporters = append(res.Supporters, idx)
		if claim.Depth > res.Depth {
			res.Depth = claim.Depth
		}
	}

	var best *Result
	for _, res := range candidates {
		if len(res.Supporters) < int(quorum) {
			continue
		}

		switch {
		case best == nil:
			best = res

		case res.Depth > best.Depth:
			best = res

		case res.Depth == best.Depth &&
			bytes.Compare(res.TxID[:], best.TxID[:]) < 0:

			best = res
		}
	}

	if best == nil {
		return fn.None[Result]()
	}

	sort.Slice(best.Supporters, func(i, j int) bool {
		return best.Supporters[i] < best.Supporters[j]
	})

	return fn.Some(*best)
}
