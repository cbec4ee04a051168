package anchortx

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// CustodialOutputIndex is the position of the output that carries
	// the custodial funds forward in an anchoring transaction.
	CustodialOutputIndex = 0
)

// SpentOutput is an output of the anchor chain that a proposal spends.
type SpentOutput struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
}

// String returns the outpoint and value of the output.
func (s SpentOutput) String() string {
	return fmt.Sprintf("%v (%v)", s.OutPoint, s.Value)
}

// outPointLess orders outpoints by txid bytes, then output index.
func outPointLess(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}

// FindOutput returns the index of the first output of tx paying to pkScript.
func FindOutput(tx *wire.MsgTx, pkScript []byte) fn.Option[uint32] {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return fn.Some(uint32(i))
		}
	}

	return fn.None[uint32]()
}

// OutputOf returns output idx of tx as a SpentOutput.
func OutputOf(tx *wire.MsgTx, idx uint32) (SpentOutput, error) {
	if int(idx) >= len(tx.TxOut) {
		return SpentOutput{}, fmt.Errorf("tx %v has no output %d",
			tx.TxHash(), idx)
	}

	out := tx.TxOut[idx]

	return SpentOutput{
		OutPoint: *wire.NewOutPoint(ptrHash(tx.TxHash()), idx),
		Value:    btcutil.Amount(out.Value),
		PkScript: out.PkScript,
	}, nil
}

// FundingOutput returns the output of a funding transaction that pays to the
// custodial pkScript.
func FundingOutput(tx *wire.MsgTx, pkScript []byte) fn.Option[SpentOutput] {
	return fn.MapOption(func(idx uint32) SpentOutput {
		// The index comes from FindOutput so it is always in range.
		out, _ := OutputOf(tx, idx)
		return out
	})(FindOutput(tx, pkScript))
}

// Kind classifies a transaction relative to the anchor chain.
type Kind uint8

const (
	// KindOther is any transaction unrelated to the anchor chain.
	KindOther Kind = iota

	// KindAnchoring is a transaction that pays to a custodial address in
	// output 0 and carries a checkpoint in output 1.
	KindAnchoring

	// KindFunding is a transaction that pays to a custodial address but
	// carries no checkpoint.
	KindFunding
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAnchoring:
		return "anchoring"
	case KindFunding:
		return "funding"
	default:
		return "other"
	}
}

// Classify determines whether tx is part of the anchor chain, given the
// output scripts of the custodial addresses known to the caller.
func Classify(tx *wire.MsgTx, pkScripts ...[]byte) Kind {
	paysTo := func(idx int) bool {
		if idx >= len(tx.TxOut) {
			return false
		}
		for _, script := range pkScripts {
			if bytes.Equal(tx.TxOut[idx].PkScript, script) {
				return true
			}
		}

		return false
	}

	if paysTo(CustodialOutputIndex) {
		if _, err := checkpoint.FromTx(tx); err == nil {
			return KindAnchoring
		}
	}

	for i := range tx.TxOut {
		if paysTo(i) {
			return KindFunding
		}
	}

	return KindOther
}

func ptrHash(h chainhash.Hash) *chainhash.Hash {
	return &h
}
