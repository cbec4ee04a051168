package anchoring

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
)

// Event is a side effect requested by a state transition. Events are
// executed by each node locally and never feed back into the replicated
// state directly.
type Event interface {
	eventSealed()
}

// BroadcastTx asks the node to publish a finalized transaction.
type BroadcastTx struct {
	ProposalID chainhash.Hash
	Tx         *wire.MsgTx
}

// ProposalOpened announces a proposal that validators should sign.
type ProposalOpened struct {
	Proposal *sigcollect.Proposal
}

// ProposalAbandoned announces that a proposal will never complete.
type ProposalAbandoned struct {
	ProposalID chainhash.Hash
	Reason     string
}

// TipAdvanced announces a new agreed anchor chain tip.
type TipAdvanced struct {
	TxID       chainhash.Hash
	Kind       anchortx.Kind
	Supporters []uint32
}

// ConfigActivated announces that the following validator set took over.
type ConfigActivated struct {
	Epoch   uint64
	Address string
}

// Halted announces that anchoring stopped and needs an operator.
type Halted struct {
	Reason string
}

func (*BroadcastTx) eventSealed()       {}
func (*ProposalOpened) eventSealed()    {}
func (*ProposalAbandoned) eventSealed() {}
func (*TipAdvanced) eventSealed()       {}
func (*ConfigActivated) eventSealed()   {}
func (*Halted) eventSealed()            {}
