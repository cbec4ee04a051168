package anchoring

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
)

// MessageType identifies a replicated message on the wire.
type MessageType uint8

const (
	// MsgCheckpoint reports ledger progress.
	MsgCheckpoint MessageType = 1

	// MsgSignature carries a validator's signatures on a proposal.
	MsgSignature MessageType = 2

	// MsgLect carries a validator's LECT claim.
	MsgLect MessageType = 3

	// MsgStageConfig stages the next validator set.
	MsgStageConfig MessageType = 4

	// MsgFunding adds a funding transaction.
	MsgFunding MessageType = 5
)

// String returns the name of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgCheckpoint:
		return "checkpoint"
	case MsgSignature:
		return "signature"
	case MsgLect:
		return "lect"
	case MsgStageConfig:
		return "stage_config"
	case MsgFunding:
		return "funding"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is a transaction of the host ledger that the anchoring state
// machine applies. The host delivers messages in the same order on every
// node.
type Message interface {
	// MsgType returns the type of the message.
	MsgType() MessageType
}

// CheckpointMsg is emitted by the host for every committed ledger height.
type CheckpointMsg struct {
	Height    uint64
	StateHash chainhash.Hash
}

// MsgType returns MsgCheckpoint.
func (*CheckpointMsg) MsgType() MessageType { return MsgCheckpoint }

// SignatureMsg carries the signatures of one validator on every input of
// the active proposal.
type SignatureMsg struct {
	ProposalID chainhash.Hash
	Validator  uint32
	Sigs       [][]byte
}

// MsgType returns MsgSignature.
func (*SignatureMsg) MsgType() MessageType { return MsgSignature }

// LectMsg carries a validator's claim about the anchor chain tip.
type LectMsg struct {
	Claim lect.Claim
}

// MsgType returns MsgLect.
func (*LectMsg) MsgType() MessageType { return MsgLect }

// StageConfigMsg stages the validator set that takes over at its
// activation height.
type StageConfigMsg struct {
	Config *multisig.ValidatorSetConfig
}

// MsgType returns MsgStageConfig.
func (*StageConfigMsg) MsgType() MessageType { return MsgStageConfig }

// FundingMsg adds a transaction paying to the current custodial address.
type FundingMsg struct {
	Tx *wire.MsgTx
}

// MsgType returns MsgFunding.
func (*FundingMsg) MsgType() MessageType { return MsgFunding }
