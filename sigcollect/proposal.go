package sigcollect

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the lifecycle state of a proposal.
type State uint8

const (
	// StateBuilding is a proposal that has been built but not yet
	// published for signing.
	StateBuilding State = iota

	// StateCollecting is a proposal that validators are signing.
	StateCollecting

	// StateFinalized is a proposal that reached the threshold and has a
	// fully signed transaction.
	StateFinalized

	// StateAbandoned is a proposal whose inputs are no longer the anchor
	// chain tip.
	StateAbandoned
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateCollecting:
		return "collecting"
	case StateFinalized:
		return "finalized"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Kind distinguishes regular anchoring from validator set transitions.
type Kind uint8

const (
	// KindAnchoring is a regular checkpoint proposal.
	KindAnchoring Kind = iota

	// KindTransition moves the custodial funds to a new address.
	KindTransition
)

// String returns the name of the kind.
func (k Kind) String() string {
	if k == KindTransition {
		return "transition"
	}

	return "anchoring"
}

// Proposal is an anchoring transaction that is being signed by the validator
// set. Its ID is the hash of the unsigned transaction and never changes.
type Proposal struct {
	ID            chainhash.Hash
	Kind          Kind
	Epoch         uint64
	CreatedHeight uint64

	UnsignedTx  *wire.MsgTx
	Inputs      []anchortx.SpentOutput
	Payload     checkpoint.Payload
	Destination []byte

	// Signatures holds, per validator index, one signature per input.
	Signatures map[uint32][][]byte

	State         State
	FinalTx       fn.Option[*wire.MsgTx]
	AbandonReason string
}

// NewProposal wraps a built transaction into a proposal in StateBuilding.
func NewProposal(kind Kind, epoch, height uint64, res *anchortx.Result,
	payload checkpoint.Payload) *Proposal {

	return &Proposal{
		ID:            res.Tx.TxHash(),
		Kind:          kind,
		Epoch:         epoch,
		CreatedHeight: height,
		UnsignedTx:    res.Tx,
		Inputs:        res.Inputs,
		Payload:       payload,
		Destination: res.Tx.TxOut[anchortx.CustodialOutputIndex].
			PkScript,
		Signatures: make(map[uint32][][]byte),
		State:      StateBuilding,
		FinalTx:    fn.None[*wire.MsgTx](),
	}
}

// String returns a short description of the proposal.
func (p *Proposal) String() string {
	return fmt.Sprintf("%v proposal %v (%v, %d sigs)", p.Kind, p.ID,
		p.State, len(p.Signatures))
}

// Copy returns a copy of the proposal that can be modified without affecting
// the original. Transactions are treated as immutable and shared.
func (p *Proposal) Copy() *Proposal {
	c := *p

	c.Inputs = append([]anchortx.SpentOutput(nil), p.Inputs...)
	c.Signatures = make(map[uint32][][]byte, len(p.Signatures))
	for idx, sigs := range p.Signatures {
		c.Signatures[idx] = sigs
	}

	return &c
}

// PrimaryInput returns the outpoint that continues the anchor chain.
func (p *Proposal) PrimaryInput() wire.OutPoint {
	return p.Inputs[0].OutPoint
}

// FinalTxID returns the txid of the signed transaction once finalized. It
// equals ID for legacy transactions, but callers should not rely on that.
func (p *Proposal) FinalTxID() fn.Option[chainhash.Hash] {
	return fn.MapOption(func(tx *wire.MsgTx) chainhash.Hash {
		return tx.TxHash()
	})(p.FinalTx)
}

// IsActive returns true while the proposal blocks new proposals.
func (p *Proposal) IsActive() bool {
	return p.State == StateBuilding || p.State == StateCollecting ||
		p.State == StateFinalized
}

// Open moves a built proposal into StateCollecting.
func (p *Proposal) Open() error {
	if p.State != StateBuilding {
		return fmt.Errorf("%w: open from %v", ErrInvalidTransition,
			p.State)
	}
	p.State = StateCollecting

	return nil
}

// Abandon moves the proposal into StateAbandoned.
func (p *Proposal) Abandon(reason string) error {
	if p.State == StateAbandoned {
		return fmt.Errorf("%w: already abandoned", ErrInvalidTransition)
	}

	log.Infof("Abandoning %v: %v", p, reason)

	p.State = StateAbandoned
	p.AbandonReason = reason

	return nil
}

// AddSignature records the signatures of validator idx, one per input. It
// returns true exactly once: when the signature brings the proposal to the
// threshold and the signed transaction has been assembled. A rejected
// signature leaves the proposal unchanged. prevTxs must know the transactions
// of every input once the threshold is reached.
func (p *Proposal) AddSignature(cfg *multisig.ValidatorSetConfig,
	addr *multisig.CustodialAddress, prevTxs PrevTxSource, idx uint32,
	sigs [][]byte) (bool, error) {

	if p.State != StateCollecting {
		return false, fmt.Errorf("%w: %v", ErrProposalClosed, p)
	}
	if int(idx) >= cfg.NumValidators() {
		return false, fmt.Errorf("%w: index %d", ErrUnknownValidator,
			idx)
	}
	if _, ok := p.Signatures[idx]; ok {
		return false, fmt.Errorf("%w: validator %d",
			ErrDuplicateSignature, idx)
	}
	if len(sigs) != len(p.UnsignedTx.TxIn) {
		return false, &InvalidSignatureError{
			Validator: idx,
			Input:     len(sigs),
			Err: fmt.Errorf("got %d signatures for %d inputs",
				len(sigs), len(p.UnsignedTx.TxIn)),
		}
	}

	for i, sig := range sigs {
		err := multisig.VerifyInput(
			p.UnsignedTx, i, addr.RedeemScript, cfg.PubKeys[idx], sig,
		)
		if err != nil {
			return false, &InvalidSignatureError{
				Validator: idx,
				Input:     i,
				Err:       err,
			}
		}
	}

	p.Signatures[idx] = sigs

	log.Debugf("Validator %d signed %v", idx, p)

	if len(p.Signatures) < int(addr.Threshold) {
		return false, nil
	}

	finalTx, err := p.assemble(cfg, addr, prevTxs)
	if err != nil {
		delete(p.Signatures, idx)
		return false, err
	}

	p.FinalTx = fn.Some(finalTx)
	p.State = StateFinalized

	log.Infof("Finalized %v as %v", p, finalTx.TxHash())

	return true, nil
}

// Sign produces the local validator's signatures over every input of the
// proposal.
func Sign(p *Proposal, addr *multisig.CustodialAddress,
	priv *btcec.PrivateKey) ([][]byte, error) {

	sigs := make([][]byte, len(p.UnsignedTx.TxIn))
	for i := range p.UnsignedTx.TxIn {
		sig, err := multisig.SignInput(
			p.UnsignedTx, i, addr.RedeemScript, priv,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to sign input %d: %w", i,
				err)
		}
		sigs[i] = sig
	}

	return sigs, nil
}
