// Package transition moves custody of the anchored funds from one validator
// set to the next.
package transition

import (
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/chainfee"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// QuorumUnreachableError is the fatal condition where the old validator set
// can no longer sign the transition. It requires operator intervention.
type QuorumUnreachableError struct {
	Epoch  uint64
	Live   int
	Needed uint32
	Reason string
}

// Error returns a human readable description of the error.
func (e *QuorumUnreachableError) Error() string {
	return fmt.Sprintf("transition of epoch %d cannot complete: %s "+
		"(%d live, %d needed)", e.Epoch, e.Reason, e.Live, e.Needed)
}

// Liveness is a bitmap of the validators that submitted a claim or a
// signature during the current epoch.
type Liveness uint32

// Mark returns the bitmap with validator idx set.
func (l Liveness) Mark(idx uint32) Liveness {
	return l | 1<<idx
}

// Has returns true if validator idx is live.
func (l Liveness) Has(idx uint32) bool {
	return l&(1<<idx) != 0
}

// Count returns the number of live validators.
func (l Liveness) Count() int {
	return bits.OnesCount32(uint32(l))
}

// Due returns the staged config if its activation height has been reached.
func Due(following fn.Option[*multisig.ValidatorSetConfig],
	ledgerHeight uint64) fn.Option[*multisig.ValidatorSetConfig] {

	ready := fn.MapOptionZ(following,
		func(cfg *multisig.ValidatorSetConfig) bool {
			return cfg.ActivationHeight <= ledgerHeight
		},
	)
	if !ready {
		return fn.None[*multisig.ValidatorSetConfig]()
	}

	return following
}

// CheckQuorum returns a QuorumUnreachableError if fewer than threshold
// validators of the old set have been live.
func CheckQuorum(epoch uint64, old *multisig.ValidatorSetConfig,
	live Liveness) error {

	if live.Count() >= int(old.Threshold) {
		return nil
	}

	return &QuorumUnreachableError{
		Epoch:  epoch,
		Live:   live.Count(),
		Needed: old.Threshold,
		Reason: "not enough live validators in the old set",
	}
}

// CheckTimeout returns a QuorumUnreachableError if a transition opened at
// startHeight has not finalized within timeout ledger heights. live must only
// count validators seen since the transition opened: when fewer than
// threshold of them showed up the error reports the missing quorum, otherwise
// the timeout itself. A zero timeout disables the check.
func CheckTimeout(epoch uint64, old *multisig.ValidatorSetConfig,
	live Liveness, startHeight, height, timeout uint64) error {

	if timeout == 0 || height < startHeight+timeout {
		return nil
	}

	if err := CheckQuorum(epoch, old, live); err != nil {
		return err
	}

	return &QuorumUnreachableError{
		Epoch:  epoch,
		Live:   live.Count(),
		Needed: old.Threshold,
		Reason: fmt.Sprintf("not finalized within %d heights", timeout),
	}
}

// Request describes a pending transition.
type Request struct {
	// Epoch is the epoch of the old config.
	Epoch uint64

	// Height is the ledger height at which the transition is proposed.
	Height uint64

	// Old and New are the outgoing and incoming configs.
	Old *multisig.ValidatorSetConfig
	New *multisig.ValidatorSetConfig

	// Net selects the address encoding.
	Net *chaincfg.Params

	// Funds are the outputs held by the old address: the anchor chain
	// tip or funding output first, then pending funding outputs. Empty
	// when the chain has not been funded yet.
	Funds []anchortx.SpentOutput

	// LastPayload is the last anchored checkpoint, carried as marker.
	LastPayload checkpoint.Payload

	// FeeRate is the anchoring fee rate.
	FeeRate chainfee.SatPerVByte
}

// Plan is the result of planning a transition.
type Plan struct {
	OldAddress *multisig.CustodialAddress
	NewAddress *multisig.CustodialAddress

	// Proposal is the transition proposal, or None when the new config
	// can be activated immediately.
	Proposal fn.Option[*sigcollect.Proposal]
}

// Immediate returns true if no funds need to move.
func (p *Plan) Immediate() bool {
	return p.Proposal.IsNone()
}

// NewPlan derives both addresses and, if funds are held by an old address
// that differs from the new one, builds the transition proposal spending all
// of them to the new address.
func NewPlan(req *Request) (*Plan, error) {
	oldAddr, err := multisig.DeriveAddress(req.Old, req.Net)
	if err != nil {
		return nil, err
	}
	newAddr, err := multisig.DeriveAddress(req.New, req.Net)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		OldAddress: oldAddr,
		NewAddress: newAddr,
		Proposal:   fn.None[*sigcollect.Proposal](),
	}

	switch {
	case req.Old.SameSigners(req.New):
		log.Infof("Epoch %d transition keeps address %v, activating "+
			"immediately", req.Epoch, oldAddr)
		return plan, nil

	case len(req.Funds) == 0:
		log.Infof("Epoch %d transition has no funds to move, "+
			"activating immediately", req.Epoch)
		return plan, nil
	}

	res, err := anchortx.Build(&anchortx.BuildRequest{
		Source:      oldAddr,
		Destination: newAddr,
		Primary:     req.Funds[0],
		Extra:       req.Funds[1:],
		Payload:     req.LastPayload,
		PrevHeight:  fn.None[uint64](),
		FeeRate:     req.FeeRate,
		Transition:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to build transition: %w", err)
	}

	proposal := sigcollect.NewProposal(
		sigcollect.KindTransition, req.Epoch, req.Height, res,
		req.LastPayload,
	)

	log.Infof("Planned transition %v -> %v moving %d outputs, fee %v",
		oldAddr, newAddr, len(res.Inputs), res.Fee)

	plan.Proposal = fn.Some(proposal)

	return plan, nil
}
