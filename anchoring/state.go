package anchoring

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/csales1987/exonum-btc-anchoring/transition"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// keptAncestors is the number of anchor chain transactions behind the tip
// that stay in Known. Claims may still refer to them.
const keptAncestors = 16

// Status tells whether anchoring is running.
type Status uint8

const (
	// StatusActive is the normal operating status.
	StatusActive Status = iota

	// StatusHalted means a transition could not complete and anchoring
	// is stopped until an operator intervenes.
	StatusHalted
)

// String returns the name of the status.
func (s Status) String() string {
	if s == StatusHalted {
		return "halted"
	}

	return "active"
}

// TipInfo is the agreed tip of the anchor chain.
type TipInfo struct {
	TxID chainhash.Hash
	Tx   *wire.MsgTx
	Kind anchortx.Kind
}

// ChainState is the replicated anchoring state. Every node holds an
// identical copy and only changes it through Machine.Apply.
type ChainState struct {
	// Epoch counts activated validator sets, starting at zero.
	Epoch uint64

	// Config is the validator set of the current epoch.
	Config *multisig.ValidatorSetConfig

	// Following is the staged validator set, if any.
	Following fn.Option[*multisig.ValidatorSetConfig]

	// Recent are the configs of previous epochs, oldest first. Their
	// addresses are still scanned for stray funds and claims.
	Recent []*multisig.ValidatorSetConfig

	// Tip is the agreed LECT.
	Tip fn.Option[TipInfo]

	// LastAnchored is the checkpoint carried by the latest anchoring tip.
	LastAnchored fn.Option[checkpoint.Payload]

	// Known holds the tip with up to keptAncestors anchor chain
	// transactions behind it, the pending and configured funding
	// transactions and the transactions the active proposal spends.
	Known map[chainhash.Hash]*wire.MsgTx

	// Funding are the unspent funding outputs not yet consumed by the
	// anchor chain.
	Funding []anchortx.SpentOutput

	// Active is the proposal validators are working on.
	Active fn.Option[*sigcollect.Proposal]

	// Claims are the LECT claims of the current epoch.
	Claims lect.Table

	// Live marks the validators of the current epoch that submitted a
	// claim or a signature. It restarts when a transition proposal opens.
	Live transition.Liveness

	// TransitionStart is the ledger height at which the first transition
	// proposal of the epoch opened.
	TransitionStart fn.Option[uint64]

	// LedgerHeight and LedgerHash are the latest ledger checkpoint.
	LedgerHeight uint64
	LedgerHash   chainhash.Hash

	Status     Status
	HaltReason string
}

// NewChainState returns the genesis state for the initial validator set. If
// the config carries a funding transaction it must pay to the derived
// custodial address.
func NewChainState(cfg *multisig.ValidatorSetConfig,
	net *chaincfg.Params) (*ChainState, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &ChainState{
		Config:          cfg.Copy(),
		Following:       fn.None[*multisig.ValidatorSetConfig](),
		Tip:             fn.None[TipInfo](),
		LastAnchored:    fn.None[checkpoint.Payload](),
		Known:           make(map[chainhash.Hash]*wire.MsgTx),
		Active:          fn.None[*sigcollect.Proposal](),
		Claims:          make(lect.Table),
		TransitionStart: fn.None[uint64](),
	}

	addr, err := s.Address(net)
	if err != nil {
		return nil, err
	}

	err = fn.ElimOption(cfg.FundingTx, func() error {
		return nil
	}, func(tx *wire.MsgTx) error {
		return s.addFunding(tx, addr.PkScript)
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Copy returns a copy of the state that can be modified without affecting
// the original. Configs and transactions are immutable and shared.
func (s *ChainState) Copy() *ChainState {
	c := *s

	c.Recent = append([]*multisig.ValidatorSetConfig(nil), s.Recent...)
	c.Known = make(map[chainhash.Hash]*wire.MsgTx, len(s.Known))
	for txid, tx := range s.Known {
		c.Known[txid] = tx
	}
	c.Funding = append([]anchortx.SpentOutput(nil), s.Funding...)
	c.Active = fn.MapOption(func(p *sigcollect.Proposal) *sigcollect.Proposal {
		return p.Copy()
	})(s.Active)
	c.Claims = s.Claims.Copy()

	return &c
}

// IsKnown returns true for agreed anchor chain and funding transactions.
func (s *ChainState) IsKnown(txid chainhash.Hash) bool {
	_, ok := s.Known[txid]
	return ok
}

// PrevTx returns a known anchor chain or funding transaction.
func (s *ChainState) PrevTx(txid chainhash.Hash) fn.Option[*wire.MsgTx] {
	tx, ok := s.Known[txid]
	if !ok {
		return fn.None[*wire.MsgTx]()
	}

	return fn.Some(tx)
}

// IsHalted returns true if anchoring stopped.
func (s *ChainState) IsHalted() bool {
	return s.Status == StatusHalted
}

// Address derives the custodial address of the current epoch.
func (s *ChainState) Address(net *chaincfg.Params) (
	*multisig.CustodialAddress, error) {

	return multisig.DeriveAddress(s.Config, net)
}

// Addresses returns the current custodial address followed by the recent
// ones and the staged following one.
func (s *ChainState) Addresses(net *chaincfg.Params) (
	[]*multisig.CustodialAddress, error) {

	cfgs := []*multisig.ValidatorSetConfig{s.Config}
	for i := len(s.Recent) - 1; i >= 0; i-- {
		cfgs = append(cfgs, s.Recent[i])
	}
	s.Following.WhenSome(func(cfg *multisig.ValidatorSetConfig) {
		cfgs = append(cfgs, cfg)
	})

	addrs := make([]*multisig.CustodialAddress, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		addr, err := multisig.DeriveAddress(cfg, net)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[addr.String()]; ok {
			continue
		}
		seen[addr.String()] = struct{}{}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// pkScripts returns the output scripts of Addresses.
func (s *ChainState) pkScripts(net *chaincfg.Params) ([][]byte, error) {
	addrs, err := s.Addresses(net)
	if err != nil {
		return nil, err
	}

	scripts := make([][]byte, len(addrs))
	for i, addr := range addrs {
		scripts[i] = addr.PkScript
	}

	return scripts, nil
}

// TrackerView returns the part of the state a LECT tracker needs to poll the
// Bitcoin network.
func (s *ChainState) TrackerView(net *chaincfg.Params) (*lect.View, error) {
	addrs, err := s.Addresses(net)
	if err != nil {
		return nil, err
	}

	view := &lect.View{
		Epoch: s.Epoch,
		Known: make(map[chainhash.Hash]struct{}, len(s.Known)),
		Active: fn.MapOption(
			func(p *sigcollect.Proposal) lect.ActiveProposal {
				return lect.ActiveProposal{
					ID:        p.ID,
					Input:     p.PrimaryInput(),
					FinalTxID: p.FinalTxID(),
				}
			},
		)(s.Active),
	}
	for _, addr := range addrs {
		view.Addresses = append(
			view.Addresses, btcutil.Address(addr.Address),
		)
		view.PkScripts = append(view.PkScripts, addr.PkScript)
	}
	for txid := range s.Known {
		view.Known[txid] = struct{}{}
	}

	return view, nil
}

// tipOutput returns the output of the tip that pays to pkScript: output 0 of
// an anchoring tip, or the funding output of a funding tip.
func (s *ChainState) tipOutput(pkScript []byte) fn.Option[anchortx.SpentOutput] {
	return fn.FlatMapOption(
		func(tip TipInfo) fn.Option[anchortx.SpentOutput] {
			if tip.Kind == anchortx.KindFunding {
				return anchortx.FundingOutput(tip.Tx, pkScript)
			}

			out, err := anchortx.OutputOf(
				tip.Tx, anchortx.CustodialOutputIndex,
			)
			if err != nil || !bytes.Equal(out.PkScript, pkScript) {
				return fn.None[anchortx.SpentOutput]()
			}

			return fn.Some(out)
		},
	)(s.Tip)
}

// funds returns the outputs spendable by the address with pkScript: the tip
// output first, then the pending funding outputs in the order they were
// added.
func (s *ChainState) funds(pkScript []byte) []anchortx.SpentOutput {
	var (
		outs []anchortx.SpentOutput
		seen = make(map[wire.OutPoint]struct{})
	)
	s.tipOutput(pkScript).WhenSome(func(out anchortx.SpentOutput) {
		outs = append(outs, out)
		seen[out.OutPoint] = struct{}{}
	})

	for _, out := range s.Funding {
		if _, ok := seen[out.OutPoint]; ok {
			continue
		}
		if !bytes.Equal(out.PkScript, pkScript) {
			continue
		}
		seen[out.OutPoint] = struct{}{}
		outs = append(outs, out)
	}

	return outs
}

// addFunding records a funding transaction paying to pkScript.
func (s *ChainState) addFunding(tx *wire.MsgTx, pkScript []byte) error {
	txid := tx.TxHash()
	if s.IsKnown(txid) {
		return fmt.Errorf("%w: %v", ErrDuplicateFunding, txid)
	}

	out, err := anchortx.FundingOutput(tx, pkScript).UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrNotFunding, txid),
	)
	if err != nil {
		return err
	}

	s.Known[txid] = tx
	s.Funding = append(s.Funding, out)

	return nil
}

// dropSpentFunding removes the funding outputs spent by any of txs.
func (s *ChainState) dropSpentFunding(txs []*wire.MsgTx) {
	spent := make(map[wire.OutPoint]struct{})
	for _, tx := range txs {
		for _, txIn := range tx.TxIn {
			spent[txIn.PreviousOutPoint] = struct{}{}
		}
	}

	var kept []anchortx.SpentOutput
	for _, out := range s.Funding {
		if _, ok := spent[out.OutPoint]; ok {
			continue
		}
		kept = append(kept, out)
	}
	s.Funding = kept
}

// pruneKnown drops the transactions Known no longer needs to hold.
func (s *ChainState) pruneKnown() {
	keep := make(map[chainhash.Hash]struct{})

	s.Tip.WhenSome(func(tip TipInfo) {
		tx := tip.Tx
		for i := 0; i <= keptAncestors; i++ {
			keep[tx.TxHash()] = struct{}{}
			if len(tx.TxIn) == 0 {
				return
			}

			prev, ok := s.Known[tx.TxIn[0].PreviousOutPoint.Hash]
			if !ok {
				return
			}
			tx = prev
		}
	})

	for _, out := range s.Funding {
		keep[out.OutPoint.Hash] = struct{}{}
	}

	cfgs := append([]*multisig.ValidatorSetConfig{s.Config}, s.Recent...)
	for _, cfg := range cfgs {
		cfg.FundingTx.WhenSome(func(tx *wire.MsgTx) {
			keep[tx.TxHash()] = struct{}{}
		})
	}

	s.Active.WhenSome(func(p *sigcollect.Proposal) {
		for _, in := range p.Inputs {
			keep[in.OutPoint.Hash] = struct{}{}
		}
	})

	for txid := range s.Known {
		if _, ok := keep[txid]; !ok {
			delete(s.Known, txid)
		}
	}
}

// knownTxIDs returns the txids of Known in ascending order.
func (s *ChainState) knownTxIDs() []chainhash.Hash {
	txids := make([]chainhash.Hash, 0, len(s.Known))
	for txid := range s.Known {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return bytes.Compare(txids[i][:], txids[j][:]) < 0
	})

	return txids
}
