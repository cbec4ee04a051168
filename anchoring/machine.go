package anchoring

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/chainfee"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/csales1987/exonum-btc-anchoring/transition"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultInterval is the default number of ledger heights between
	// two checkpoints.
	DefaultInterval = 1000

	// DefaultMaxRecent is the default number of previous validator sets
	// whose addresses are kept.
	DefaultMaxRecent = 4
)

// Params are the network wide anchoring parameters. Every node must use the
// same values.
type Params struct {
	// Net selects the Bitcoin network.
	Net *chaincfg.Params

	// FeeRate is applied to every anchoring transaction.
	FeeRate chainfee.SatPerVByte

	// Interval is the minimum number of ledger heights between two
	// checkpoints.
	Interval uint64

	// TransitionTimeout is the number of ledger heights a transition may
	// take before anchoring halts. Zero disables the timeout.
	TransitionTimeout uint64

	// MaxRecent bounds the number of previous configs kept.
	MaxRecent int
}

// Outcome is the result of applying a message.
type Outcome struct {
	// State is the new replicated state.
	State *ChainState

	// Events are the side effects requested by the transition, in
	// order.
	Events []Event
}

// Machine applies replicated messages to a ChainState. It holds no state of
// its own, so every node running the same Params computes the same result.
type Machine struct {
	params Params
}

// NewMachine returns a machine with the given parameters.
func NewMachine(params Params) *Machine {
	if params.MaxRecent <= 0 {
		params.MaxRecent = DefaultMaxRecent
	}

	return &Machine{params: params}
}

// Params returns the parameters of the machine.
func (m *Machine) Params() Params {
	return m.params
}

// Apply returns the state that results from applying msg to state. The input
// state is never modified. A non-nil error means the message was rejected
// and the state is unchanged.
func (m *Machine) Apply(state *ChainState, msg Message) (*Outcome, error) {
	if state.IsHalted() && msg.MsgType() != MsgCheckpoint {
		return nil, fmt.Errorf("%w: %s", ErrHalted, state.HaltReason)
	}

	out := &Outcome{State: state.Copy()}

	var err error
	switch msg := msg.(type) {
	case *CheckpointMsg:
		err = m.applyCheckpoint(out, msg)

	case *SignatureMsg:
		err = m.applySignature(out, msg)

	case *LectMsg:
		err = m.applyLect(out, msg)

	case *StageConfigMsg:
		err = m.applyStageConfig(out, msg)

	case *FundingMsg:
		err = m.applyFunding(out, msg)

	default:
		err = fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if err != nil {
		return nil, err
	}

	m.propose(out)

	return out, nil
}

func (m *Machine) applyCheckpoint(out *Outcome, msg *CheckpointMsg) error {
	s := out.State

	fresh := s.LedgerHeight == 0 && s.LedgerHash == chainhash.Hash{}
	if !fresh && msg.Height <= s.LedgerHeight {
		return fmt.Errorf("%w: height %d, ledger at %d",
			ErrStaleCheckpoint, msg.Height, s.LedgerHeight)
	}

	s.LedgerHeight = msg.Height
	s.LedgerHash = msg.StateHash

	return nil
}

func (m *Machine) applySignature(out *Outcome, msg *SignatureMsg) error {
	s := out.State

	p, err := s.Active.UnwrapOrErr(ErrUnknownProposal)
	if err != nil {
		return err
	}
	if p.ID != msg.ProposalID {
		return fmt.Errorf("%w: %v, active is %v", ErrUnknownProposal,
			msg.ProposalID, p.ID)
	}

	addr, err := s.Address(m.params.Net)
	if err != nil {
		return err
	}

	done, err := p.AddSignature(
		s.Config, addr, s.PrevTx, msg.Validator, msg.Sigs,
	)
	if err != nil {
		return err
	}
	s.Live = s.Live.Mark(msg.Validator)

	if !done {
		return nil
	}

	out.Events = append(out.Events, &BroadcastTx{
		ProposalID: p.ID,
		Tx:         p.FinalTx.UnsafeFromSome(),
	})

	if p.Kind == sigcollect.KindTransition {
		m.activate(out)
	}

	return nil
}

func (m *Machine) applyLect(out *Outcome, msg *LectMsg) error {
	s := out.State
	claim := msg.Claim

	if claim.Epoch != s.Epoch {
		return fmt.Errorf("%w: claim epoch %d, current %d",
			ErrWrongEpoch, claim.Epoch, s.Epoch)
	}
	if int(claim.Validator) >= s.Config.NumValidators() {
		return fmt.Errorf("%w: index %d", ErrUnknownValidator,
			claim.Validator)
	}
	if err := lect.ValidatePath(claim, s.IsKnown); err != nil {
		return err
	}

	scripts, err := s.pkScripts(m.params.Net)
	if err != nil {
		return err
	}
	for _, tx := range claim.Path {
		if anchortx.Classify(tx, scripts...) != anchortx.KindAnchoring {
			return fmt.Errorf("%w: %v", ErrNotAnchoring,
				tx.TxHash())
		}
	}

	claim.Depth = lect.CapDepth(claim.Depth)
	s.Claims[claim.Validator] = claim
	s.Live = s.Live.Mark(claim.Validator)

	log.Debugf("Recorded %v", claim)

	agreed := lect.Aggregate(s.Claims, s.Config.Quorum())
	agreed.WhenSome(func(res lect.Result) {
		current := fn.MapOptionZ(s.Tip, func(tip TipInfo) chainhash.Hash {
			return tip.TxID
		})
		if s.Tip.IsSome() && current == res.TxID {
			return
		}

		m.advanceTip(out, res, scripts)
	})

	return nil
}

// advanceTip moves the tip to the agreed transaction and settles the active
// proposal against it.
func (m *Machine) advanceTip(out *Outcome, res lect.Result,
	scripts [][]byte) {

	s := out.State

	var path []*wire.MsgTx
	for _, idx := range res.Supporters {
		if claimPath := s.Claims[idx].Path; len(claimPath) > 0 {
			path = claimPath
			break
		}
	}
	for _, tx := range path {
		s.Known[tx.TxHash()] = tx
	}
	s.dropSpentFunding(path)

	tx := s.Known[res.TxID]
	tip := TipInfo{
		TxID: res.TxID,
		Tx:   tx,
		Kind: anchortx.Classify(tx, scripts...),
	}
	s.Tip = fn.Some(tip)

	if tip.Kind == anchortx.KindAnchoring {
		if payload, err := checkpoint.FromTx(tx); err == nil {
			s.LastAnchored = fn.Some(payload)
		}
	}

	log.Infof("Anchor chain tip advanced to %v (%v) supported by %v",
		tip.TxID, tip.Kind, res.Supporters)

	out.Events = append(out.Events, &TipAdvanced{
		TxID:       tip.TxID,
		Kind:       tip.Kind,
		Supporters: res.Supporters,
	})

	defer s.pruneKnown()

	p, err := s.Active.UnwrapOrErr(ErrUnknownProposal)
	if err != nil {
		return
	}

	reached := fn.MapOptionZ(p.FinalTxID(), func(h chainhash.Hash) bool {
		return h == tip.TxID
	})
	if reached {
		log.Infof("Anchor chain reached %v", p)
		s.Active = fn.None[*sigcollect.Proposal]()
		return
	}

	continues := fn.MapOptionZ(s.tipOutput(p.Inputs[0].PkScript),
		func(o anchortx.SpentOutput) bool {
			return o.OutPoint == p.PrimaryInput()
		},
	)
	if continues {
		return
	}

	reason := fmt.Sprintf("tip moved to %v", tip.TxID)
	m.abandon(out, p, reason)

	// A finalized transition already handed custody to the new set, so
	// losing it leaves the funds out of reach of the current config.
	if p.Kind == sigcollect.KindTransition &&
		p.State == sigcollect.StateAbandoned && p.FinalTx.IsSome() {

		m.halt(out, fmt.Sprintf("finalized transition %v lost: %s",
			p.ID, reason))
	}
}

func (m *Machine) applyStageConfig(out *Outcome, msg *StageConfigMsg) error {
	s := out.State

	if s.Following.IsSome() {
		return ErrTransitionPending
	}
	if err := msg.Config.Validate(); err != nil {
		return err
	}
	if msg.Config.ActivationHeight <= s.LedgerHeight {
		return fmt.Errorf("%w: activation at %d, ledger at %d",
			ErrActivationPassed, msg.Config.ActivationHeight,
			s.LedgerHeight)
	}

	s.Following = fn.Some(msg.Config.Copy())

	log.Infof("Staged validator set of %d keys (threshold %d) for "+
		"height %d", msg.Config.NumValidators(), msg.Config.Threshold,
		msg.Config.ActivationHeight)

	return nil
}

func (m *Machine) applyFunding(out *Outcome, msg *FundingMsg) error {
	s := out.State

	pending := fn.MapOptionZ(s.Active, func(p *sigcollect.Proposal) bool {
		return p.Kind == sigcollect.KindTransition
	})
	if pending {
		return ErrTransitionPending
	}

	addr, err := s.Address(m.params.Net)
	if err != nil {
		return err
	}
	if err := s.addFunding(msg.Tx, addr.PkScript); err != nil {
		return err
	}

	log.Infof("Added funding transaction %v to %v", msg.Tx.TxHash(),
		addr)

	return nil
}

// propose opens the next proposal if none is active: a transition when the
// staged config is due, an anchoring proposal otherwise.
func (m *Machine) propose(out *Outcome) {
	s := out.State
	if s.IsHalted() {
		return
	}

	if transition.Due(s.Following, s.LedgerHeight).IsSome() {
		m.proposeTransition(out)
		return
	}

	if s.Active.IsSome() {
		return
	}

	m.proposeAnchoring(out)
}

func (m *Machine) proposeTransition(out *Outcome) {
	s := out.State

	if p, err := s.Active.UnwrapOrErr(ErrUnknownProposal); err == nil {
		switch {
		case p.Kind == sigcollect.KindTransition:
			start := s.TransitionStart.UnwrapOr(s.LedgerHeight)
			err := transition.CheckTimeout(
				s.Epoch, s.Config, s.Live, start,
				s.LedgerHeight, m.params.TransitionTimeout,
			)
			if err != nil {
				m.halt(out, err.Error())
			}
			return

		case p.State == sigcollect.StateFinalized:
			// Wait for the anchor chain to reach it so the
			// transition spends its output.
			return

		default:
			m.abandon(out, p, "superseded by validator set "+
				"transition")
		}
	}

	addr, err := s.Address(m.params.Net)
	if err != nil {
		m.halt(out, err.Error())
		return
	}

	plan, err := transition.NewPlan(&transition.Request{
		Epoch:       s.Epoch,
		Height:      s.LedgerHeight,
		Old:         s.Config,
		New:         s.Following.UnsafeFromSome(),
		Net:         m.params.Net,
		Funds:       s.funds(addr.PkScript),
		LastPayload: s.LastAnchored.UnwrapOr(checkpoint.Payload{}),
		FeeRate:     m.params.FeeRate,
	})
	if err != nil {
		m.halt(out, err.Error())
		return
	}

	if plan.Immediate() {
		m.activate(out)
		return
	}

	// Liveness is measured from here on: only old validators that act
	// while the transition is open count towards its quorum.
	s.Live = 0
	if s.TransitionStart.IsNone() {
		s.TransitionStart = fn.Some(s.LedgerHeight)
	}

	m.open(out, plan.Proposal.UnsafeFromSome())
}

func (m *Machine) proposeAnchoring(out *Outcome) {
	s := out.State

	if s.LedgerHeight == 0 && s.LedgerHash == (chainhash.Hash{}) {
		return
	}

	addr, err := s.Address(m.params.Net)
	if err != nil {
		log.Errorf("Unable to derive custodial address: %v", err)
		return
	}

	funds := s.funds(addr.PkScript)
	if len(funds) == 0 {
		log.Tracef("No funds at %v, skipping checkpoint %d", addr,
			s.LedgerHeight)
		return
	}

	payload := checkpoint.Payload{
		Height:    s.LedgerHeight,
		StateHash: s.LedgerHash,
	}
	res, err := anchortx.Build(&anchortx.BuildRequest{
		Source:      addr,
		Destination: addr,
		Primary:     funds[0],
		Extra:       funds[1:],
		Payload:     payload,
		PrevHeight: fn.MapOption(func(p checkpoint.Payload) uint64 {
			return p.Height
		})(s.LastAnchored),
		Interval: m.params.Interval,
		FeeRate:  m.params.FeeRate,
	})

	var (
		notDue *anchortx.NoCheckpointDueError
		poor   *anchortx.InsufficientFundsError
	)
	switch {
	case errors.As(err, &notDue):
		return

	case errors.As(err, &poor):
		log.Warnf("Skipping checkpoint %d: %v", s.LedgerHeight, err)
		return

	case err != nil:
		log.Errorf("Unable to build anchoring transaction: %v", err)
		return
	}

	m.open(out, sigcollect.NewProposal(
		sigcollect.KindAnchoring, s.Epoch, s.LedgerHeight, res, payload,
	))
}

// open publishes p for signing.
func (m *Machine) open(out *Outcome, p *sigcollect.Proposal) {
	if err := p.Open(); err != nil {
		log.Errorf("Unable to open %v: %v", p, err)
		return
	}
	out.State.Active = fn.Some(p)

	log.Infof("Opened %v for checkpoint %v", p, p.Payload)

	out.Events = append(out.Events, &ProposalOpened{Proposal: p.Copy()})
}

// abandon closes p and clears it from the state.
func (m *Machine) abandon(out *Outcome, p *sigcollect.Proposal,
	reason string) {

	if err := p.Abandon(reason); err != nil {
		log.Errorf("Unable to abandon %v: %v", p, err)
	}
	out.State.Active = fn.None[*sigcollect.Proposal]()

	out.Events = append(out.Events, &ProposalAbandoned{
		ProposalID: p.ID,
		Reason:     reason,
	})
}

// activate makes the following config current and starts a new epoch.
func (m *Machine) activate(out *Outcome) {
	s := out.State
	next := s.Following.UnsafeFromSome()

	s.Recent = append(s.Recent, s.Config)
	if len(s.Recent) > m.params.MaxRecent {
		s.Recent = s.Recent[len(s.Recent)-m.params.MaxRecent:]
	}
	s.Config = next
	s.Following = fn.None[*multisig.ValidatorSetConfig]()
	s.Epoch++
	s.Claims = make(lect.Table)
	s.Live = 0
	s.TransitionStart = fn.None[uint64]()

	addr, err := s.Address(m.params.Net)
	if err != nil {
		m.halt(out, err.Error())
		return
	}

	next.FundingTx.WhenSome(func(tx *wire.MsgTx) {
		if err := s.addFunding(tx, addr.PkScript); err != nil {
			log.Warnf("Ignoring funding transaction of epoch %d: "+
				"%v", s.Epoch, err)
		}
	})

	log.Infof("Activated validator set of epoch %d at %v", s.Epoch, addr)

	out.Events = append(out.Events, &ConfigActivated{
		Epoch:   s.Epoch,
		Address: addr.String(),
	})
}

// halt stops anchoring.
func (m *Machine) halt(out *Outcome, reason string) {
	s := out.State
	s.Status = StatusHalted
	s.HaltReason = reason

	log.Criticalf("Anchoring halted in epoch %d: %s", s.Epoch, reason)

	out.Events = append(out.Events, &Halted{Reason: reason})
}
