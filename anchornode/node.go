// Package anchornode runs the local side of one validator: it applies the
// replicated log to the anchoring state, signs proposals with the local key,
// reports what it sees on the Bitcoin network and publishes finalized
// transactions.
package anchornode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchordb"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/btcrpc"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/replog"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

// Ledger is the host's totally ordered message log.
type Ledger interface {
	// Submit proposes a message for inclusion.
	Submit(msg anchoring.Message) (uint64, error)

	// Subscribe delivers every entry after the given sequence number.
	Subscribe(after uint64) (*replog.Client, error)
}

// Config holds the dependencies of a Node.
type Config struct {
	// Machine applies messages. All nodes must use the same params.
	Machine *anchoring.Machine

	// Genesis is the state used when the store is empty.
	Genesis *anchoring.ChainState

	// Store persists the state after every applied message.
	Store *anchordb.Store

	// Ledger orders messages among the validators.
	Ledger Ledger

	// Gateway talks to the Bitcoin network.
	Gateway btcrpc.Gateway

	// Key is the local anchoring key. Nodes without a key only follow
	// the log.
	Key fn.Option[*btcec.PrivateKey]

	// PollTicker drives the LECT tracker and rebroadcasts.
	PollTicker ticker.Ticker

	// Backoff is the retry schedule for broadcasts.
	Backoff btcrpc.Backoff

	// MaxWalk bounds the tracker's walk back from unspent outputs.
	MaxWalk int

	// Clock timestamps polls.
	Clock clock.Clock
}

// Status is a snapshot of the node's view, for monitoring.
type Status struct {
	Seq          uint64
	Epoch        uint64
	LedgerHeight uint64
	Tip          fn.Option[chainhash.Hash]
	Active       fn.Option[chainhash.Hash]
	Halted       bool
	HaltReason   string
	Validator    fn.Option[uint32]
	LastPoll     time.Time
	Broadcasts   uint64
	Rejected     uint64
}

// Node is the per-validator anchoring loop.
type Node struct {
	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	cfg *Config

	mu       sync.RWMutex
	state    *anchoring.ChainState
	seq      uint64
	lastPoll time.Time

	broadcasts atomic.Uint64
	rejected   atomic.Uint64

	client *replog.Client
	gm     *fn.GoroutineManager
}

// New creates a node.
func New(cfg *Config) *Node {
	return &Node{
		cfg: cfg,
		gm:  fn.NewGoroutineManager(),
	}
}

// Start loads the stored state, subscribes to the ledger and starts the
// apply and poll loops.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapUint32(&n.started, 0, 1) {
		return nil
	}

	log.Info("Anchoring node starting")

	state, seq, err := n.cfg.Store.Load()
	switch {
	case errors.Is(err, anchordb.ErrNoState):
		log.Infof("No stored state, starting from genesis")
		state, seq = n.cfg.Genesis, 0

	case err != nil:
		return fmt.Errorf("unable to load state: %w", err)
	}

	n.mu.Lock()
	n.state, n.seq = state, seq
	n.mu.Unlock()

	n.client, err = n.cfg.Ledger.Subscribe(seq)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if !n.gm.Go(ctx, n.applyLoop) || !n.gm.Go(ctx, n.pollLoop) {
		return errors.New("unable to start node goroutines")
	}

	log.Infof("Anchoring node started at sequence %d, epoch %d", seq,
		state.Epoch)

	return nil
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	if !atomic.CompareAndSwapUint32(&n.stopped, 0, 1) {
		return nil
	}

	log.Info("Anchoring node shutting down...")

	n.cfg.PollTicker.Stop()
	if n.client != nil {
		n.client.Cancel()
	}
	n.gm.Stop()

	log.Info("Anchoring node shutdown complete")

	return nil
}

// State returns the current replicated state. The caller must not modify
// it.
func (n *Node) State() *anchoring.ChainState {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.state
}

// Status returns a snapshot for monitoring.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := n.state
	return Status{
		Seq:          n.seq,
		Epoch:        s.Epoch,
		LedgerHeight: s.LedgerHeight,
		Tip: fn.MapOption(func(t anchoring.TipInfo) chainhash.Hash {
			return t.TxID
		})(s.Tip),
		Active: fn.MapOption(
			func(p *sigcollect.Proposal) chainhash.Hash {
				return p.ID
			},
		)(s.Active),
		Halted:     s.IsHalted(),
		HaltReason: s.HaltReason,
		Validator:  n.validatorIndex(s),
		LastPoll:   n.lastPoll,
		Broadcasts: n.broadcasts.Load(),
		Rejected:   n.rejected.Load(),
	}
}

// validatorIndex returns the local index in the current config.
func (n *Node) validatorIndex(s *anchoring.ChainState) fn.Option[uint32] {
	return fn.FlatMapOption(
		func(key *btcec.PrivateKey) fn.Option[uint32] {
			return s.Config.IndexOf(key.PubKey())
		},
	)(n.cfg.Key)
}

// applyLoop applies every ledger entry in order.
func (n *Node) applyLoop(ctx context.Context) {
	for {
		select {
		case item, ok := <-n.client.Entries():
			if !ok {
				return
			}
			entry, ok := item.(*replog.Entry)
			if !ok {
				log.Errorf("Unexpected ledger item %T", item)
				continue
			}

			if err := n.applyEntry(ctx, entry); err != nil {
				log.Errorf("Unable to apply entry %d: %v",
					entry.Seq, err)
				return
			}

		case <-n.client.Quit():
			return

		case <-ctx.Done():
			return
		}
	}
}

// applyEntry applies and persists one entry, then executes its events. Only
// storage failures are returned; rejected messages are part of normal
// operation.
func (n *Node) applyEntry(ctx context.Context, entry *replog.Entry) error {
	n.mu.RLock()
	state, applied := n.state, n.seq
	n.mu.RUnlock()

	if entry.Seq <= applied {
		return nil
	}

	out := &anchoring.Outcome{State: state}

	msg, err := entry.Message()
	if err == nil {
		var applyErr error
		out, applyErr = n.cfg.Machine.Apply(state, msg)
		if applyErr != nil {
			log.Debugf("Rejected %v at sequence %d: %v",
				msg.MsgType(), entry.Seq, applyErr)
			n.rejected.Add(1)
			out = &anchoring.Outcome{State: state}
		}
	} else {
		log.Warnf("Undecodable entry %d: %v", entry.Seq, err)
		n.rejected.Add(1)
	}

	if err := n.cfg.Store.Commit(entry.Seq, out); err != nil {
		return err
	}

	n.mu.Lock()
	n.state, n.seq = out.State, entry.Seq
	n.mu.Unlock()

	for _, ev := range out.Events {
		n.handleEvent(ctx, out.State, ev)
	}

	return nil
}

func (n *Node) handleEvent(ctx context.Context, s *anchoring.ChainState,
	ev anchoring.Event) {

	switch ev := ev.(type) {
	case *anchoring.ProposalOpened:
		n.signProposal(s, ev.Proposal)

	case *anchoring.BroadcastTx:
		tx := ev.Tx
		n.gm.Go(ctx, func(ctx context.Context) {
			n.broadcast(ctx, tx, n.cfg.Backoff)
		})

	case *anchoring.TipAdvanced:
		log.Infof("Agreed tip %v (%v)", ev.TxID, ev.Kind)

	case *anchoring.ProposalAbandoned:
		log.Infof("Proposal %v abandoned: %v", ev.ProposalID,
			ev.Reason)

	case *anchoring.ConfigActivated:
		log.Infof("Epoch %d started, custodial address %v", ev.Epoch,
			ev.Address)

	case *anchoring.Halted:
		log.Criticalf("Anchoring halted: %v", ev.Reason)
	}
}

// signProposal signs p if the local key belongs to the current set.
func (n *Node) signProposal(s *anchoring.ChainState, p *sigcollect.Proposal) {
	key, err := n.cfg.Key.UnwrapOrErr(errors.New("no key"))
	if err != nil {
		return
	}
	idx, err := s.Config.IndexOf(key.PubKey()).UnwrapOrErr(
		errors.New("not a validator"),
	)
	if err != nil {
		log.Debugf("Not signing %v: local key not in epoch %d",
			p, s.Epoch)
		return
	}

	addr, err := s.Address(n.cfg.Machine.Params().Net)
	if err != nil {
		log.Errorf("Unable to derive address: %v", err)
		return
	}

	sigs, err := sigcollect.Sign(p, addr, key)
	if err != nil {
		log.Errorf("Unable to sign %v: %v", p, err)
		return
	}

	log.Debugf("Signing %v as validator %d", p, idx)

	_, err = n.cfg.Ledger.Submit(&anchoring.SignatureMsg{
		ProposalID: p.ID,
		Validator:  idx,
		Sigs:       sigs,
	})
	if err != nil {
		log.Errorf("Unable to submit signature: %v", err)
	}
}

// broadcast publishes tx, retrying while the backend is unavailable.
func (n *Node) broadcast(ctx context.Context, tx *wire.MsgTx,
	backoff btcrpc.Backoff) {

	err := btcrpc.Retry(ctx, backoff, func(ctx context.Context) error {
		return n.cfg.Gateway.Broadcast(ctx, tx)
	})

	switch {
	case err == nil:
		n.broadcasts.Add(1)
		log.Infof("Broadcast anchoring transaction %v", tx.TxHash())

	case errors.Is(err, btcrpc.ErrAlreadyKnown):
		log.Debugf("Transaction %v already known", tx.TxHash())

	default:
		log.Warnf("Unable to broadcast %v: %v", tx.TxHash(), err)
		log.Tracef("Rejected transaction: %v", spewTx(tx))
	}
}

// pollLoop runs the LECT tracker on every tick and rebroadcasts the active
// finalized proposal until the chain reaches it.
func (n *Node) pollLoop(ctx context.Context) {
	n.cfg.PollTicker.Resume()

	var (
		epoch   = fn.None[uint64]()
		tracker *lect.Tracker
	)
	for {
		select {
		case <-n.cfg.PollTicker.Ticks():
			state := n.State()

			current := epoch.UnwrapOr(state.Epoch + 1)
			if current != state.Epoch {
				tracker = n.newTracker(state)
				epoch = fn.Some(state.Epoch)
			}

			if state.IsHalted() {
				continue
			}

			if tracker != nil {
				n.poll(ctx, tracker, state)
			}
			n.rebroadcast(ctx, state)

		case <-ctx.Done():
			return
		}
	}
}

// newTracker returns a tracker for the local index in the state's epoch, or
// nil if the node does not validate in it.
func (n *Node) newTracker(s *anchoring.ChainState) *lect.Tracker {
	idx, err := n.validatorIndex(s).UnwrapOrErr(errors.New("observer"))
	if err != nil {
		return nil
	}

	return lect.NewTracker(&lect.TrackerConfig{
		Gateway:   n.cfg.Gateway,
		Validator: idx,
		MaxWalk:   n.cfg.MaxWalk,
	})
}

func (n *Node) poll(ctx context.Context, tracker *lect.Tracker,
	s *anchoring.ChainState) {

	view, err := s.TrackerView(n.cfg.Machine.Params().Net)
	if err != nil {
		log.Errorf("Unable to build tracker view: %v", err)
		return
	}

	obs, err := tracker.Poll(ctx, view)
	if err != nil {
		log.Warnf("LECT poll failed: %v", err)
		return
	}

	n.mu.Lock()
	n.lastPoll = n.cfg.Clock.Now()
	n.mu.Unlock()

	obs.DoubleSpend.WhenSome(func(ds *lect.DoubleSpendObserved) {
		log.Warnf("Active proposal double spent: %v", ds)
	})

	obs.Claim.WhenSome(func(claim lect.Claim) {
		_, err := n.cfg.Ledger.Submit(&anchoring.LectMsg{Claim: claim})
		if err != nil {
			log.Errorf("Unable to submit claim: %v", err)

			// Report again on the next poll.
			tracker.Reset()
		}
	})
}

func (n *Node) rebroadcast(ctx context.Context, s *anchoring.ChainState) {
	s.Active.WhenSome(func(p *sigcollect.Proposal) {
		p.FinalTx.WhenSome(func(tx *wire.MsgTx) {
			log.Debugf("Rebroadcasting %v", p)
			n.broadcast(ctx, tx, btcrpc.Backoff{MaxAttempts: 1})
		})
	})
}

// spewTx defers the dump of a transaction until the log level asks for it.
func spewTx(tx *wire.MsgTx) fmt.Stringer {
	return logClosure(func() string {
		return spew.Sdump(tx)
	})
}

type logClosure func() string

func (c logClosure) String() string {
	return c()
}
