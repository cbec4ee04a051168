package lect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/btcrpc"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxWalk bounds how many transactions the tracker follows
	// backwards from an unspent output before giving up on it.
	DefaultMaxWalk = 64
)

// ActiveProposal describes the proposal the validators are currently
// working on, as far as the tracker is concerned.
type ActiveProposal struct {
	ID        chainhash.Hash
	Input     wire.OutPoint
	FinalTxID fn.Option[chainhash.Hash]
}

// View is the slice of replicated state the tracker needs for one poll.
type View struct {
	// Epoch is the current validator set epoch.
	Epoch uint64

	// Addresses are the custodial addresses to scan: the current one,
	// recent ones and a staged following one.
	Addresses []btcutil.Address

	// PkScripts are the output scripts of Addresses.
	PkScripts [][]byte

	// Known holds the txids of the agreed anchor chain and of the
	// funding transactions.
	Known map[chainhash.Hash]struct{}

	// Active is the active proposal, if any.
	Active fn.Option[ActiveProposal]
}

func (v *View) known(txid chainhash.Hash) bool {
	_, ok := v.Known[txid]
	return ok
}

// Observation is the outcome of a poll.
type Observation struct {
	// Claim is set when the local view of the tip changed since the last
	// reported claim.
	Claim fn.Option[Claim]

	// DoubleSpend is set when the active proposal's input was spent by
	// another transaction.
	DoubleSpend fn.Option[*DoubleSpendObserved]
}

// TrackerConfig holds the dependencies of a Tracker.
type TrackerConfig struct {
	// Gateway is used to query the Bitcoin network.
	Gateway btcrpc.Gateway

	// Validator is the index of the local validator.
	Validator uint32

	// MaxWalk bounds the backwards walk from each unspent output.
	MaxWalk int
}

// Tracker observes the Bitcoin network on behalf of the local validator and
// turns what it sees into claims. It never touches replicated state.
type Tracker struct {
	cfg *TrackerConfig

	mu   sync.Mutex
	last fn.Option[Claim]
}

// NewTracker creates a new tracker.
func NewTracker(cfg *TrackerConfig) *Tracker {
	if cfg.MaxWalk <= 0 {
		cfg.MaxWalk = DefaultMaxWalk
	}

	return &Tracker{
		cfg:  cfg,
		last: fn.None[Claim](),
	}
}

// candidate is a chain of transactions from the known chain to an unspent
// output.
type candidate struct {
	txid  chainhash.Hash
	path  []*wire.MsgTx
	confs uint32
}

// better returns true if c is a more advanced tip than o.
func (c *candidate) better(o *candidate) bool {
	switch {
	case len(c.path) != len(o.path):
		return len(c.path) > len(o.path)

	case c.confs != o.confs:
		return c.confs > o.confs
	}

	return bytes.Compare(c.txid[:], o.txid[:]) < 0
}

// Poll scans the watched addresses, picks the most advanced chain reaching
// the known anchor chain and returns a claim if the result differs from the
// last reported one.
func (t *Tracker) Poll(ctx context.Context, view *View) (*Observation,
	error) {

	utxos, err := t.unspent(ctx, view.Addresses)
	if err != nil {
		return nil, err
	}

	obs := &Observation{
		Claim:       fn.None[Claim](),
		DoubleSpend: fn.None[*DoubleSpendObserved](),
	}

	var (
		best *candidate
		seen = make(map[chainhash.Hash]struct{})
	)
	for _, utxo := range utxos {
		txid := utxo.OutPoint.Hash
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}

		path, ok, err := t.walk(ctx, txid, view)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Tracef("Unspent output %v does not reach the "+
				"anchor chain", utxo.OutPoint)
			continue
		}

		if ds := doubleSpend(path, view); ds != nil {
			log.Warnf("Observed double spend: %v", ds)
			obs.DoubleSpend = fn.Some(ds)
		}

		c := &candidate{
			txid:  txid,
			path:  path,
			confs: utxo.Confirmations,
		}
		if best == nil || c.better(best) {
			best = c
		}
	}

	if best == nil {
		return obs, nil
	}

	claim := Claim{
		Validator: t.cfg.Validator,
		Epoch:     view.Epoch,
		TxID:      best.txid,
		Depth:     CapDepth(best.confs),
		Path:      best.path,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	unchanged := fn.MapOptionZ(t.last, func(last Claim) bool {
		return last.Epoch == claim.Epoch &&
			last.TxID == claim.TxID && last.Depth == claim.Depth
	})
	if !unchanged {
		log.Debugf("Local LECT changed: %v", claim)

		t.last = fn.Some(claim)
		obs.Claim = fn.Some(claim)
	}

	return obs, nil
}

// Reset forgets the last reported claim so the next poll reports again.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.last = fn.None[Claim]()
	t.mu.Unlock()
}

// unspent queries all addresses in parallel.
func (t *Tracker) unspent(ctx context.Context,
	addrs []btcutil.Address) ([]btcrpc.Utxo, error) {

	results := make([][]btcrpc.Utxo, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			utxos, err := t.cfg.Gateway.UnspentOutputs(gctx, addr)
			if err != nil {
				return fmt.Errorf("listing %v: %w", addr, err)
			}
			results[i] = utxos

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []btcrpc.Utxo
	for _, utxos := range results {
		all = append(all, utxos...)
	}

	return all, nil
}

// walk follows input 0 backwards from txid until it reaches a known
// transaction. It returns the path oldest first, or false if the chain
// leaves the anchor chain or is too long.
func (t *Tracker) walk(ctx context.Context, txid chainhash.Hash,
	view *View) ([]*wire.MsgTx, bool, error) {

	var path []*wire.MsgTx
	for steps := 0; !view.known(txid); steps++ {
		if steps >= t.cfg.MaxWalk {
			return nil, false, nil
		}

		tx, err := t.cfg.Gateway.RawTransaction(ctx, txid)
		switch {
		case errors.Is(err, btcrpc.ErrTxNotFound):
			return nil, false, nil

		case err != nil:
			return nil, false, err
		}

		kind := anchortx.Classify(tx, view.PkScripts...)
		if kind != anchortx.KindAnchoring {
			return nil, false, nil
		}

		path = append(path, tx)

		spent := tx.TxIn[0].PreviousOutPoint
		if spent.Index != anchortx.CustodialOutputIndex &&
			!view.known(spent.Hash) {

			return nil, false, nil
		}
		txid = spent.Hash
	}

	// Reverse so the path starts at the known chain.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path, true, nil
}

// doubleSpend checks whether a transaction in path spends the active
// proposal's input without being the proposal's own transaction.
func doubleSpend(path []*wire.MsgTx, view *View) *DoubleSpendObserved {
	return fn.ElimOption(view.Active, func() *DoubleSpendObserved {
		return nil
	}, func(active ActiveProposal) *DoubleSpendObserved {
		for _, tx := range path {
			txid := tx.TxHash()
			ours := fn.MapOptionZ(active.FinalTxID,
				func(final chainhash.Hash) bool {
					return final == txid
				},
			)
			if ours {
				continue
			}

			for _, in := range tx.TxIn {
				if in.PreviousOutPoint == active.Input {
					return &DoubleSpendObserved{
						Input:      active.Input,
						ProposalID: active.ID,
						SpentBy:    txid,
					}
				}
			}
		}

		return nil
	})
}
