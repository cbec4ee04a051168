package anchordb

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/internal/anchortest"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "anchoring")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	store, err := NewStore(db)
	require.NoError(t, err)

	return store
}

// node applies messages and commits every outcome.
type node struct {
	t       *testing.T
	machine *anchoring.Machine
	store   *Store
	state   *anchoring.ChainState
	seq     uint64
}

func (n *node) apply(msg anchoring.Message) *anchoring.Outcome {
	n.t.Helper()

	out, err := n.machine.Apply(n.state, msg)
	require.NoError(n.t, err)

	n.seq++
	require.NoError(n.t, n.store.Commit(n.seq, out))
	n.state = out.State

	return out
}

func newNode(t *testing.T, vs *anchortest.ValidatorSet) *node {
	t.Helper()

	cfg := vs.Config.Copy()
	cfg.FundingTx = fn.Some(
		anchortest.FundingTx(vs.Address.PkScript, 100_000, 1),
	)
	state, err := anchoring.NewChainState(cfg, anchortest.Params)
	require.NoError(t, err)

	return &node{
		t: t,
		machine: anchoring.NewMachine(anchoring.Params{
			Net:      anchortest.Params,
			FeeRate:  5,
			Interval: 10,
		}),
		store: newTestStore(t),
		state: state,
	}
}

// TestStoreEmpty checks the behaviour before the first commit.
func TestStoreEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, _, err := store.Load()
	require.ErrorIs(t, err, ErrNoState)

	seq, err := store.AppliedSeq()
	require.NoError(t, err)
	require.Zero(t, seq)

	_, err = store.FetchProposal(chainhash.Hash{1})
	require.ErrorIs(t, err, ErrProposalNotFound)

	tips, err := store.TipHistory()
	require.NoError(t, err)
	require.Empty(t, tips)
}

// TestStoreRoundTrip runs an anchoring round and checks the stored state,
// the proposal archive and the tip history.
func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("store", 3, 2)
	n := newNode(t, vs)

	n.apply(&anchoring.CheckpointMsg{
		Height: 10, StateHash: chainhash.Hash{1},
	})
	p := n.state.Active.UnsafeFromSome()

	var final *anchoring.BroadcastTx
	for idx := uint32(0); idx < 2; idx++ {
		sigs, err := sigcollect.Sign(p, vs.Address, vs.Privs[idx])
		require.NoError(t, err)

		out := n.apply(&anchoring.SignatureMsg{
			ProposalID: p.ID, Validator: idx, Sigs: sigs,
		})
		for _, ev := range out.Events {
			if b, ok := ev.(*anchoring.BroadcastTx); ok {
				final = b
			}
		}
	}
	require.NotNil(t, final)

	for idx := uint32(0); idx < 2; idx++ {
		n.apply(&anchoring.LectMsg{Claim: lect.Claim{
			Validator: idx,
			TxID:      final.Tx.TxHash(),
			Path:      []*wire.MsgTx{final.Tx},
		}})
	}

	state, seq, err := n.store.Load()
	require.NoError(t, err)
	require.Equal(t, n.seq, seq)
	require.Equal(t, final.Tx.TxHash(), state.Tip.UnsafeFromSome().TxID)
	require.Equal(t, uint64(10), state.LedgerHeight)

	archived, err := n.store.FetchProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, sigcollect.StateFinalized, archived.State)
	require.Equal(t, final.Tx.TxHash(),
		archived.FinalTxID().UnsafeFromSome())

	tips, err := n.store.TipHistory()
	require.NoError(t, err)
	require.Equal(t, []TipRecord{{Seq: n.seq, TxID: final.Tx.TxHash()}},
		tips)

	// Replaying an applied sequence number is refused.
	err = n.store.Commit(n.seq, &anchoring.Outcome{State: n.state})
	require.ErrorIs(t, err, ErrStaleSequence)
}

// TestStoreAbandoned checks that abandoned proposals are archived with
// their reason.
func TestStoreAbandoned(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("store-abandon", 4, 3)
	n := newNode(t, vs)

	n.apply(&anchoring.CheckpointMsg{
		Height: 10, StateHash: chainhash.Hash{1},
	})
	stale := n.state.Active.UnsafeFromSome()

	other := anchortest.FundingTx(vs.Address.PkScript, 70_000, 2)
	n.apply(&anchoring.FundingMsg{Tx: other})
	for idx := uint32(0); idx < 3; idx++ {
		n.apply(&anchoring.LectMsg{Claim: lect.Claim{
			Validator: idx,
			TxID:      other.TxHash(),
		}})
	}

	archived, err := n.store.FetchProposal(stale.ID)
	require.NoError(t, err)
	require.Equal(t, sigcollect.StateAbandoned, archived.State)
	require.NotEmpty(t, archived.AbandonReason)

	var states []sigcollect.State
	err = n.store.ForEachProposal(func(p *sigcollect.Proposal) error {
		states = append(states, p.State)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []sigcollect.State{
		sigcollect.StateAbandoned, sigcollect.StateCollecting,
	}, states)
}
