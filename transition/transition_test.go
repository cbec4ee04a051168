package transition

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/anchortx"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/internal/anchortest"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/csales1987/exonum-btc-anchoring/sigcollect"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestDue checks the activation height rule.
func TestDue(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("due", 3, 2)
	cfg := vs.Config.Copy()
	cfg.ActivationHeight = 100

	require.True(t, Due(fn.None[*multisig.ValidatorSetConfig](), 1_000).
		IsNone())
	require.True(t, Due(fn.Some(cfg), 99).IsNone())
	require.True(t, Due(fn.Some(cfg), 100).IsSome())
	require.True(t, Due(fn.Some(cfg), 101).IsSome())
}

// TestLiveness checks the bitmap helpers and the quorum check.
func TestLiveness(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("live", 4, 3)

	var live Liveness
	live = live.Mark(0).Mark(3).Mark(3)
	require.Equal(t, 2, live.Count())
	require.True(t, live.Has(3))
	require.False(t, live.Has(1))

	var quorumErr *QuorumUnreachableError
	require.ErrorAs(t, CheckQuorum(1, vs.Config, live), &quorumErr)
	require.Equal(t, 2, quorumErr.Live)
	require.Equal(t, uint32(3), quorumErr.Needed)

	require.NoError(t, CheckQuorum(1, vs.Config, live.Mark(1)))

	require.NoError(t, CheckTimeout(1, vs.Config, live, 10, 19, 10))
	require.ErrorAs(t, CheckTimeout(1, vs.Config, live, 10, 20, 10),
		&quorumErr)
	require.Contains(t, quorumErr.Reason, "not enough live validators")
	require.NoError(t, CheckTimeout(1, vs.Config, live, 10, 1_000, 0))

	// With the quorum live the timeout itself is reported.
	full := live.Mark(1)
	require.NoError(t, CheckTimeout(1, vs.Config, full, 10, 19, 10))
	require.ErrorAs(t, CheckTimeout(1, vs.Config, full, 10, 20, 10),
		&quorumErr)
	require.Equal(t, 3, quorumErr.Live)
	require.Contains(t, quorumErr.Reason, "not finalized within 10")
}

// TestPlanRotation is the rotation scenario: a 3-of-4 set hands over to a
// new set. The transition spends the whole old balance to the new address.
func TestPlanRotation(t *testing.T) {
	t.Parallel()

	oldSet := anchortest.NewValidatorSet("old", 4, 3)
	newSet := anchortest.NewValidatorSet("new", 5, 4)

	tip := anchortest.FundingTx(oldSet.Address.PkScript, 400_000, 1)
	pending := anchortest.FundingTx(oldSet.Address.PkScript, 50_000, 2)
	funds := []anchortx.SpentOutput{
		anchortx.FundingOutput(tip, oldSet.Address.PkScript).
			UnsafeFromSome(),
		anchortx.FundingOutput(pending, oldSet.Address.PkScript).
			UnsafeFromSome(),
	}
	last := checkpoint.Payload{Height: 900, StateHash: chainhash.Hash{9}}

	plan, err := NewPlan(&Request{
		Epoch:       0,
		Height:      1_000,
		Old:         oldSet.Config,
		New:         newSet.Config,
		Net:         anchortest.Params,
		Funds:       funds,
		LastPayload: last,
		FeeRate:     10,
	})
	require.NoError(t, err)
	require.False(t, plan.Immediate())
	require.Equal(t, oldSet.Address.String(), plan.OldAddress.String())
	require.Equal(t, newSet.Address.String(), plan.NewAddress.String())

	p := plan.Proposal.UnsafeFromSome()
	require.Equal(t, sigcollect.KindTransition, p.Kind)
	require.Equal(t, sigcollect.StateBuilding, p.State)
	require.Len(t, p.UnsignedTx.TxIn, 2)
	require.Len(t, p.UnsignedTx.TxOut, 2)
	require.Equal(t, newSet.Address.PkScript, p.Destination)

	// Everything minus the fee lands on the new address.
	fee := 450_000 - p.UnsignedTx.TxOut[0].Value
	require.Positive(t, fee)
	require.Less(t, fee, int64(20_000))

	payload, err := checkpoint.FromTx(p.UnsignedTx)
	require.NoError(t, err)
	require.Equal(t, last, payload)

	// Signed by the old set.
	require.NoError(t, p.Open())
	for i := uint32(0); i < 3; i++ {
		sigs, err := sigcollect.Sign(p, plan.OldAddress, oldSet.Privs[i])
		require.NoError(t, err)
		_, err = p.AddSignature(
			oldSet.Config, plan.OldAddress,
			anchortest.PrevTxs(tip, pending), i, sigs,
		)
		require.NoError(t, err)
	}
	require.Equal(t, sigcollect.StateFinalized, p.State)
}

// TestPlanImmediate covers the two cases where nothing needs to move.
func TestPlanImmediate(t *testing.T) {
	t.Parallel()

	oldSet := anchortest.NewValidatorSet("same", 4, 3)
	funding := anchortest.FundingTx(oldSet.Address.PkScript, 100_000, 1)
	funds := []anchortx.SpentOutput{
		anchortx.FundingOutput(funding, oldSet.Address.PkScript).
			UnsafeFromSome(),
	}

	// Same keys in a different order control the same address.
	reordered := oldSet.Config.Copy()
	reordered.PubKeys[0], reordered.PubKeys[3] =
		reordered.PubKeys[3], reordered.PubKeys[0]
	reordered.ActivationHeight = 50

	plan, err := NewPlan(&Request{
		Old: oldSet.Config, New: reordered, Net: anchortest.Params,
		Funds: funds, FeeRate: 10,
	})
	require.NoError(t, err)
	require.True(t, plan.Immediate())

	// No funds yet.
	newSet := anchortest.NewValidatorSet("other", 3, 2)
	plan, err = NewPlan(&Request{
		Old: oldSet.Config, New: newSet.Config, Net: anchortest.Params,
		FeeRate: 10,
	})
	require.NoError(t, err)
	require.True(t, plan.Immediate())
}

// TestPlanInsufficientFunds surfaces a balance too small to move.
func TestPlanInsufficientFunds(t *testing.T) {
	t.Parallel()

	oldSet := anchortest.NewValidatorSet("poor-old", 4, 3)
	newSet := anchortest.NewValidatorSet("poor-new", 4, 3)
	funding := anchortest.FundingTx(oldSet.Address.PkScript, 1_000, 1)

	_, err := NewPlan(&Request{
		Old: oldSet.Config, New: newSet.Config, Net: anchortest.Params,
		Funds: []anchortx.SpentOutput{
			anchortx.FundingOutput(funding, oldSet.Address.PkScript).
				UnsafeFromSome(),
		},
		FeeRate: 10,
	})

	var fundsErr *anchortx.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
}
