package anchortx

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/csales1987/exonum-btc-anchoring/chainfee"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/internal/anchortest"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	var b bytes.Buffer
	require.NoError(t, tx.Serialize(&b))

	return b.Bytes()
}

func fundingRequest(vs *anchortest.ValidatorSet, value int64) *BuildRequest {
	funding := anchortest.FundingTx(vs.Address.PkScript, value, 1)

	return &BuildRequest{
		Source:      vs.Address,
		Destination: vs.Address,
		Primary:     FundingOutput(funding, vs.Address.PkScript).UnsafeFromSome(),
		Payload: checkpoint.Payload{
			Height: 1_000, StateHash: chainhash.Hash{0x01},
		},
		PrevHeight: fn.None[uint64](),
		Interval:   1_000,
		FeeRate:    10,
	}
}

// TestBuildIdempotent checks that building twice from the same request
// produces byte identical transactions.
func TestBuildIdempotent(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("build", 4, 3)
	req := fundingRequest(vs, 100_000)
	req.Extra = []SpentOutput{
		{
			OutPoint: *wire.NewOutPoint(&chainhash.Hash{0x09}, 1),
			Value:    5_000, PkScript: vs.Address.PkScript,
		},
		{
			OutPoint: *wire.NewOutPoint(&chainhash.Hash{0x02}, 7),
			Value:    6_000, PkScript: vs.Address.PkScript,
		},
	}

	first, err := Build(req)
	require.NoError(t, err)
	second, err := Build(req)
	require.NoError(t, err)

	require.Equal(t, serialize(t, first.Tx), serialize(t, second.Tx))
	require.Equal(t, first.Tx.TxHash(), second.Tx.TxHash())

	// Primary input first, then the extras by outpoint.
	require.Equal(t, req.Primary.OutPoint, first.Tx.TxIn[0].PreviousOutPoint)
	require.Equal(t, byte(0x02), first.Tx.TxIn[1].PreviousOutPoint.Hash[0])
	require.Equal(t, byte(0x09), first.Tx.TxIn[2].PreviousOutPoint.Hash[0])

	// Output 0 carries the funds, output 1 the checkpoint.
	require.Equal(t, int64(111_000)-int64(first.Fee),
		first.Tx.TxOut[0].Value)
	payload, err := checkpoint.FromTx(first.Tx)
	require.NoError(t, err)
	require.Equal(t, req.Payload, payload)
	require.Equal(t, KindAnchoring, Classify(first.Tx, vs.Address.PkScript))

	// The fee covers the estimated signed size.
	require.Equal(t, chainfee.SatPerVByte(10).FeeForVSize(
		int64(first.Size),
	), first.Fee)
	require.Greater(t, first.Size, first.Tx.SerializeSize())
}

// TestBuildInsufficientFunds covers a funding output that leaves less than
// the dust limit after paying the fee.
func TestBuildInsufficientFunds(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("funds", 4, 3)

	// Size the fee first with a generous input.
	ok, err := Build(fundingRequest(vs, 1_000_000))
	require.NoError(t, err)

	dust := DustLimit(vs.Address.PkScript)
	require.Positive(t, int64(dust))

	testCases := []struct {
		name  string
		value btcutil.Amount
		fail  bool
	}{
		{name: "below fee", value: ok.Fee - 1, fail: true},
		{name: "exactly fee", value: ok.Fee, fail: true},
		{name: "below dust", value: ok.Fee + dust - 1, fail: true},
		{name: "at dust", value: ok.Fee + dust},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			res, err := Build(fundingRequest(vs, int64(tc.value)))
			if !tc.fail {
				require.NoError(t, err)
				require.Equal(t, int64(dust), res.Tx.TxOut[0].Value)
				require.NoError(t, txrules.CheckOutput(
					res.Tx.TxOut[0], txrules.DefaultRelayFeePerKb,
				))
				return
			}

			var fundsErr *InsufficientFundsError
			require.ErrorAs(t, err, &fundsErr)
			require.Nil(t, res)
			require.Equal(t, tc.value, fundsErr.Available)
		})
	}
}

// TestBuildCheckpointDue checks the interval rule.
func TestBuildCheckpointDue(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("due", 3, 2)

	testCases := []struct {
		name       string
		prev       fn.Option[uint64]
		height     uint64
		transition bool
		due        bool
	}{
		{name: "first", prev: fn.None[uint64](), height: 1, due: true},
		{name: "same", prev: fn.Some[uint64](1_000), height: 1_000},
		{name: "behind", prev: fn.Some[uint64](2_000), height: 1_000},
		{name: "too soon", prev: fn.Some[uint64](1_000), height: 1_999},
		{
			name: "next", prev: fn.Some[uint64](1_000), height: 2_000,
			due: true,
		},
		{
			name: "transition", prev: fn.Some[uint64](1_000),
			height: 1_000, transition: true, due: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := fundingRequest(vs, 100_000)
			req.PrevHeight = tc.prev
			req.Payload.Height = tc.height
			req.Transition = tc.transition

			_, err := Build(req)
			if tc.due {
				require.NoError(t, err)
				return
			}

			var dueErr *NoCheckpointDueError
			require.ErrorAs(t, err, &dueErr)
		})
	}
}

// TestBuildRejectsDuplicateInputs asserts an outpoint cannot be spent twice.
func TestBuildRejectsDuplicateInputs(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("dup", 3, 2)
	req := fundingRequest(vs, 100_000)
	req.Extra = []SpentOutput{req.Primary}

	_, err := Build(req)
	require.ErrorIs(t, err, ErrDuplicateInput)
}

// TestBuildTransition checks a transition pays the new address while the
// inputs are sized with the old redeem script.
func TestBuildTransition(t *testing.T) {
	t.Parallel()

	oldSet := anchortest.NewValidatorSet("old", 4, 3)
	newSet := anchortest.NewValidatorSet("new", 5, 4)

	req := fundingRequest(oldSet, 100_000)
	req.Destination = newSet.Address
	req.Transition = true

	res, err := Build(req)
	require.NoError(t, err)
	require.Equal(t, newSet.Address.PkScript, res.Tx.TxOut[0].PkScript)

	// The new set recognizes it as part of its chain, the old one sees a
	// transaction that does not pay to it.
	require.Equal(t, KindAnchoring,
		Classify(res.Tx, newSet.Address.PkScript))
	require.Equal(t, KindOther, Classify(res.Tx, oldSet.Address.PkScript))
}

// TestClassify covers funding and unrelated transactions.
func TestClassify(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("classify", 3, 2)
	funding := anchortest.FundingTx(vs.Address.PkScript, 50_000, 3)
	require.Equal(t, KindFunding, Classify(funding, vs.Address.PkScript))
	require.Equal(t, KindOther, Classify(funding, []byte{0x51}))

	// Funds in a later output are still funding.
	funding.TxOut = append([]*wire.TxOut{
		wire.NewTxOut(1_000, []byte{0x51}),
	}, funding.TxOut...)
	require.Equal(t, KindFunding, Classify(funding, vs.Address.PkScript))

	out := FundingOutput(funding, vs.Address.PkScript)
	require.True(t, out.IsSome())
	require.Equal(t, uint32(1), out.UnsafeFromSome().OutPoint.Index)
}
