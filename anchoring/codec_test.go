package anchoring

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/internal/anchortest"
	"github.com/csales1987/exonum-btc-anchoring/lect"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func encodeMsg(t *testing.T, msg Message) []byte {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, EncodeMessage(&b, msg))

	return b.Bytes()
}

func encodeState(t *testing.T, s *ChainState) []byte {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, EncodeState(&b, s))

	return b.Bytes()
}

// TestCheckpointMsgRoundTrip checks the checkpoint message encoding for
// arbitrary values.
func TestCheckpointMsgRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		msg := &CheckpointMsg{
			Height: rapid.Uint64().Draw(t, "height"),
		}
		copy(msg.StateHash[:], rapid.SliceOfN(
			rapid.Byte(), 32, 32,
		).Draw(t, "hash"))

		var b bytes.Buffer
		require.NoError(t, EncodeMessage(&b, msg))
		require.Equal(t, byte(MsgCheckpoint), b.Bytes()[0])

		decoded, err := DecodeMessage(&b)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	})
}

// TestMessageRoundTrip checks every message type survives encoding.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("codec", 4, 3)
	funding := anchortest.FundingTx(vs.Address.PkScript, 10_000, 1)

	staged := vs.Config.Copy()
	staged.ActivationHeight = 77
	staged.LectQuorum = 4
	staged.FundingTx = fn.Some(funding)

	msgs := []Message{
		&SignatureMsg{
			ProposalID: chainhash.Hash{7},
			Validator:  2,
			Sigs:       [][]byte{{1, 2, 3}, {4, 5}},
		},
		&LectMsg{Claim: lect.Claim{
			Validator: 1,
			Epoch:     2,
			TxID:      funding.TxHash(),
			Depth:     6,
			Path:      []*wire.MsgTx{funding},
		}},
		&LectMsg{Claim: lect.Claim{TxID: chainhash.Hash{3}}},
		&StageConfigMsg{Config: staged},
		&FundingMsg{Tx: funding},
	}

	for _, msg := range msgs {
		t.Run(msg.MsgType().String(), func(t *testing.T) {
			encoded := encodeMsg(t, msg)

			decoded, err := DecodeMessage(bytes.NewReader(encoded))
			require.NoError(t, err)
			require.Equal(t, msg.MsgType(), decoded.MsgType())

			// Keys do not compare structurally, so compare the
			// canonical encoding instead.
			require.Equal(t, encoded, encodeMsg(t, decoded))
		})
	}

	cfg := msgs[3].(*StageConfigMsg).Config
	decoded, err := DecodeMessage(bytes.NewReader(
		encodeMsg(t, msgs[3]),
	))
	require.NoError(t, err)
	got := decoded.(*StageConfigMsg).Config
	require.True(t, got.SameSigners(cfg))
	require.Equal(t, cfg.ActivationHeight, got.ActivationHeight)
	require.Equal(t, cfg.LectQuorum, got.LectQuorum)
	require.Equal(t, funding.TxHash(),
		got.FundingTx.UnsafeFromSome().TxHash())
}

// TestDecodeMessageRejects checks malformed input.
func TestDecodeMessageRejects(t *testing.T) {
	t.Parallel()

	_, err := DecodeMessage(bytes.NewReader(nil))
	require.Error(t, err)

	_, err = DecodeMessage(bytes.NewReader([]byte{0xff}))
	require.ErrorIs(t, err, ErrUnknownMessage)

	encoded := encodeMsg(t, &FundingMsg{
		Tx: anchortest.FundingTx([]byte{0x51}, 1, 1),
	})
	_, err = DecodeMessage(bytes.NewReader(encoded[:len(encoded)-3]))
	require.Error(t, err)
}

// TestStateRoundTrip encodes the state at several points of a rotation and
// checks that decoding reproduces it.
func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	oldSet := anchortest.NewValidatorSet("state-old", 4, 3)
	newSet := anchortest.NewValidatorSet("state-new", 4, 3)
	h := newHarness(t, oldSet, 100_000)

	var snapshots []*ChainState
	snapshots = append(snapshots, h.state)

	h.checkpoint(10)
	h.sign(oldSet, 0)
	snapshots = append(snapshots, h.state)

	h.sign(oldSet, 1)
	events := h.sign(oldSet, 2)
	anchor := findEvent[*BroadcastTx](events).UnsafeFromSome().Tx
	_, err := h.claim(0, anchor.TxHash(), anchor)
	require.NoError(t, err)
	snapshots = append(snapshots, h.state)

	h.agree(3, anchor, anchor)
	next := newSet.Config.Copy()
	next.ActivationHeight = 20
	h.apply(&StageConfigMsg{Config: next})
	h.checkpoint(20)
	snapshots = append(snapshots, h.state)

	for idx := uint32(0); idx < 3; idx++ {
		h.sign(oldSet, idx)
	}
	snapshots = append(snapshots, h.state)

	for i, s := range snapshots {
		encoded := encodeState(t, s)

		decoded, err := DecodeState(bytes.NewReader(encoded))
		require.NoError(t, err, "snapshot %d", i)
		require.Equal(t, encoded, encodeState(t, decoded),
			"snapshot %d", i)

		require.Equal(t, s.Epoch, decoded.Epoch)
		require.Equal(t, s.LedgerHeight, decoded.LedgerHeight)
		require.Equal(t, s.Tip.IsSome(), decoded.Tip.IsSome())
		require.Equal(t, s.Active.IsSome(), decoded.Active.IsSome())
		require.Equal(t, len(s.Claims), len(decoded.Claims))
		require.Equal(t, s.Funding, decoded.Funding)
	}

	// The decoded state keeps working.
	last, err := DecodeState(bytes.NewReader(
		encodeState(t, h.state),
	))
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.Epoch)

	out, err := h.machine.Apply(last, &CheckpointMsg{Height: 21})
	require.NoError(t, err)
	require.Equal(t, uint64(21), out.State.LedgerHeight)
}

// TestProposalRoundTrip checks the proposal encoding on its own.
func TestProposalRoundTrip(t *testing.T) {
	t.Parallel()

	vs := anchortest.NewValidatorSet("proposal", 3, 2)
	h := newHarness(t, vs, 100_000)
	h.checkpoint(10)
	h.sign(vs, 1)

	p := h.active()
	blob, err := EncodeProposal(p)
	require.NoError(t, err)

	decoded, err := DecodeProposal(blob)
	require.NoError(t, err)
	require.Equal(t, p.ID, decoded.ID)
	require.Equal(t, p.ID, decoded.UnsignedTx.TxHash())
	require.Equal(t, p.Inputs, decoded.Inputs)
	require.Equal(t, p.Payload, decoded.Payload)
	require.Equal(t, p.Signatures, decoded.Signatures)
	require.Equal(t, p.State, decoded.State)
	require.True(t, decoded.FinalTx.IsNone())
}
