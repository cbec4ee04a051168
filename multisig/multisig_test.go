package multisig

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testKeys returns n deterministic key pairs.
func testKeys(n int) ([]*btcec.PrivateKey, []*btcec.PublicKey) {
	privs := make([]*btcec.PrivateKey, n)
	pubs := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("validator-%d", i)))
		privs[i], pubs[i] = btcec.PrivKeyFromBytes(seed[:])
	}

	return privs, pubs
}

// TestValidate checks every malformed config is rejected with a ConfigError.
func TestValidate(t *testing.T) {
	t.Parallel()

	_, pubs := testKeys(16)

	testCases := []struct {
		name  string
		cfg   *ValidatorSetConfig
		valid bool
	}{
		{
			name:  "3 of 4",
			cfg:   &ValidatorSetConfig{PubKeys: pubs[:4], Threshold: 3},
			valid: true,
		},
		{
			name: "zero threshold",
			cfg:  &ValidatorSetConfig{PubKeys: pubs[:4]},
		},
		{
			name: "threshold above n",
			cfg:  &ValidatorSetConfig{PubKeys: pubs[:2], Threshold: 3},
		},
		{
			name: "duplicate keys",
			cfg: &ValidatorSetConfig{
				PubKeys: []*btcec.PublicKey{
					pubs[0], pubs[1], pubs[0],
				},
				Threshold: 2,
			},
		},
		{
			name: "too many validators",
			cfg:  &ValidatorSetConfig{PubKeys: pubs, Threshold: 11},
		},
		{
			name: "quorum above n",
			cfg: &ValidatorSetConfig{
				PubKeys: pubs[:3], Threshold: 2, LectQuorum: 4,
			},
		},
		{
			name: "quorum not a majority",
			cfg: &ValidatorSetConfig{
				PubKeys: pubs[:4], Threshold: 3, LectQuorum: 2,
			},
		},
		{
			name: "quorum is a majority",
			cfg: &ValidatorSetConfig{
				PubKeys: pubs[:4], Threshold: 2, LectQuorum: 3,
			},
			valid: true,
		},
		{
			name:  "15 of 15",
			cfg:   &ValidatorSetConfig{PubKeys: pubs[:15], Threshold: 15},
			valid: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if tc.valid {
				require.NoError(t, err)

				_, err = DeriveAddress(tc.cfg, &chaincfg.TestNet3Params)
				require.NoError(t, err)
				return
			}

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))

			_, err = DeriveAddress(tc.cfg, &chaincfg.TestNet3Params)
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

// TestQuorum checks the LECT quorum never drops to half of the set.
func TestQuorum(t *testing.T) {
	t.Parallel()

	_, pubs := testKeys(7)

	testCases := []struct {
		n, threshold, lectQuorum int
		want                     uint32
	}{
		{n: 1, threshold: 1, want: 1},
		{n: 2, threshold: 1, want: 2},
		{n: 4, threshold: 3, want: 3},
		{n: 4, threshold: 2, want: 3},
		{n: 4, threshold: 2, lectQuorum: 4, want: 4},
		{n: 7, threshold: 3, want: 4},
		{n: 7, threshold: 5, lectQuorum: 6, want: 6},
	}

	for _, tc := range testCases {
		cfg := &ValidatorSetConfig{
			PubKeys:    pubs[:tc.n],
			Threshold:  uint32(tc.threshold),
			LectQuorum: uint32(tc.lectQuorum),
		}
		require.Equal(t, tc.want, cfg.Quorum(), "%d of %d, quorum %d",
			tc.threshold, tc.n, tc.lectQuorum)
		require.Greater(t, 2*cfg.Quorum(), uint32(tc.n))
	}
}

// TestDeriveAddressOrderIndependent asserts that the custodial address only
// depends on the set of keys and the threshold.
func TestDeriveAddressOrderIndependent(t *testing.T) {
	t.Parallel()

	_, pubs := testKeys(MaxValidators)

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, MaxValidators).Draw(t, "n")
		m := rapid.IntRange(1, n).Draw(t, "m")
		perm := rapid.Permutation(pubs[:n]).Draw(t, "perm")

		base := &ValidatorSetConfig{
			PubKeys: pubs[:n], Threshold: uint32(m),
		}
		shuffled := &ValidatorSetConfig{
			PubKeys: perm, Threshold: uint32(m),
		}

		a, err := DeriveAddress(base, &chaincfg.MainNetParams)
		require.NoError(t, err)
		b, err := DeriveAddress(shuffled, &chaincfg.MainNetParams)
		require.NoError(t, err)

		require.Equal(t, a.String(), b.String())
		require.Equal(t, a.RedeemScript, b.RedeemScript)
		require.True(t, base.SameSigners(shuffled))

		// The order table must point back at the same keys.
		for pos := range a.Order {
			require.True(t, base.PubKeys[a.Order[pos]].IsEqual(
				shuffled.PubKeys[b.Order[pos]],
			))
		}
	})
}

// TestDeriveAddressThresholdMatters makes sure different thresholds over the
// same keys lead to different addresses.
func TestDeriveAddressThresholdMatters(t *testing.T) {
	t.Parallel()

	_, pubs := testKeys(4)

	a, err := DeriveAddress(&ValidatorSetConfig{
		PubKeys: pubs, Threshold: 3,
	}, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	b, err := DeriveAddress(&ValidatorSetConfig{
		PubKeys: pubs, Threshold: 2,
	}, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	require.NotEqual(t, a.String(), b.String())

	class := txscript.GetScriptClass(a.PkScript)
	require.Equal(t, txscript.ScriptHashTy, class)
}

// TestSignVerifySpend signs a spend of the custodial address with M keys and
// runs the resulting transaction through the script engine.
func TestSignVerifySpend(t *testing.T) {
	t.Parallel()

	privs, pubs := testKeys(4)
	cfg := &ValidatorSetConfig{PubKeys: pubs, Threshold: 3}
	addr, err := DeriveAddress(cfg, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	const amt = 100_000
	prevOut := wire.NewOutPoint(&chainhash.Hash{1}, 0)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(prevOut, nil, nil))
	tx.AddTxOut(wire.NewTxOut(amt-1_000, addr.PkScript))

	// Collect signatures keyed by validator index, then order them the
	// way the redeem script expects.
	sigs := make(map[uint32][]byte)
	for i := 0; i < 3; i++ {
		sig, err := SignInput(tx, 0, addr.RedeemScript, privs[i])
		require.NoError(t, err)
		require.NoError(t, VerifyInput(
			tx, 0, addr.RedeemScript, pubs[i], sig,
		))
		sigs[uint32(i)] = sig
	}

	// A signature must not verify under another validator's key.
	require.ErrorIs(t, VerifyInput(
		tx, 0, addr.RedeemScript, pubs[3], sigs[0],
	), ErrSignatureMismatch)

	var ordered [][]byte
	for _, idx := range addr.Order {
		if sig, ok := sigs[idx]; ok {
			ordered = append(ordered, sig)
		}
	}

	_, err = BuildScriptSig(addr, ordered[:2])
	require.ErrorIs(t, err, ErrNotEnoughSignatures)

	scriptSig, err := BuildScriptSig(addr, ordered)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = scriptSig

	vm, err := txscript.NewEngine(
		addr.PkScript, tx, 0, txscript.StandardVerifyFlags, nil, nil,
		amt, txscript.NewCannedPrevOutputFetcher(addr.PkScript, amt),
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestVerifyRejectsMalformed checks the sighash type and encoding checks.
func TestVerifyRejectsMalformed(t *testing.T) {
	t.Parallel()

	privs, pubs := testKeys(1)
	cfg := &ValidatorSetConfig{PubKeys: pubs, Threshold: 1}
	addr, err := DeriveAddress(cfg, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 1), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1_000, addr.PkScript))

	sig, err := SignInput(tx, 0, addr.RedeemScript, privs[0])
	require.NoError(t, err)

	bad := append([]byte{}, sig...)
	bad[len(bad)-1] = byte(txscript.SigHashNone)
	require.ErrorIs(t, VerifyInput(
		tx, 0, addr.RedeemScript, pubs[0], bad,
	), ErrBadSigHashType)

	require.Error(t, VerifyInput(
		tx, 0, addr.RedeemScript, pubs[0], []byte{0x30, 0x01},
	))
	require.Error(t, VerifyInput(
		tx, 1, addr.RedeemScript, pubs[0], sig,
	))

	// Changing the transaction invalidates the signature.
	tx.TxOut[0].Value--
	require.ErrorIs(t, VerifyInput(
		tx, 0, addr.RedeemScript, pubs[0], sig,
	), ErrSignatureMismatch)
}
