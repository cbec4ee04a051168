package multisig

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrBadSigHashType is returned when a signature does not commit to
	// SIGHASH_ALL.
	ErrBadSigHashType = errors.New("signature is not SIGHASH_ALL")

	// ErrSignatureMismatch is returned when a well formed signature does
	// not verify under the given key.
	ErrSignatureMismatch = errors.New("signature does not verify")

	// ErrNotEnoughSignatures is returned when a scriptSig is assembled
	// from fewer signatures than the threshold.
	ErrNotEnoughSignatures = errors.New("not enough signatures")
)

// SignInput signs input idx of tx with the given key, committing to the
// redeem script with SIGHASH_ALL. The returned signature is DER encoded with
// the sighash byte appended. Signatures are RFC6979 deterministic.
func SignInput(tx *wire.MsgTx, idx int, redeemScript []byte,
	priv *btcec.PrivateKey) ([]byte, error) {

	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", idx)
	}

	return txscript.RawTxInSignature(
		tx, idx, redeemScript, txscript.SigHashAll, priv,
	)
}

// VerifyInput checks that sig is a valid SIGHASH_ALL signature by pub over
// input idx of tx spending the redeem script. The input scripts of tx do not
// affect the result.
func VerifyInput(tx *wire.MsgTx, idx int, redeemScript []byte,
	pub *btcec.PublicKey, sig []byte) error {

	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input index %d out of range", idx)
	}
	if len(sig) < 2 {
		return fmt.Errorf("signature too short: %d bytes", len(sig))
	}

	hashType := txscript.SigHashType(sig[len(sig)-1])
	if hashType != txscript.SigHashAll {
		return ErrBadSigHashType
	}

	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}

	sigHash, err := txscript.CalcSignatureHash(
		redeemScript, txscript.SigHashAll, tx, idx,
	)
	if err != nil {
		return err
	}

	if !parsed.Verify(sigHash, pub) {
		return ErrSignatureMismatch
	}

	return nil
}

// BuildScriptSig assembles the unlocking script "OP_0 <sig>... <redeem>" for
// a P2SH multisig input. The signatures must already be in redeem script key
// order.
func BuildScriptSig(addr *CustodialAddress, sigs [][]byte) ([]byte, error) {
	if len(sigs) < int(addr.Threshold) {
		return nil, fmt.Errorf("%w: have %d, need %d",
			ErrNotEnoughSignatures, len(sigs), addr.Threshold)
	}

	// CHECKMULTISIG pops one extra stack item.
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	for _, sig := range sigs[:addr.Threshold] {
		bldr.AddData(sig)
	}
	bldr.AddData(addr.RedeemScript)

	return bldr.Script()
}
