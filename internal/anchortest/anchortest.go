// Package anchortest contains helpers shared by the tests of the anchoring
// packages.
package anchortest

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Params are the chain params used by all tests.
var Params = &chaincfg.RegressionNetParams

// Keys returns n deterministic key pairs derived from the given label.
func Keys(label string, n int) ([]*btcec.PrivateKey, []*btcec.PublicKey) {
	privs := make([]*btcec.PrivateKey, n)
	pubs := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", label, i)))
		privs[i], pubs[i] = btcec.PrivKeyFromBytes(seed[:])
	}

	return privs, pubs
}

// ValidatorSet bundles a config with the private keys of its validators.
type ValidatorSet struct {
	Privs   []*btcec.PrivateKey
	Config  *multisig.ValidatorSetConfig
	Address *multisig.CustodialAddress
}

// NewValidatorSet creates an m-of-n validator set with deterministic keys.
func NewValidatorSet(label string, n, m int) *ValidatorSet {
	privs, pubs := Keys(label, n)
	cfg := &multisig.ValidatorSetConfig{
		PubKeys:   pubs,
		Threshold: uint32(m),
	}

	addr, err := multisig.DeriveAddress(cfg, Params)
	if err != nil {
		panic(err)
	}

	return &ValidatorSet{
		Privs:   privs,
		Config:  cfg,
		Address: addr,
	}
}

// FundingTx returns a transaction paying value to pkScript from a made up
// outpoint. The seed makes distinct funding transactions distinct.
func FundingTx(pkScript []byte, value int64, seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{0xf0, seed}, 0), nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	return tx
}

// PrevTxs returns a lookup over txs, usable wherever a proposal needs the
// transactions its inputs spend.
func PrevTxs(txs ...*wire.MsgTx) func(chainhash.Hash) fn.Option[*wire.MsgTx] {
	known := make(map[chainhash.Hash]*wire.MsgTx, len(txs))
	for _, tx := range txs {
		known[tx.TxHash()] = tx
	}

	return func(txid chainhash.Hash) fn.Option[*wire.MsgTx] {
		tx, ok := known[txid]
		if !ok {
			return fn.None[*wire.MsgTx]()
		}

		return fn.Some(tx)
	}
}
