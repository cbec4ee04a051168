package multisig

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// CustodialAddress is the M-of-N P2SH address controlled by a validator set.
// It is always derived from a ValidatorSetConfig and never stored on its own.
type CustodialAddress struct {
	// RedeemScript is the bare CHECKMULTISIG script.
	RedeemScript []byte

	// Address is the P2SH encoding of RedeemScript.
	Address *btcutil.AddressScriptHash

	// PkScript is the output script paying to Address.
	PkScript []byte

	// Threshold is the number of signatures needed to spend.
	Threshold uint32

	// Order maps a key's position in the redeem script to the validator
	// index that owns it. CHECKMULTISIG expects signatures in this order.
	Order []uint32
}

// String returns the encoded address.
func (a *CustodialAddress) String() string {
	return a.Address.EncodeAddress()
}

// indexedKey pairs a serialized key with its validator index.
type indexedKey struct {
	key   []byte
	index uint32
}

// sortedKeys returns the compressed keys sorted lexicographically, remembering
// which validator each belongs to.
func sortedKeys(pubs []*btcec.PublicKey) []indexedKey {
	keys := make([]indexedKey, len(pubs))
	for i, pub := range pubs {
		keys[i] = indexedKey{
			key:   pub.SerializeCompressed(),
			index: uint32(i),
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].key, keys[j].key) < 0
	})

	return keys
}

// RedeemScript builds the "M <key>... N OP_CHECKMULTISIG" script over the
// sorted keys of the config.
func RedeemScript(cfg *ValidatorSetConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddInt64(int64(cfg.Threshold))
	for _, k := range sortedKeys(cfg.PubKeys) {
		bldr.AddData(k.key)
	}
	bldr.AddInt64(int64(len(cfg.PubKeys)))
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

// DeriveAddress computes the custodial address of the config for the given
// network. The result only depends on the threshold and the set of keys, not
// on the order they were supplied in.
func DeriveAddress(cfg *ValidatorSetConfig,
	params *chaincfg.Params) (*CustodialAddress, error) {

	redeem, err := RedeemScript(cfg)
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.NewAddressScriptHash(redeem, params)
	if err != nil {
		return nil, fmt.Errorf("unable to create p2sh address: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	sorted := sortedKeys(cfg.PubKeys)
	order := make([]uint32, len(sorted))
	for i, k := range sorted {
		order[i] = k.index
	}

	log.Tracef("Derived %d-of-%d custodial address %v",
		cfg.Threshold, len(cfg.PubKeys), addr.EncodeAddress())

	return &CustodialAddress{
		RedeemScript: redeem,
		Address:      addr,
		PkScript:     pkScript,
		Threshold:    cfg.Threshold,
		Order:        order,
	}, nil
}
