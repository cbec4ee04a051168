package sigcollect

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// PrevTxSource returns the full transaction with the given txid. Legacy P2SH
// inputs carry their whole previous transaction in a PSBT.
type PrevTxSource func(txid chainhash.Hash) fn.Option[*wire.MsgTx]

// Packet returns the proposal as a PSBT holding every collected signature.
// It can be handed to an external signer or finalized elsewhere.
func (p *Proposal) Packet(cfg *multisig.ValidatorSetConfig,
	addr *multisig.CustodialAddress, prevTxs PrevTxSource) (*psbt.Packet,
	error) {

	var signers []uint32
	for _, validator := range addr.Order {
		if _, ok := p.Signatures[validator]; ok {
			signers = append(signers, validator)
		}
	}

	return p.packet(cfg, addr, prevTxs, signers)
}

// packet builds a PSBT over the unsigned transaction with the redeem script,
// the previous transaction and the partial signatures of signers on every
// input.
func (p *Proposal) packet(cfg *multisig.ValidatorSetConfig,
	addr *multisig.CustodialAddress, prevTxs PrevTxSource,
	signers []uint32) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(p.UnsignedTx.Copy())
	if err != nil {
		return nil, err
	}
	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	for i, txIn := range packet.UnsignedTx.TxIn {
		prevHash := txIn.PreviousOutPoint.Hash
		prevTx, err := prevTxs(prevHash).UnwrapOrErr(
			fmt.Errorf("%w: %v", ErrUnknownPrevTx, prevHash),
		)
		if err != nil {
			return nil, err
		}

		err = updater.AddInNonWitnessUtxo(prevTx, i)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		err = updater.AddInRedeemScript(addr.RedeemScript, i)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		for _, validator := range signers {
			pubKey := cfg.PubKeys[validator].SerializeCompressed()
			sig := p.Signatures[validator][i]

			_, err := updater.Sign(i, sig, pubKey, nil, nil)
			if err != nil {
				return nil, fmt.Errorf("input %d, validator "+
					"%d: %w", i, validator, err)
			}
		}
	}

	return packet, nil
}

// assemble finalizes a PSBT carrying the first threshold signatures in
// redeem script key order and extracts the signed transaction.
func (p *Proposal) assemble(cfg *multisig.ValidatorSetConfig,
	addr *multisig.CustodialAddress, prevTxs PrevTxSource) (*wire.MsgTx,
	error) {

	var signers []uint32
	for _, validator := range addr.Order {
		if len(signers) == int(addr.Threshold) {
			break
		}
		if _, ok := p.Signatures[validator]; ok {
			signers = append(signers, validator)
		}
	}
	if len(signers) < int(addr.Threshold) {
		return nil, fmt.Errorf("%w: have %d, need %d",
			multisig.ErrNotEnoughSignatures, len(signers),
			addr.Threshold)
	}

	packet, err := p.packet(cfg, addr, prevTxs, signers)
	if err != nil {
		return nil, err
	}
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("unable to finalize %v: %w", p.ID, err)
	}

	return psbt.Extract(packet)
}
