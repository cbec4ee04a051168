package anchortx

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/csales1987/exonum-btc-anchoring/chainfee"
	"github.com/csales1987/exonum-btc-anchoring/checkpoint"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// TxVersion is the version of every anchoring transaction.
	TxVersion = 2

	// MaxSigLen is the largest DER signature plus the sighash byte. The
	// size estimate assumes every signature has this length so that all
	// nodes agree on the fee before any signature exists.
	MaxSigLen = 73
)

// BuildRequest holds everything needed to construct an unsigned anchoring
// transaction. Two equal requests always yield byte identical transactions.
type BuildRequest struct {
	// Source is the custodial address that controls the inputs. Its
	// redeem script and threshold size the unlocking scripts.
	Source *multisig.CustodialAddress

	// Destination is the custodial address that receives the funds.
	// For regular anchoring it equals Source.
	Destination *multisig.CustodialAddress

	// Primary is the output that continues the anchor chain: output 0 of
	// the tip or a funding output.
	Primary SpentOutput

	// Extra are additional funding outputs paying to Source.
	Extra []SpentOutput

	// Payload is the checkpoint embedded in the data output.
	Payload checkpoint.Payload

	// PrevHeight is the height of the last anchored checkpoint, if any.
	PrevHeight fn.Option[uint64]

	// Interval is the minimum number of ledger heights between two
	// checkpoints.
	Interval uint64

	// FeeRate is the fee rate applied to the estimated signed size.
	FeeRate chainfee.SatPerVByte

	// Transition marks a transaction that moves funds to a new validator
	// set. Transitions are not subject to the checkpoint interval.
	Transition bool
}

// Result is an unsigned anchoring transaction together with the outputs it
// spends, in input order.
type Result struct {
	Tx     *wire.MsgTx
	Inputs []SpentOutput
	Fee    btcutil.Amount
	Size   int
}

// checkDue returns an error unless the payload is far enough ahead of the
// previously anchored height.
func (r *BuildRequest) checkDue() error {
	if r.Transition {
		return nil
	}

	return fn.ElimOption(r.PrevHeight, func() error {
		return nil
	}, func(prev uint64) error {
		if r.Payload.Height <= prev ||
			r.Payload.Height < prev+r.Interval {

			return &NoCheckpointDueError{
				Height:     r.Payload.Height,
				PrevHeight: prev,
				Interval:   r.Interval,
			}
		}

		return nil
	})
}

// orderedInputs returns the primary input followed by the extra inputs
// sorted by outpoint.
func (r *BuildRequest) orderedInputs() ([]SpentOutput, error) {
	extra := make([]SpentOutput, 0, len(r.Extra))
	seen := map[wire.OutPoint]struct{}{r.Primary.OutPoint: {}}
	for _, in := range r.Extra {
		if _, ok := seen[in.OutPoint]; ok {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateInput,
				in.OutPoint)
		}
		seen[in.OutPoint] = struct{}{}
		extra = append(extra, in)
	}

	sort.Slice(extra, func(i, j int) bool {
		return outPointLess(extra[i].OutPoint, extra[j].OutPoint)
	})

	return append([]SpentOutput{r.Primary}, extra...), nil
}

// Build constructs the unsigned transaction described by req: output 0 pays
// the inputs minus the fee to the destination address, output 1 commits to
// the payload.
func Build(req *BuildRequest) (*Result, error) {
	if req.Source == nil || req.Destination == nil {
		return nil, ErrNoInputs
	}
	if err := req.checkDue(); err != nil {
		return nil, err
	}

	inputs, err := req.orderedInputs()
	if err != nil {
		return nil, err
	}

	commitment, err := req.Payload.TxOut()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(TxVersion)
	var total btcutil.Amount
	for _, in := range inputs {
		op := in.OutPoint
		txIn := wire.NewTxIn(&op, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)

		total += in.Value
	}
	tx.AddTxOut(wire.NewTxOut(0, req.Destination.PkScript))
	tx.AddTxOut(commitment)

	size, err := EstimateSignedSize(tx, req.Source)
	if err != nil {
		return nil, err
	}
	fee := req.FeeRate.FeeForVSize(int64(size))

	dust := DustLimit(req.Destination.PkScript)
	if total <= fee || total-fee < dust {
		return nil, &InsufficientFundsError{
			Available: total,
			Fee:       fee,
			Dust:      dust,
		}
	}
	tx.TxOut[CustodialOutputIndex].Value = int64(total - fee)

	err = txrules.CheckOutput(
		tx.TxOut[CustodialOutputIndex], txrules.DefaultRelayFeePerKb,
	)
	if err != nil {
		return nil, fmt.Errorf("custodial output: %w", err)
	}

	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx)); err != nil {
		return nil, fmt.Errorf("built insane transaction: %w", err)
	}

	log.Debugf("Built %v spending %d inputs (%v), fee=%v, size=%d",
		tx.TxHash(), len(inputs), total, fee, size)

	return &Result{
		Tx:     tx,
		Inputs: inputs,
		Fee:    fee,
		Size:   size,
	}, nil
}

// EstimateSignedSize returns the serialized size of tx once every input
// carries a scriptSig with the threshold number of maximum length signatures
// and the redeem script of addr.
func EstimateSignedSize(tx *wire.MsgTx,
	addr *multisig.CustodialAddress) (int, error) {

	dummy := bytes.Repeat([]byte{0}, MaxSigLen)
	sigs := make([][]byte, addr.Threshold)
	for i := range sigs {
		sigs[i] = dummy
	}

	scriptSig, err := multisig.BuildScriptSig(addr, sigs)
	if err != nil {
		return 0, err
	}

	template := tx.Copy()
	for _, txIn := range template.TxIn {
		txIn.SignatureScript = scriptSig
	}

	return template.SerializeSize(), nil
}

// DustLimit returns the smallest value an output paying to pkScript may carry
// and still be relayed.
func DustLimit(pkScript []byte) btcutil.Amount {
	return btcutil.Amount(
		mempool.GetDustThreshold(wire.NewTxOut(0, pkScript)),
	)
}
