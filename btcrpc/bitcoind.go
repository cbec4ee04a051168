package btcrpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// bitcoind error codes the gateway interprets. They mirror the RPC_* codes of
// bitcoind's rpc/protocol.h.
const (
	errCodeVerify          btcjson.RPCErrorCode = -25
	errCodeVerifyRejected  btcjson.RPCErrorCode = -26
	errCodeAlreadyInChain  btcjson.RPCErrorCode = -27
	errCodeInWarmup        btcjson.RPCErrorCode = -28
	errCodeNoTxInfo        btcjson.RPCErrorCode = -5
	errCodeInitialDownload btcjson.RPCErrorCode = -10

	// maxListUnspentConf is the maxconf argument of listunspent.
	maxListUnspentConf = 9999999

	bitcoindBackend = "bitcoind"
)

// BitcoindConfig holds the connection parameters of a bitcoind node.
type BitcoindConfig struct {
	Host string
	User string
	Pass string
}

// BitcoindGateway implements Gateway over bitcoind's JSON-RPC interface. The
// watched addresses are imported into the node's wallet without rescan, so
// the node must have seen the funding transactions after the import or have
// been rescanned by the operator.
type BitcoindGateway struct {
	client *rpcclient.Client

	importMtx sync.Mutex
	imported  map[string]struct{}
}

// A compile-time check to ensure BitcoindGateway implements Gateway.
var _ Gateway = (*BitcoindGateway)(nil)

// NewBitcoindGateway creates a gateway using HTTP POST mode.
func NewBitcoindGateway(cfg *BitcoindConfig) (*BitcoindGateway, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create bitcoind client: %w",
			err)
	}

	return &BitcoindGateway{
		client:   client,
		imported: make(map[string]struct{}),
	}, nil
}

// Stop shuts down the underlying RPC client.
func (b *BitcoindGateway) Stop() {
	b.client.Shutdown()
}

// call runs f, giving up early if ctx is done. rpcclient is not context
// aware so the call itself keeps running until its own timeout.
func call[T any](ctx context.Context, op string, f func() (T, error)) (T,
	error) {

	type result struct {
		val T
		err error
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, &RPCUnavailableError{
			Backend: bitcoindBackend, Op: op, Err: err,
		}
	}

	done := make(chan result, 1)
	go func() {
		val, err := f()
		done <- result{val: val, err: err}
	}()

	select {
	case res := <-done:
		return res.val, classifyBitcoindErr(op, res.err)

	case <-ctx.Done():
		return zero, &RPCUnavailableError{
			Backend: bitcoindBackend, Op: op, Err: ctx.Err(),
		}
	}
}

// classifyBitcoindErr maps an rpcclient error onto the gateway's errors.
func classifyBitcoindErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return &RPCUnavailableError{
			Backend: bitcoindBackend, Op: op, Err: err,
		}
	}

	switch rpcErr.Code {
	case errCodeInWarmup, errCodeInitialDownload:
		return &RPCUnavailableError{
			Backend: bitcoindBackend, Op: op, Err: err,
		}

	case errCodeNoTxInfo:
		return fmt.Errorf("%w: %v", ErrTxNotFound, rpcErr.Message)

	case errCodeAlreadyInChain:
		return fmt.Errorf("%w: %v", ErrAlreadyKnown, rpcErr.Message)

	case errCodeVerify, errCodeVerifyRejected:
		return classifyRejection(rpcErr.Message)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// classifyRejection interprets the reject reason reported by bitcoind or an
// Esplora instance backed by it.
func classifyRejection(reason string) error {
	switch {
	case strings.Contains(reason, "already known"),
		strings.Contains(reason, "already-known"),
		strings.Contains(reason, "already in block chain"),
		strings.Contains(reason, "txn-already-in-mempool"):

		return fmt.Errorf("%w: %v", ErrAlreadyKnown, reason)

	case strings.Contains(reason, "txn-mempool-conflict"),
		strings.Contains(reason, "missingorspent"),
		strings.Contains(reason, "missing-inputs"),
		strings.Contains(reason, "Missing inputs"):

		return fmt.Errorf("%w: %v", ErrDoubleSpend, reason)
	}

	return fmt.Errorf("%w: %v", ErrRejected, reason)
}

// watch imports addr into the node's wallet once.
func (b *BitcoindGateway) watch(ctx context.Context,
	addr btcutil.Address) error {

	encoded := addr.EncodeAddress()

	b.importMtx.Lock()
	_, ok := b.imported[encoded]
	b.importMtx.Unlock()
	if ok {
		return nil
	}

	_, err := call(ctx, "importaddress", func() (struct{}, error) {
		return struct{}{}, b.client.ImportAddressRescan(
			encoded, "", false,
		)
	})
	if err != nil {
		return err
	}

	log.Infof("Imported watch-only address %v into bitcoind", encoded)

	b.importMtx.Lock()
	b.imported[encoded] = struct{}{}
	b.importMtx.Unlock()

	return nil
}

// UnspentOutputs lists the unspent outputs paying to addr.
func (b *BitcoindGateway) UnspentOutputs(ctx context.Context,
	addr btcutil.Address) ([]Utxo, error) {

	if err := b.watch(ctx, addr); err != nil {
		return nil, err
	}

	unspent, err := call(ctx, "listunspent",
		func() ([]btcjson.ListUnspentResult, error) {
			return b.client.ListUnspentMinMaxAddresses(
				0, maxListUnspentConf, []btcutil.Address{addr},
			)
		},
	)
	if err != nil {
		return nil, err
	}

	utxos := make([]Utxo, 0, len(unspent))
	for _, u := range unspent {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}
		pkScript, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, err
		}
		value, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, Utxo{
			OutPoint:      *wire.NewOutPoint(hash, u.Vout),
			Value:         value,
			PkScript:      pkScript,
			Confirmations: uint32(u.Confirmations),
		})
	}

	return utxos, nil
}

// RawTransaction fetches a transaction by id.
func (b *BitcoindGateway) RawTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := call(ctx, "getrawtransaction", func() (*btcutil.Tx, error) {
		return b.client.GetRawTransaction(&txid)
	})
	if err != nil {
		return nil, err
	}

	return tx.MsgTx(), nil
}

// Confirmations returns the confirmation depth of a transaction.
func (b *BitcoindGateway) Confirmations(ctx context.Context,
	txid chainhash.Hash) (uint32, error) {

	res, err := call(ctx, "getrawtransaction",
		func() (*btcjson.TxRawResult, error) {
			return b.client.GetRawTransactionVerbose(&txid)
		},
	)
	if err != nil {
		return 0, err
	}

	return uint32(res.Confirmations), nil
}

// Broadcast publishes a signed transaction.
func (b *BitcoindGateway) Broadcast(ctx context.Context,
	tx *wire.MsgTx) error {

	_, err := call(ctx, "sendrawtransaction",
		func() (*chainhash.Hash, error) {
			return b.client.SendRawTransaction(tx, false)
		},
	)

	return err
}

// BestHeight returns the height of the node's best block.
func (b *BitcoindGateway) BestHeight(ctx context.Context) (int64, error) {
	return call(ctx, "getblockcount", b.client.GetBlockCount)
}
