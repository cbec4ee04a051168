package anchortest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/btcrpc"
)

// errOffline is wrapped into an RPCUnavailableError while the chain is
// offline.
var errOffline = errors.New("connection refused")

// SimChain is an in-memory Bitcoin network implementing btcrpc.Gateway. It
// tracks spends but performs no script validation.
type SimChain struct {
	mu sync.Mutex

	txs        map[chainhash.Hash]*wire.MsgTx
	confs      map[chainhash.Hash]uint32
	spentBy    map[wire.OutPoint]chainhash.Hash
	broadcasts []*wire.MsgTx
	height     int64
	offline    bool
}

// A compile-time check to ensure SimChain implements btcrpc.Gateway.
var _ btcrpc.Gateway = (*SimChain)(nil)

// NewSimChain creates an empty simulated chain.
func NewSimChain() *SimChain {
	return &SimChain{
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		confs:   make(map[chainhash.Hash]uint32),
		spentBy: make(map[wire.OutPoint]chainhash.Hash),
		height:  100,
	}
}

// SetOffline makes every call fail with an RPCUnavailableError.
func (s *SimChain) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// Add inserts tx as if it had been relayed by someone else, with the given
// number of confirmations.
func (s *SimChain) Add(tx *wire.MsgTx, confs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.add(tx, confs)
}

func (s *SimChain) add(tx *wire.MsgTx, confs uint32) {
	txid := tx.TxHash()
	s.txs[txid] = tx
	s.confs[txid] = confs
	for _, in := range tx.TxIn {
		s.spentBy[in.PreviousOutPoint] = txid
	}
}

// Mine confirms every known transaction one block deeper.
func (s *SimChain) Mine(blocks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.height += int64(blocks)
	for txid := range s.confs {
		s.confs[txid] += blocks
	}
}

// Broadcasts returns the transactions broadcast through the gateway.
func (s *SimChain) Broadcasts() []*wire.MsgTx {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*wire.MsgTx(nil), s.broadcasts...)
}

func (s *SimChain) check(op string) error {
	if s.offline {
		return &btcrpc.RPCUnavailableError{
			Backend: "sim", Op: op, Err: errOffline,
		}
	}

	return nil
}

// UnspentOutputs lists the unspent outputs paying to addr.
func (s *SimChain) UnspentOutputs(_ context.Context,
	addr btcutil.Address) ([]btcrpc.Utxo, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("listunspent"); err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	var utxos []btcrpc.Utxo
	for txid, tx := range s.txs {
		for i, out := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if _, spent := s.spentBy[op]; spent {
				continue
			}
			if !bytes.Equal(out.PkScript, pkScript) {
				continue
			}

			utxos = append(utxos, btcrpc.Utxo{
				OutPoint:      op,
				Value:         btcutil.Amount(out.Value),
				PkScript:      out.PkScript,
				Confirmations: s.confs[txid],
			})
		}
	}

	return utxos, nil
}

// RawTransaction fetches a transaction by id.
func (s *SimChain) RawTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("getrawtransaction"); err != nil {
		return nil, err
	}

	tx, ok := s.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %v", btcrpc.ErrTxNotFound, txid)
	}

	return tx, nil
}

// Confirmations returns the depth of a transaction.
func (s *SimChain) Confirmations(_ context.Context,
	txid chainhash.Hash) (uint32, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("getrawtransaction"); err != nil {
		return 0, err
	}

	confs, ok := s.confs[txid]
	if !ok {
		return 0, fmt.Errorf("%w: %v", btcrpc.ErrTxNotFound, txid)
	}

	return confs, nil
}

// Broadcast adds tx to the mempool unless it conflicts with a known spend.
func (s *SimChain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("sendrawtransaction"); err != nil {
		return err
	}

	txid := tx.TxHash()
	s.broadcasts = append(s.broadcasts, tx)

	if _, ok := s.txs[txid]; ok {
		return btcrpc.ErrAlreadyKnown
	}
	for _, in := range tx.TxIn {
		if _, ok := s.spentBy[in.PreviousOutPoint]; ok {
			return btcrpc.ErrDoubleSpend
		}
	}

	s.add(tx, 0)

	return nil
}

// BestHeight returns the simulated tip height.
func (s *SimChain) BestHeight(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check("getblockcount"); err != nil {
		return 0, err
	}

	return s.height, nil
}
