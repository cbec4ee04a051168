package btcrpc

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

// MockGateway implements Gateway for tests.
type MockGateway struct {
	mock.Mock
}

// Compile time assertion that MockGateway implements Gateway.
var _ Gateway = (*MockGateway)(nil)

func (m *MockGateway) UnspentOutputs(ctx context.Context,
	addr btcutil.Address) ([]Utxo, error) {

	args := m.Called(ctx, addr)

	return args.Get(0).([]Utxo), args.Error(1)
}

func (m *MockGateway) RawTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	args := m.Called(ctx, txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*wire.MsgTx), args.Error(1)
}

func (m *MockGateway) Confirmations(ctx context.Context,
	txid chainhash.Hash) (uint32, error) {

	args := m.Called(ctx, txid)

	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockGateway) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	args := m.Called(ctx, tx)

	return args.Error(0)
}

func (m *MockGateway) BestHeight(ctx context.Context) (int64, error) {
	args := m.Called(ctx)

	return args.Get(0).(int64), args.Error(1)
}
