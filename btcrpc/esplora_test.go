package btcrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{7}, 0), nil,
		nil))
	tx.AddTxOut(wire.NewTxOut(5_000, []byte{0x51}))

	return tx
}

func newTestGateway(t *testing.T, handler http.Handler) *EsploraGateway {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewEsploraGateway(&EsploraConfig{
		URL:            srv.URL,
		RequestTimeout: time.Second,
		MaxRetries:     2,
	})
}

// TestEsploraQueries exercises the read endpoints against a fake server.
func TestEsploraQueries(t *testing.T) {
	t.Parallel()

	tx := testTx()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	txid := tx.TxHash()

	addr, err := btcutil.NewAddressScriptHash(
		[]byte{0x51}, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "110")
	})
	mux.HandleFunc("/tx/"+txid.String()+"/hex", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, hex.EncodeToString(buf.Bytes()))
	})
	mux.HandleFunc("/tx/"+txid.String()+"/status", func(
		w http.ResponseWriter, _ *http.Request) {

		fmt.Fprint(w, `{"confirmed":true,"block_height":101}`)
	})
	mux.HandleFunc("/address/"+addr.EncodeAddress()+"/utxo", func(
		w http.ResponseWriter, _ *http.Request) {

		fmt.Fprintf(w, `[{"txid":"%v","vout":0,"value":5000,`+
			`"status":{"confirmed":true,"block_height":110}},`+
			`{"txid":"%v","vout":1,"value":7,`+
			`"status":{"confirmed":false}}]`, txid, txid)
	})

	gw := newTestGateway(t, mux)
	ctx := context.Background()

	fetched, err := gw.RawTransaction(ctx, txid)
	require.NoError(t, err)
	require.Equal(t, txid, fetched.TxHash())

	confs, err := gw.Confirmations(ctx, txid)
	require.NoError(t, err)
	require.Equal(t, uint32(10), confs)

	utxos, err := gw.UnspentOutputs(ctx, addr)
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, uint32(1), utxos[0].Confirmations)
	require.Equal(t, uint32(0), utxos[1].Confirmations)
	require.Equal(t, btcutil.Amount(5_000), utxos[0].Value)

	_, err = gw.RawTransaction(ctx, chainhash.Hash{1})
	require.ErrorIs(t, err, ErrTxNotFound)
}

// TestEsploraBroadcast checks broadcast results are classified.
func TestEsploraBroadcast(t *testing.T) {
	t.Parallel()

	var reply atomic.Value
	reply.Store("")

	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		body, _ := io.ReadAll(r.Body)
		_, err := hex.DecodeString(string(body))
		if err != nil {
			http.Error(w, "bad hex", http.StatusBadRequest)
			return
		}

		if msg := reply.Load().(string); msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "ok")
	}))

	ctx := context.Background()
	require.NoError(t, gw.Broadcast(ctx, testTx()))

	reply.Store("sendrawtransaction RPC error: " +
		`{"code":-26,"message":"txn-mempool-conflict"}`)
	require.ErrorIs(t, gw.Broadcast(ctx, testTx()), ErrDoubleSpend)

	reply.Store("dust")
	require.ErrorIs(t, gw.Broadcast(ctx, testTx()), ErrRejected)
}

// TestEsploraUnavailable makes sure server errors are retried and then
// reported as unavailable.
func TestEsploraUnavailable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter,
		_ *http.Request) {

		calls.Add(1)
		http.Error(w, "syncing", http.StatusServiceUnavailable)
	}))

	_, err := gw.BestHeight(context.Background())
	require.True(t, IsUnavailable(err))
	require.Equal(t, int32(3), calls.Load())
}
