package btcrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

const esploraBackend = "esplora"

// EsploraConfig holds the configuration of an Esplora REST backend.
type EsploraConfig struct {
	// URL is the base URL of the Esplora API (e.g.,
	// http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// RequestsPerSecond limits the request rate. Public instances ban
	// clients that poll too aggressively.
	RequestsPerSecond float64
}

// esploraTxStatus is the confirmation status of a transaction.
type esploraTxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`
}

// esploraUtxo is an unspent output as returned by the address endpoint.
type esploraUtxo struct {
	TxID   string          `json:"txid"`
	Vout   uint32          `json:"vout"`
	Status esploraTxStatus `json:"status"`
	Value  int64           `json:"value"`
}

// httpStatusError is returned for non-200 responses.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

// EsploraGateway implements Gateway over the Esplora HTTP API.
type EsploraGateway struct {
	cfg *EsploraConfig

	httpClient *http.Client
	limiter    *rate.Limiter
}

// A compile-time check to ensure EsploraGateway implements Gateway.
var _ Gateway = (*EsploraGateway)(nil)

// NewEsploraGateway creates a new Esplora gateway.
func NewEsploraGateway(cfg *EsploraConfig) *EsploraGateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &EsploraGateway{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// doRequest performs an HTTP request with retries. Transport failures and
// server errors are retried, everything else is returned to the caller.
func (e *EsploraGateway) doRequest(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	url := strings.TrimSuffix(e.cfg.URL, "/") + path

	var lastErr error
	for i := 0; i <= e.cfg.MaxRetries; i++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &RPCUnavailableError{
				Backend: esploraBackend, Op: path, Err: err,
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w",
				err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		respBody, err := e.roundTrip(req)
		var statusErr *httpStatusError
		switch {
		case err == nil:
			return respBody, nil

		// Client errors are final.
		case errors.As(err, &statusErr) && statusErr.code < 500:
			return nil, err
		}

		lastErr = err
		log.Debugf("Esplora %s %s failed (attempt %d): %v", method,
			path, i+1, err)

		if i < e.cfg.MaxRetries {
			select {
			case <-time.After(time.Duration(i+1) * 100 *
				time.Millisecond):

			case <-ctx.Done():
				return nil, &RPCUnavailableError{
					Backend: esploraBackend, Op: path,
					Err: ctx.Err(),
				}
			}
		}
	}

	return nil, &RPCUnavailableError{
		Backend: esploraBackend,
		Op:      path,
		Err: fmt.Errorf("request failed after %d attempts: %w",
			e.cfg.MaxRetries+1, lastErr),
	}
}

// roundTrip executes the request and reads the whole response.
func (e *EsploraGateway) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{
			code: resp.StatusCode,
			body: strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}

// doGet performs a GET request, mapping 404 to ErrTxNotFound.
func (e *EsploraGateway) doGet(ctx context.Context, path string) ([]byte,
	error) {

	body, err := e.doRequest(ctx, http.MethodGet, path, nil)

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) &&
		statusErr.code == http.StatusNotFound {

		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, path)
	}

	return body, err
}

// UnspentOutputs lists the unspent outputs paying to addr.
func (e *EsploraGateway) UnspentOutputs(ctx context.Context,
	addr btcutil.Address) ([]Utxo, error) {

	body, err := e.doGet(ctx, "/address/"+addr.EncodeAddress()+"/utxo")
	if err != nil {
		return nil, err
	}

	var unspent []esploraUtxo
	if err := json.Unmarshal(body, &unspent); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	// Esplora reports heights rather than depths, so resolve the tip
	// once if anything is confirmed.
	var tip int64
	for _, u := range unspent {
		if u.Status.Confirmed {
			tip, err = e.BestHeight(ctx)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	utxos := make([]Utxo, 0, len(unspent))
	for _, u := range unspent {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, Utxo{
			OutPoint:      *wire.NewOutPoint(hash, u.Vout),
			Value:         btcutil.Amount(u.Value),
			PkScript:      pkScript,
			Confirmations: depth(u.Status, tip),
		})
	}

	return utxos, nil
}

// depth converts a confirmation status into a depth given the tip height.
func depth(status esploraTxStatus, tip int64) uint32 {
	if !status.Confirmed || tip < status.BlockHeight {
		return 0
	}

	return uint32(tip - status.BlockHeight + 1)
}

// RawTransaction fetches a transaction by id.
func (e *EsploraGateway) RawTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	body, err := e.doGet(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}

	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

// Confirmations returns the confirmation depth of a transaction.
func (e *EsploraGateway) Confirmations(ctx context.Context,
	txid chainhash.Hash) (uint32, error) {

	body, err := e.doGet(ctx, "/tx/"+txid.String()+"/status")
	if err != nil {
		return 0, err
	}

	var status esploraTxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if !status.Confirmed {
		return 0, nil
	}

	tip, err := e.BestHeight(ctx)
	if err != nil {
		return 0, err
	}

	return depth(status, tip), nil
}

// Broadcast publishes a signed transaction.
func (e *EsploraGateway) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	_, err := e.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return classifyRejection(statusErr.body)
	}

	return err
}

// BestHeight returns the current blockchain tip height.
func (e *EsploraGateway) BestHeight(ctx context.Context) (int64, error) {
	body, err := e.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}
