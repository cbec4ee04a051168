package anchorcfg

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/csales1987/exonum-btc-anchoring/internal/anchortest"
	"github.com/stretchr/testify/require"
)

func hexKeys(t *testing.T, n int) []string {
	t.Helper()

	_, pubs := anchortest.Keys("cfg", n)
	keys := make([]string, n)
	for i, pub := range pubs {
		keys[i] = hex.EncodeToString(pub.SerializeCompressed())
	}

	return keys
}

func TestAnchoringValidatorSet(t *testing.T) {
	a := DefaultAnchoring()
	a.PubKeys = hexKeys(t, 4)

	cfg, err := a.ValidatorSet()
	require.NoError(t, err)
	require.Len(t, cfg.PubKeys, 4)
	require.EqualValues(t, 3, cfg.Threshold)
	require.EqualValues(t, 3, cfg.Quorum())
	require.True(t, cfg.FundingTx.IsNone())

	a.Threshold = 2
	a.LectQuorum = 4
	cfg, err = a.ValidatorSet()
	require.NoError(t, err)
	require.EqualValues(t, 2, cfg.Threshold)
	require.EqualValues(t, 4, cfg.Quorum())

	vs := anchortest.NewValidatorSet("cfg", 4, 2)
	funding := anchortest.FundingTx(vs.Address.PkScript, 100_000, 1)
	var buf bytes.Buffer
	require.NoError(t, funding.Serialize(&buf))
	a.FundingTx = hex.EncodeToString(buf.Bytes())

	cfg, err = a.ValidatorSet()
	require.NoError(t, err)
	require.Equal(t, funding.TxHash(), cfg.FundingTx.UnsafeFromSome().TxHash())
}

func TestAnchoringValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(a *Anchoring)
		valid  bool
	}{
		{
			name:   "defaults with keys",
			modify: func(*Anchoring) {},
			valid:  true,
		},
		{
			name: "no keys",
			modify: func(a *Anchoring) {
				a.PubKeys = nil
			},
		},
		{
			name: "bad key",
			modify: func(a *Anchoring) {
				a.PubKeys[1] = "02abcd"
			},
		},
		{
			name: "duplicate key",
			modify: func(a *Anchoring) {
				a.PubKeys[1] = a.PubKeys[0]
			},
		},
		{
			name: "threshold above set size",
			modify: func(a *Anchoring) {
				a.Threshold = 4
			},
		},
		{
			name: "unknown network",
			modify: func(a *Anchoring) {
				a.Network = "litecoin"
			},
		},
		{
			name: "zero fee rate",
			modify: func(a *Anchoring) {
				a.FeeRate = 0
			},
		},
		{
			name: "zero interval",
			modify: func(a *Anchoring) {
				a.Interval = 0
			},
		},
		{
			name: "bad funding tx",
			modify: func(a *Anchoring) {
				a.FundingTx = "00ff"
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a := DefaultAnchoring()
			a.PubKeys = hexKeys(t, 3)
			test.modify(a)

			err := a.Validate()
			if test.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

func TestMachineParams(t *testing.T) {
	a := DefaultAnchoring()
	a.Network = "regtest"
	a.FeeRate = 25

	params, err := a.MachineParams()
	require.NoError(t, err)
	require.Equal(t, &chaincfg.RegressionNetParams, params.Net)
	require.EqualValues(t, 25, params.FeeRate)
	require.Equal(t, a.Interval, params.Interval)
	require.Equal(t, a.TransitionTimeout, params.TransitionTimeout)
}

func TestLoadKey(t *testing.T) {
	a := DefaultAnchoring()

	key, err := a.LoadKey()
	require.NoError(t, err)
	require.True(t, key.IsNone())

	privs, _ := anchortest.Keys("cfg", 1)
	wif, err := btcutil.NewWIF(privs[0], &chaincfg.TestNet3Params, true)
	require.NoError(t, err)

	a.KeyFile = filepath.Join(t.TempDir(), "anchoring.key")
	require.NoError(t, os.WriteFile(a.KeyFile, []byte(wif.String()+"\n"),
		0600))

	key, err = a.LoadKey()
	require.NoError(t, err)
	require.True(t, key.UnsafeFromSome().PubKey().IsEqual(privs[0].PubKey()))

	require.NoError(t, os.WriteFile(a.KeyFile, []byte("garbage"), 0600))
	_, err = a.LoadKey()
	require.Error(t, err)
}

func TestHealthCheckValidate(t *testing.T) {
	valid := func() *CheckConfig {
		return &CheckConfig{
			Interval: time.Minute,
			Attempts: 1,
			Timeout:  time.Second,
			Backoff:  time.Second,
		}
	}

	h := &HealthCheckConfig{ChainCheck: valid(), HaltCheck: valid()}
	require.NoError(t, h.Validate())

	h.ChainCheck.Interval = time.Second
	require.Error(t, h.Validate())

	// A disabled check is not validated.
	h.ChainCheck.Attempts = 0
	require.False(t, h.ChainCheck.Enabled())
	require.NoError(t, h.Validate())

	h.HaltCheck.Attempts = -1
	require.Error(t, h.Validate())
}

func TestBackendValidate(t *testing.T) {
	b := DefaultBitcoind()
	require.Error(t, b.Validate())
	b.RPCUser, b.RPCPass = "user", "pass"
	require.NoError(t, b.Validate())

	e := DefaultEsplora()
	require.Error(t, e.Validate())
	e.URL = "http://localhost:3002"
	require.NoError(t, e.Validate())

	db := DefaultDB()
	require.NoError(t, db.Validate())
	bolt := db.BoltConfig("/tmp/anchord", "anchoring.db")
	require.Equal(t, "anchoring.db", bolt.DBFileName)
	require.True(t, bolt.NoFreelistSync)
}
