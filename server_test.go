package btcanchoring

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/signal"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

func TestNextLedgerHash(t *testing.T) {
	first := nextLedgerHash(chainhash.Hash{}, 1)
	require.Equal(t, first, nextLedgerHash(chainhash.Hash{}, 1))
	require.NotEqual(t, first, nextLedgerHash(chainhash.Hash{}, 2))
	require.NotEqual(t, first, nextLedgerHash(first, 1))
}

// TestServerLedger starts the daemon against an unreachable backend and
// checks that development ledger blocks reach the node and survive a
// restart.
func TestServerLedger(t *testing.T) {
	loaded := testConfig(t)
	loaded.HealthChecks.ChainCheck.Attempts = 0
	loaded.HealthChecks.HaltCheck.Attempts = 0
	loaded.Anchoring.PollInterval = time.Hour

	cfg, err := ValidateConfig(loaded, "")
	require.NoError(t, err)

	start := func() (*server, *ticker.Force) {
		s, err := newServer(cfg, signal.Interceptor{})
		require.NoError(t, err)

		force := ticker.NewForce(time.Hour)
		s.ledgerTicker = force
		require.NoError(t, s.Start())

		return s, force
	}

	tick := func(force *ticker.Force) {
		select {
		case force.Force <- time.Now():
		case <-time.After(5 * time.Second):
			t.Fatal("ledger loop not ticking")
		}
	}

	s, force := start()
	tick(force)
	tick(force)

	require.Eventually(t, func() bool {
		return s.node.Status().LedgerHeight == 2
	}, 5*time.Second, 10*time.Millisecond)

	status := s.node.Status()
	require.EqualValues(t, 2, status.Seq)
	require.True(t, status.Tip.IsNone())
	require.NoError(t, s.Stop())

	// After a restart the ledger continues from the stored state.
	s, force = start()
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	require.EqualValues(t, 2, s.node.Status().LedgerHeight)
	tick(force)

	require.Eventually(t, func() bool {
		status := s.node.Status()
		return status.LedgerHeight == 3 && status.Seq == 3
	}, 5*time.Second, 10*time.Millisecond)
}
