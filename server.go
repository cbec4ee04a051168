package btcanchoring

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/anchordb"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/anchornode"
	"github.com/csales1987/exonum-btc-anchoring/btcrpc"
	"github.com/csales1987/exonum-btc-anchoring/monitoring"
	"github.com/csales1987/exonum-btc-anchoring/replog"
	"github.com/csales1987/exonum-btc-anchoring/signal"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
)

// errHalted is reported by the halt health check.
var errHalted = errors.New("anchoring halted")

// server wires the anchoring node to its collaborators: the database, the
// Bitcoin backend, the replicated log and the operational surfaces.
type server struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	db    kvdb.Backend
	store *anchordb.Store

	gateway     btcrpc.Gateway
	stopGateway func()

	ledger       *replog.Log
	ledgerTicker ticker.Ticker

	node *anchornode.Node

	exporter *monitoring.Exporter
	monitor  *healthcheck.Monitor

	// ledgerHeight and ledgerHash are the last block committed by the
	// development ledger. They are only accessed by ledgerLoop.
	ledgerHeight uint64
	ledgerHash   chainhash.Hash

	quit chan struct{}
	wg   sync.WaitGroup
}

// newServer opens the database, connects to the Bitcoin backend and builds
// the node.
func newServer(cfg *Config, interceptor signal.Interceptor) (*server,
	error) {

	params, err := cfg.Anchoring.MachineParams()
	if err != nil {
		return nil, err
	}
	validators, err := cfg.Anchoring.ValidatorSet()
	if err != nil {
		return nil, err
	}
	genesis, err := anchoring.NewChainState(validators, params.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid genesis state: %w", err)
	}
	key, err := cfg.Anchoring.LoadKey()
	if err != nil {
		return nil, fmt.Errorf("unable to load anchoring key: %w", err)
	}

	s := &server{
		cfg:  cfg,
		quit: make(chan struct{}),
	}

	s.db, err = kvdb.GetBoltBackend(cfg.DB.BoltConfig(
		cfg.DataDir, anchordb.DefaultDBFileName,
	))
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	s.store, err = anchordb.NewStore(s.db)
	if err != nil {
		s.db.Close()
		return nil, err
	}

	// The development ledger lives in memory, so it resumes numbering
	// after the last entry this node persisted.
	seq, err := s.store.AppliedSeq()
	if err != nil {
		s.db.Close()
		return nil, err
	}
	s.ledger = replog.NewAfter(seq)
	s.ledgerTicker = ticker.New(cfg.Anchoring.LedgerInterval)

	if err := s.initGateway(); err != nil {
		s.db.Close()
		return nil, err
	}

	s.node = anchornode.New(&anchornode.Config{
		Machine:    anchoring.NewMachine(*params),
		Genesis:    genesis,
		Store:      s.store,
		Ledger:     s.ledger,
		Gateway:    s.gateway,
		Key:        key,
		PollTicker: ticker.New(cfg.Anchoring.PollInterval),
		Backoff:    btcrpc.DefaultBackoff(),
		MaxWalk:    cfg.Anchoring.MaxWalk,
		Clock:      clock.NewDefaultClock(),
	})

	if cfg.Prometheus.Enabled() {
		s.exporter, err = monitoring.NewExporter(cfg.Prometheus, s.node)
		if err != nil {
			s.stopGateway()
			s.db.Close()
			return nil, err
		}
	}

	s.monitor = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: s.healthChecks(),
		Shutdown: func(format string, params ...interface{}) {
			ancdLog.Criticalf("Health check: "+format, params...)
			interceptor.RequestShutdown()
		},
	})

	return s, nil
}

// initGateway connects to the configured Bitcoin backend.
func (s *server) initGateway() error {
	switch s.cfg.Backend {
	case bitcoindBackendName:
		gw, err := btcrpc.NewBitcoindGateway(&btcrpc.BitcoindConfig{
			Host: s.cfg.Bitcoind.RPCHost,
			User: s.cfg.Bitcoind.RPCUser,
			Pass: s.cfg.Bitcoind.RPCPass,
		})
		if err != nil {
			return err
		}
		s.gateway, s.stopGateway = gw, gw.Stop

	case esploraBackendName:
		s.gateway = btcrpc.NewEsploraGateway(&btcrpc.EsploraConfig{
			URL:               s.cfg.Esplora.URL,
			RequestTimeout:    s.cfg.Esplora.RequestTimeout,
			MaxRetries:        s.cfg.Esplora.MaxRetries,
			RequestsPerSecond: s.cfg.Esplora.RequestsPerSecond,
		})
		s.stopGateway = func() {}

	default:
		return fmt.Errorf("unknown backend %q", s.cfg.Backend)
	}

	ancdLog.Infof("Using %v backend", s.cfg.Backend)

	return nil
}

// healthChecks returns the enabled health checks.
func (s *server) healthChecks() []*healthcheck.Observation {
	var checks []*healthcheck.Observation

	chainCheck := s.cfg.HealthChecks.ChainCheck
	if chainCheck.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"chain backend",
			func() error {
				ctx, cancel := context.WithTimeout(
					context.Background(), chainCheck.Timeout,
				)
				defer cancel()

				_, err := s.gateway.BestHeight(ctx)
				return err
			},
			chainCheck.Interval, chainCheck.Timeout,
			chainCheck.Backoff, chainCheck.Attempts,
		))
	}

	haltCheck := s.cfg.HealthChecks.HaltCheck
	if haltCheck.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"anchoring halt",
			func() error {
				status := s.node.Status()
				if status.Halted {
					return fmt.Errorf("%w: %v", errHalted,
						status.HaltReason)
				}

				return nil
			},
			haltCheck.Interval, haltCheck.Timeout,
			haltCheck.Backoff, haltCheck.Attempts,
		))
	}

	return checks
}

// Start starts all subsystems.
func (s *server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	if err := s.ledger.Start(); err != nil {
		return err
	}
	if err := s.node.Start(); err != nil {
		return err
	}

	state := s.node.State()
	s.ledgerHeight, s.ledgerHash = state.LedgerHeight, state.LedgerHash

	s.ledgerTicker.Resume()
	s.wg.Add(1)
	go s.ledgerLoop()

	if s.exporter != nil {
		if err := s.exporter.Start(); err != nil {
			return err
		}
	}

	if err := s.monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}

	return nil
}

// Stop shuts all subsystems down in reverse order.
func (s *server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	if err := s.monitor.Stop(); err != nil {
		ancdLog.Warnf("Unable to stop health monitor: %v", err)
	}
	if s.exporter != nil {
		if err := s.exporter.Stop(); err != nil {
			ancdLog.Warnf("Unable to stop exporter: %v", err)
		}
	}

	s.ledgerTicker.Stop()
	close(s.quit)
	s.wg.Wait()

	if err := s.node.Stop(); err != nil {
		ancdLog.Warnf("Unable to stop node: %v", err)
	}
	if err := s.ledger.Stop(); err != nil {
		ancdLog.Warnf("Unable to stop ledger: %v", err)
	}

	s.stopGateway()

	return s.db.Close()
}

// nextLedgerHash chains the state hash of a development ledger block to its
// predecessor.
func nextLedgerHash(prev chainhash.Hash, height uint64) chainhash.Hash {
	var b [chainhash.HashSize + 8]byte
	copy(b[:], prev[:])
	binary.BigEndian.PutUint64(b[chainhash.HashSize:], height)

	return chainhash.HashH(b[:])
}

// ledgerLoop commits a new block of the development ledger on every tick.
// It stands in for the host ledger and is the only producer of checkpoints.
//
// NOTE: MUST be run as a goroutine.
func (s *server) ledgerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ledgerTicker.Ticks():
			height := s.ledgerHeight + 1
			hash := nextLedgerHash(s.ledgerHash, height)

			_, err := s.ledger.Submit(&anchoring.CheckpointMsg{
				Height:    height,
				StateHash: hash,
			})
			if err != nil {
				ancdLog.Errorf("Unable to commit ledger block "+
					"%d: %v", height, err)
				continue
			}
			s.ledgerHeight, s.ledgerHash = height, hash

			ancdLog.Debugf("Committed ledger block %d (%v)", height,
				hash)

		case <-s.quit:
			return
		}
	}
}
