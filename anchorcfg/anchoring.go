package anchorcfg

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/csales1987/exonum-btc-anchoring/chainfee"
	"github.com/csales1987/exonum-btc-anchoring/multisig"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultNetwork is the Bitcoin network anchored into by default.
	DefaultNetwork = "testnet3"

	// DefaultFeeRate is the default anchoring fee rate in sat/vbyte.
	DefaultFeeRate = 10

	// DefaultPollInterval is how often the LECT tracker queries the
	// chain backend.
	DefaultPollInterval = 30 * time.Second

	// DefaultTransitionTimeout is the number of ledger heights a
	// validator set transition may take before anchoring halts.
	DefaultTransitionTimeout = 10000

	// DefaultMaxWalk bounds the tracker's walk back along the chain.
	DefaultMaxWalk = 64
)

// Anchoring holds the protocol options. Every validator must use the same
// network, fee rate, interval, transition timeout and genesis validator set,
// otherwise their replicated states diverge.
//
//nolint:lll
type Anchoring struct {
	Network string `long:"network" description:"The Bitcoin network to anchor into." choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`

	FeeRate uint64 `long:"feerate" description:"Fee rate of anchoring transactions in sat/vbyte."`

	Interval uint64 `long:"interval" description:"Minimum number of ledger heights between two anchored checkpoints."`

	TransitionTimeout uint64 `long:"transitiontimeout" description:"Number of ledger heights a validator set transition may take before anchoring halts. Zero disables the timeout."`

	MaxRecent int `long:"maxrecent" description:"Number of previous validator set configs whose addresses are still watched."`

	PollInterval time.Duration `long:"pollinterval" description:"How often the chain backend is polled for the anchor chain tip."`

	MaxWalk int `long:"maxwalk" description:"Maximum number of transactions followed back from an unspent output."`

	KeyFile string `long:"keyfile" description:"File holding the WIF encoded anchoring key of this validator. Without it the node only follows the log."`

	PubKeys []string `long:"pubkey" description:"Hex encoded compressed anchoring key of a genesis validator, in validator index order. May be given multiple times."`

	Threshold uint32 `long:"threshold" description:"Signatures required to spend from the custodial address. Zero selects a two thirds majority."`

	LectQuorum uint32 `long:"lectquorum" description:"Matching claims required to move the anchor chain tip. Zero uses the threshold."`

	FundingTx string `long:"fundingtx" description:"Hex encoded transaction paying into the genesis custodial address."`

	LedgerInterval time.Duration `long:"ledgerinterval" description:"How often the built-in development ledger commits a new block."`
}

// DefaultAnchoring returns the default protocol options.
func DefaultAnchoring() *Anchoring {
	return &Anchoring{
		Network:           DefaultNetwork,
		FeeRate:           DefaultFeeRate,
		Interval:          anchoring.DefaultInterval,
		TransitionTimeout: DefaultTransitionTimeout,
		MaxRecent:         anchoring.DefaultMaxRecent,
		PollInterval:      DefaultPollInterval,
		MaxWalk:           DefaultMaxWalk,
		LedgerInterval:    time.Minute,
	}
}

// Validate checks the protocol options, including the genesis validator
// set.
func (a *Anchoring) Validate() error {
	if _, err := a.ChainParams(); err != nil {
		return err
	}

	switch {
	case a.FeeRate == 0:
		return errors.New("anchoring.feerate must be positive")

	case a.Interval == 0:
		return errors.New("anchoring.interval must be positive")

	case a.PollInterval <= 0:
		return errors.New("anchoring.pollinterval must be positive")

	case a.LedgerInterval <= 0:
		return errors.New("anchoring.ledgerinterval must be positive")

	case a.MaxRecent < 0:
		return errors.New("anchoring.maxrecent must not be negative")

	case a.MaxWalk <= 0:
		return errors.New("anchoring.maxwalk must be positive")
	}

	_, err := a.ValidatorSet()

	return err
}

// ChainParams returns the parameters of the selected network.
func (a *Anchoring) ChainParams() (*chaincfg.Params, error) {
	return ChainParams(a.Network)
}

// ChainParams maps a network name to its parameters.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// MachineParams returns the parameters of the replicated state machine.
func (a *Anchoring) MachineParams() (*anchoring.Params, error) {
	net, err := a.ChainParams()
	if err != nil {
		return nil, err
	}

	return &anchoring.Params{
		Net:               net,
		FeeRate:           chainfee.SatPerVByte(a.FeeRate),
		Interval:          a.Interval,
		TransitionTimeout: a.TransitionTimeout,
		MaxRecent:         a.MaxRecent,
	}, nil
}

// ValidatorSet parses the genesis validator set.
func (a *Anchoring) ValidatorSet() (*multisig.ValidatorSetConfig, error) {
	if len(a.PubKeys) == 0 {
		return nil, errors.New("at least one anchoring.pubkey must be " +
			"set")
	}

	keys, err := ParsePubKeys(a.PubKeys)
	if err != nil {
		return nil, err
	}

	threshold := a.Threshold
	if threshold == 0 {
		threshold = multisig.MajorityCount(len(keys))
	}

	cfg := &multisig.ValidatorSetConfig{
		PubKeys:    keys,
		Threshold:  threshold,
		LectQuorum: a.LectQuorum,
		FundingTx:  fn.None[*wire.MsgTx](),
	}

	if a.FundingTx != "" {
		tx, err := DecodeTx(a.FundingTx)
		if err != nil {
			return nil, fmt.Errorf("fundingtx: %w", err)
		}
		cfg.FundingTx = fn.Some(tx)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParsePubKeys decodes hex encoded compressed public keys.
func ParsePubKeys(hexKeys []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(hexKeys))
	for i, keyHex := range hexKeys {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("pubkey %d: %w", i, err)
		}
		key, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("pubkey %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// LoadKey reads the validator key, if a key file is configured.
func (a *Anchoring) LoadKey() (fn.Option[*btcec.PrivateKey], error) {
	if a.KeyFile == "" {
		return fn.None[*btcec.PrivateKey](), nil
	}

	raw, err := os.ReadFile(a.KeyFile)
	if err != nil {
		return fn.None[*btcec.PrivateKey](), err
	}

	wif, err := btcutil.DecodeWIF(strings.TrimSpace(string(raw)))
	if err != nil {
		return fn.None[*btcec.PrivateKey](), fmt.Errorf("unable to "+
			"decode %v: %w", a.KeyFile, err)
	}

	return fn.Some(wif.PrivKey), nil
}

// DecodeTx parses a hex encoded transaction.
func DecodeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(txHex))
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}
