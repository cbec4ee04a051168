package multisig

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MaxValidators is the largest validator set whose redeem script still
	// fits into a standard P2SH spend. With compressed keys a 15-of-15
	// script is 513 bytes, just below the 520 byte push limit.
	MaxValidators = 15
)

// ConfigError is returned when a validator set configuration is malformed.
// A config that fails validation can never be activated.
type ConfigError struct {
	Reason string
}

// Error returns a human readable description of the config error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid validator set config: %s", e.Reason)
}

// ValidatorSetConfig describes the validator set that controls the custodial
// address for one epoch. Validator index i always refers to PubKeys[i], even
// though the redeem script orders the keys lexicographically.
type ValidatorSetConfig struct {
	// PubKeys are the anchoring keys of the validators, in validator index
	// order.
	PubKeys []*btcec.PublicKey

	// Threshold is the number of signatures (M) required to spend from the
	// custodial address.
	Threshold uint32

	// LectQuorum is the number of matching LECT claims required to move
	// the agreed anchor chain tip. Zero means Threshold is used.
	LectQuorum uint32

	// ActivationHeight is the ledger height from which this config is
	// in force.
	ActivationHeight uint64

	// FundingTx is an optional transaction paying into the custodial
	// address that seeds the anchor chain.
	FundingTx fn.Option[*wire.MsgTx]
}

// MajorityCount returns the default signing threshold for a validator set of
// size n: more than two thirds of the set.
func MajorityCount(n int) uint32 {
	return uint32(n*2/3 + 1)
}

// NumValidators returns the size of the validator set.
func (c *ValidatorSetConfig) NumValidators() int {
	return len(c.PubKeys)
}

// MinQuorum returns the smallest strict majority of n validators. Two
// different transactions can never both be claimed by that many.
func MinQuorum(n int) uint32 {
	return uint32(n/2 + 1)
}

// Quorum returns the number of matching claims needed for LECT agreement:
// LectQuorum, or the threshold when unset, raised to a strict majority of
// the set.
func (c *ValidatorSetConfig) Quorum() uint32 {
	quorum := c.LectQuorum
	if quorum == 0 {
		quorum = c.Threshold
	}

	if min := MinQuorum(c.NumValidators()); quorum < min {
		return min
	}

	return quorum
}

// IndexOf returns the validator index of the given key, if it belongs to the
// set.
func (c *ValidatorSetConfig) IndexOf(key *btcec.PublicKey) fn.Option[uint32] {
	for i, pub := range c.PubKeys {
		if pub.IsEqual(key) {
			return fn.Some(uint32(i))
		}
	}

	return fn.None[uint32]()
}

// Validate checks that the config can be turned into a spendable custodial
// address.
func (c *ValidatorSetConfig) Validate() error {
	n := len(c.PubKeys)

	switch {
	case c.Threshold == 0:
		return &ConfigError{Reason: "threshold must be positive"}

	case n < int(c.Threshold):
		return &ConfigError{Reason: fmt.Sprintf("threshold %d exceeds "+
			"validator count %d", c.Threshold, n)}

	case n > MaxValidators:
		return &ConfigError{Reason: fmt.Sprintf("%d validators "+
			"exceeds the maximum of %d", n, MaxValidators)}

	case c.LectQuorum > uint32(n):
		return &ConfigError{Reason: fmt.Sprintf("lect quorum %d "+
			"exceeds validator count %d", c.LectQuorum, n)}

	case c.LectQuorum != 0 && c.LectQuorum < MinQuorum(n):
		return &ConfigError{Reason: fmt.Sprintf("lect quorum %d is "+
			"not a strict majority of %d validators", c.LectQuorum,
			n)}
	}

	seen := make(map[[33]byte]struct{}, n)
	for i, pub := range c.PubKeys {
		if pub == nil {
			return &ConfigError{Reason: fmt.Sprintf("validator %d "+
				"has no key", i)}
		}

		var key [33]byte
		copy(key[:], pub.SerializeCompressed())
		if _, ok := seen[key]; ok {
			return &ConfigError{Reason: fmt.Sprintf("duplicate "+
				"key %x", key)}
		}
		seen[key] = struct{}{}
	}

	return nil
}

// Copy returns a deep enough copy of the config that the caller may modify
// the key slice without affecting the original. Keys themselves are
// immutable.
func (c *ValidatorSetConfig) Copy() *ValidatorSetConfig {
	keys := make([]*btcec.PublicKey, len(c.PubKeys))
	copy(keys, c.PubKeys)

	return &ValidatorSetConfig{
		PubKeys:          keys,
		Threshold:        c.Threshold,
		LectQuorum:       c.LectQuorum,
		ActivationHeight: c.ActivationHeight,
		FundingTx:        c.FundingTx,
	}
}

// SameSigners returns true if both configs control the same custodial
// address, i.e. they have the same threshold and the same set of keys in any
// order.
func (c *ValidatorSetConfig) SameSigners(other *ValidatorSetConfig) bool {
	if c.Threshold != other.Threshold ||
		len(c.PubKeys) != len(other.PubKeys) {

		return false
	}

	a, b := sortedKeys(c.PubKeys), sortedKeys(other.PubKeys)
	for i := range a {
		if !bytes.Equal(a[i].key, b[i].key) {
			return false
		}
	}

	return true
}
