// Package chainfee holds the fee rate units used when sizing anchoring
// transactions.
package chainfee

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// SatPerVByte represents a fee rate in sat/vbyte.
type SatPerVByte btcutil.Amount

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes.
func (s SatPerVByte) FeeForVSize(vbytes int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(vbytes)
}

// FeePerKVByte converts the current fee rate from sat/vb to sat/kvb.
func (s SatPerVByte) FeePerKVByte() SatPerKVByte {
	return SatPerKVByte(s * 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%v sat/vb", int64(s))
}

// SatPerKVByte represents a fee rate in sat/kb.
type SatPerKVByte btcutil.Amount

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes, rounding down.
func (s SatPerKVByte) FeeForVSize(vbytes int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(vbytes) / 1000
}

// FeePerVByte converts the fee rate to sat/vb, rounding down.
func (s SatPerKVByte) FeePerVByte() SatPerVByte {
	return SatPerVByte(s / 1000)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%v sat/kvb", int64(s))
}

const (
	// FeePerKBFloor is the lowest fee rate in sat/kvb that bitcoind relays
	// by default.
	FeePerKBFloor SatPerKVByte = 1000

	// DefaultAnchoringFeeRate is the fee rate used when none is
	// configured.
	DefaultAnchoringFeeRate SatPerVByte = 10
)
