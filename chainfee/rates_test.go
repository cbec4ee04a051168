package chainfee

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestSatPerVByteConversion checks that the conversion from sat/vb to sat/kvb
// and back is correct.
func TestSatPerVByteConversion(t *testing.T) {
	t.Parallel()

	// Create a test fee rate of 1 sat/vb.
	rate := SatPerVByte(1)

	// 1 sat/vb should be equal to 1000 sat/kvb.
	require.Equal(t, SatPerKVByte(1000), rate.FeePerKVByte())
	require.Equal(t, rate, rate.FeePerKVByte().FeePerVByte())
}

// TestFeeForVSize checks fee computation for both units.
func TestFeeForVSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		fee    btcutil.Amount
		expect btcutil.Amount
	}{
		{
			name:   "sat/vb",
			fee:    SatPerVByte(10).FeeForVSize(250),
			expect: 2_500,
		},
		{
			name:   "sat/kvb rounds down",
			fee:    SatPerKVByte(1_500).FeeForVSize(333),
			expect: 499,
		},
		{
			name:   "floor",
			fee:    FeePerKBFloor.FeeForVSize(1_000),
			expect: 1_000,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expect, tc.fee)
		})
	}
}
