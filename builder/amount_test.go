package builder

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/timeout"
)

func TestConvertRate(t *testing.T) {
	tests := []struct {
		name    string
		amount  btcutil.Amount
		rate    float64
		roundUp bool
		want    btcutil.Amount
	}{
		{
			name:   "exact multiple rounds the same either way",
			amount: 100_000,
			rate:   1.0,
			want:   100_000,
		},
		{
			name:    "fractional result rounds up",
			amount:  3,
			rate:    0.1,
			roundUp: true,
			want:    1,
		},
		{
			name:    "fractional result rounds down",
			amount:  3,
			rate:    0.1,
			roundUp: false,
			want:    0,
		},
		{
			name:    "rate that is not exactly representable in float64",
			amount:  100_000_000,
			rate:    0.00000001,
			roundUp: true,
			want:    1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := convertRate(tc.amount, tc.rate, tc.roundUp)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestVerifyAmountMaxBoundUsesFlooredValue covers I2's normalize(amount)
// rule: an amount whose rate-converted value floors to exactly the maximal
// limit must be accepted, even though its ceiling exceeds the limit.
func TestVerifyAmountMaxBoundUsesFlooredValue(t *testing.T) {
	limits := rateprovider.Limits{Minimal: 1, Maximal: 100}

	// amount·rate = 100.5: floors to 100 (at the limit, must pass),
	// ceils to 101 (over the limit, must not reject on that basis).
	err := verifyAmount(limits, 1.005, 100, timeout.Buy, swap.Submarine)
	require.NoError(t, err)
}
