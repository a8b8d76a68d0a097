package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/timeout"
)

const testPairsTOML = `
[[Pairs]]
Base = "BTC"
Quote = "BTC"
Rate = 1.0
QuoteTimeoutDelta = 72

[Pairs.Fee]
BaseFee = 1000
PercentageFee = 50
MinerFeeEstimate = 500

[Pairs.Limits]
Minimal = 10000
Maximal = 10000000
ZeroConfMaximal = 1000000

[Pairs.BaseTimeoutDelta]
Reverse = 144
SwapMinimal = 72
SwapMaximal = 288
`

func writeTestPairsFile(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs.toml")
	require.NoError(t, os.WriteFile(path, []byte(testPairsTOML), 0o644))

	return path
}

func TestLoadPairsFile(t *testing.T) {
	path := writeTestPairsFile(t)

	pf, err := LoadPairsFile(path)
	require.NoError(t, err)
	require.Len(t, pf.Pairs, 1)

	p := pf.Pairs[0]
	require.Equal(t, "BTC", p.Base)
	require.Equal(t, "BTC", p.Quote)
	require.NotNil(t, p.Rate)
	require.Equal(t, 1.0, *p.Rate)
	require.EqualValues(t, 144, p.BaseTimeoutDelta.Reverse)
	require.EqualValues(t, 72, p.BaseTimeoutDelta.SwapMinimal)
	require.EqualValues(t, 288, p.BaseTimeoutDelta.SwapMaximal)

	// A bare integer applies to all three fields.
	require.EqualValues(t, 72, p.QuoteTimeoutDelta.Reverse)
	require.EqualValues(t, 72, p.QuoteTimeoutDelta.SwapMinimal)
	require.EqualValues(t, 72, p.QuoteTimeoutDelta.SwapMaximal)
}

func TestToTimeoutPairConfigs(t *testing.T) {
	path := writeTestPairsFile(t)

	pf, err := LoadPairsFile(path)
	require.NoError(t, err)

	configs := pf.ToTimeoutPairConfigs()
	require.Len(t, configs, 1)
	require.Equal(t, "BTC", configs[0].Base)
	require.EqualValues(t, 144, configs[0].BaseMinutes.Reverse)
	require.EqualValues(t, 72, configs[0].QuoteMinutes.Reverse)
}

func TestPersistPairTimeoutRewritesFile(t *testing.T) {
	path := writeTestPairsFile(t)

	pf, err := LoadPairsFile(path)
	require.NoError(t, err)

	err = pf.PersistPairTimeout("BTC/BTC", timeout.Base, timeout.TimeoutMinutes{
		Reverse:     200,
		SwapMinimal: 100,
		SwapMaximal: 400,
	})
	require.NoError(t, err)
	require.EqualValues(t, 200, pf.Pairs[0].BaseTimeoutDelta.Reverse)

	// Reload from disk to confirm the rewrite was durable.
	reloaded, err := LoadPairsFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 200, reloaded.Pairs[0].BaseTimeoutDelta.Reverse)
	require.EqualValues(t, 100, reloaded.Pairs[0].BaseTimeoutDelta.SwapMinimal)
}

func TestPersistPairTimeoutUnknownPair(t *testing.T) {
	path := writeTestPairsFile(t)

	pf, err := LoadPairsFile(path)
	require.NoError(t, err)

	err = pf.PersistPairTimeout("ETH/BTC", timeout.Base, timeout.TimeoutMinutes{})
	require.Error(t, err)
}
