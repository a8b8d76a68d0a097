package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/blocktime"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/test"
)

func testBlockTimes() blocktime.Table {
	table := blocktime.NewDefaultTable()
	table.SetBlockTime("BTC", 10*time.Minute)

	return table
}

func testPairs() []PairConfig {
	return []PairConfig{
		{
			Base:  "BTC",
			Quote: "BTC",
			BaseMinutes: TimeoutMinutes{
				Reverse:     180,
				SwapMinimal: 600,
				SwapMaximal: 1440,
			},
			QuoteMinutes: TimeoutMinutes{
				Reverse:     180,
				SwapMinimal: 600,
				SwapMaximal: 1440,
			},
		},
	}
}

func TestGetTimeoutReverse(t *testing.T) {
	defer test.Guard(t)()

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), nil, nil)
	require.NoError(t, err)

	blocks, usable, err := provider.GetTimeout(
		context.Background(), "BTC", "BTC", Buy, KindReverse, "BTC",
		0, "",
	)
	require.NoError(t, err)
	require.False(t, usable)

	// 180 minutes at 10 minutes/block rounds up to 18 blocks.
	require.Equal(t, uint32(18), blocks)
}

func TestGetTimeoutSubmarineNoInvoice(t *testing.T) {
	defer test.Guard(t)()

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), nil, nil)
	require.NoError(t, err)

	blocks, usable, err := provider.GetTimeout(
		context.Background(), "BTC", "BTC", Buy, KindSubmarine, "BTC",
		0, "",
	)
	require.NoError(t, err)
	require.True(t, usable)
	require.Equal(t, uint32(60), blocks)
}

func TestGetTimeoutUnknownPair(t *testing.T) {
	defer test.Guard(t)()

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), nil, nil)
	require.NoError(t, err)

	_, _, err = provider.GetTimeout(
		context.Background(), "LTC", "BTC", Buy, KindReverse, "BTC",
		0, "",
	)
	require.Error(t, err)
}

func TestCheckRoutabilityPicksLargestTimeLock(t *testing.T) {
	defer test.Guard(t)()

	_, pubKey := test.CreateKey(1)

	router := chainio.NewFakeRouteQuerier()
	router.SetRoutes([]chainio.Route{
		{TotalTimeLock: 100},
		{TotalTimeLock: 300},
		{TotalTimeLock: 200},
	})

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), nil, router)
	require.NoError(t, err)

	timeLock, found, err := provider.checkRoutability(
		context.Background(), &zpay32.Invoice{Destination: pubKey}, 1000,
	)
	require.NoError(t, err)
	require.True(t, found)

	// The largest candidate route's time lock drives the swap's minimal
	// timeout, never the smallest: a route that is assumed routable but
	// whose actual time lock is larger would let the on-chain leg expire
	// before the Lightning leg can still settle.
	require.Equal(t, int32(300), timeLock)
}

func TestSideForSubmarineOppositeOfReverse(t *testing.T) {
	defer test.Guard(t)()

	// A submarine (chain-in) leg and a reverse (chain-out) leg of the
	// same order side settle on opposite currencies of the pair.
	require.Equal(t, Quote, SideFor(Buy, false))
	require.Equal(t, Base, SideFor(Buy, true))

	require.Equal(t, Base, SideFor(Sell, false))
	require.Equal(t, Quote, SideFor(Sell, true))
}

func TestConvertBlocks(t *testing.T) {
	defer test.Guard(t)()

	table := testBlockTimes()
	table.SetBlockTime("L-BTC", time.Minute)

	provider, err := New(table, &chaincfg.RegressionNetParams,
		testPairs(), nil, nil)
	require.NoError(t, err)

	// 1 BTC block (10 minutes) converts to 10 L-BTC blocks (1 minute
	// each).
	require.Equal(t, uint32(10), provider.ConvertBlocks("BTC", "L-BTC", 1))
}

func TestGetCltvLimit(t *testing.T) {
	defer test.Guard(t)()

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), nil, nil)
	require.NoError(t, err)

	limit, err := provider.GetCltvLimit("BTC", "BTC", 100, 160)
	require.NoError(t, err)

	// 60 blocks remaining, minus the 2 block safety margin.
	require.Equal(t, int32(58), limit)
}

func TestGetCltvLimitPastTimeout(t *testing.T) {
	defer test.Guard(t)()

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), nil, nil)
	require.NoError(t, err)

	_, err = provider.GetCltvLimit("BTC", "BTC", 200, 160)
	require.Error(t, err)
}

type persisterStub struct {
	pairID  string
	side    Side
	minutes TimeoutMinutes
}

func (p *persisterStub) PersistPairTimeout(pairID string, side Side,
	minutes TimeoutMinutes) error {

	p.pairID = pairID
	p.side = side
	p.minutes = minutes

	return nil
}

func TestSetTimeout(t *testing.T) {
	defer test.Guard(t)()

	persister := &persisterStub{}

	provider, err := New(testBlockTimes(), &chaincfg.RegressionNetParams,
		testPairs(), persister, nil)
	require.NoError(t, err)

	newMinutes := TimeoutMinutes{
		Reverse:     120,
		SwapMinimal: 400,
		SwapMaximal: 1000,
	}

	err = provider.SetTimeout(
		pairKeyArgs{Base: "BTC", Quote: "BTC"}, Base, newMinutes,
	)
	require.NoError(t, err)
	require.Equal(t, "BTC/BTC", persister.pairID)
	require.Equal(t, Base, persister.side)
	require.Equal(t, newMinutes, persister.minutes)

	base, _, err := provider.GetTimeouts("BTC", "BTC")
	require.NoError(t, err)
	require.Equal(t, uint32(40), base.SwapMinimal)
}
