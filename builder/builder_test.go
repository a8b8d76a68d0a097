package builder

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/blocktime"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/test"
	"github.com/swapd-project/swapd/timeout"
)

const testPair = "BTC/BTC"

var regtestParams = &chaincfg.RegressionNetParams

// harness bundles one Builder wired entirely against fakes, plus the
// fakes themselves for assertions and for mutating chain state mid-test.
type harness struct {
	builder *Builder
	chain   *chainio.FakeChainClient
	ln      *chainio.FakeLightningClient
	funding *lnwallet.FakeFundingSource
	repo    *swapdb.FakeRepository
	rates   *rateprovider.FakeProvider
	fees    *feeestimator.FakeEstimator
}

func newHarness(t *testing.T, allowReverse bool) *harness {
	t.Helper()

	chainClient := chainio.NewFakeChainClient("BTC", 500)
	lnClient := chainio.NewFakeLightningClient()
	funding := lnwallet.NewFakeFundingSource(2000, 10_000_000)
	signer := lnwallet.NewFakeSigner()
	repo := swapdb.NewFakeRepository()

	rates := rateprovider.NewFakeProvider()
	rates.SetRate(testPair, 1.0)
	rates.SetLimits(testPair, rateprovider.Limits{
		Minimal: 1_000,
		Maximal: 10_000_000,
	})
	rates.SetZeroConfLimit("BTC", 1_000_000)

	fees := feeestimator.NewFakeEstimator(feeestimator.Quote{
		BaseFee:          500,
		PercentageFee:    1000,
		MinerFeeEstimate: 300,
	})

	blockTimes := blocktime.NewDefaultTable()

	timeouts, err := timeout.New(blockTimes, regtestParams, []timeout.PairConfig{
		{
			Base:  "BTC",
			Quote: "BTC",
			BaseMinutes: timeout.TimeoutMinutes{
				Reverse:     180,
				SwapMinimal: 600,
				SwapMaximal: 1440,
			},
			QuoteMinutes: timeout.TimeoutMinutes{
				Reverse:     180,
				SwapMinimal: 600,
				SwapMaximal: 1440,
			},
		},
	}, nil, nil)
	require.NoError(t, err)

	b := New(Config{
		Repo:     repo,
		Fees:     fees,
		Rates:    rates,
		Timeouts: timeouts,
		Signer:   signer,
		Funding:  funding,
		Chains: map[string]Chain{
			"BTC": {
				Params:    regtestParams,
				Client:    chainClient,
				Lightning: lnClient,
			},
		},
		ScriptVersion:     swap.Legacy,
		AllowReverseSwaps: allowReverse,
		HtlcConfTarget:    2,
	})

	return &harness{
		builder: b,
		chain:   chainClient,
		ln:      lnClient,
		funding: funding,
		repo:    repo,
		rates:   rates,
		fees:    fees,
	}
}

// testInvoice builds and signs a BOLT11 invoice for amtSat, mirroring the
// way the example pack's own Lightning-node mock signs its test invoices.
func testInvoice(t *testing.T, amtSat btcutil.Amount) (string, lntypes.Hash) {
	t.Helper()

	var preimage lntypes.Preimage
	binary.BigEndian.PutUint64(preimage[:8], uint64(amtSat))

	hash := preimage.Hash()

	invoice, err := zpay32.NewInvoice(
		regtestParams, hash, time.Now(),
		zpay32.Description("builder test invoice"),
		zpay32.Amount(lnwire.MilliSatoshi(int64(amtSat)*1000)),
	)
	require.NoError(t, err)

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	payReq, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			return ecdsa.SignCompact(privKey, hash, true)
		},
	})
	require.NoError(t, err)

	return payReq, hash
}

func testPubKey(t *testing.T) []byte {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey().SerializeCompressed()
}

func TestCreateSwap(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	invoice, hash := testInvoice(t, 100_000)

	resp, err := h.builder.CreateSwap(context.Background(), SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: testPubKey(t),
	})
	require.NoError(t, err)

	// expected = ceil(100_000·1.0) + 500 + 1000/1_000_000·100_000
	require.Equal(t, btcutil.Amount(100_600), resp.ExpectedAmount)

	// no RouteQuerier is configured, so the timeout falls back to the
	// pair's full swapMaximal window (1440 minutes / 10 min-per-block =
	// 144 blocks).
	require.Equal(t, uint32(500+144), resp.TimeoutBlockHeight)
	require.NotEmpty(t, resp.Address)
	require.Contains(t, resp.Bip21, resp.Address)

	record, err := h.repo.FetchSubmarineSwap(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.SwapCreated, record.Status)
	require.Equal(t, hash, record.PreimageHash)
}

func TestCreateSwapDuplicateInvoice(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	invoice, _ := testInvoice(t, 50_000)
	req := SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: testPubKey(t),
	}

	_, err := h.builder.CreateSwap(context.Background(), req)
	require.NoError(t, err)

	_, err = h.builder.CreateSwap(context.Background(), req)
	require.True(t, swapderrors.Is(err, swapderrors.CodeSwapWithInvoiceExists))
}

func TestCreateSwapAmountBelowMinimum(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	invoice, _ := testInvoice(t, 10)

	_, err := h.builder.CreateSwap(context.Background(), SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: testPubKey(t),
	})
	require.True(t, swapderrors.Is(err, swapderrors.CodeBeneathMinimalAmount))
}

func TestCreateReverseSwapDisabled(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	_, err := h.builder.CreateReverseSwap(context.Background(), ReverseRequest{
		Pair:           testPair,
		OrderSide:      timeout.Sell,
		InvoiceAmount:  100_000,
		PreimageHash:   lntypes.Hash{1, 2, 3},
		ClaimPublicKey: testPubKey(t),
	})
	require.True(t, swapderrors.Is(err, swapderrors.CodeReverseSwapsDisabled))
}

func TestCreateReverseSwap(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, true)

	var hash lntypes.Hash
	copy(hash[:], []byte("reverse swap test preimage hash"))

	resp, err := h.builder.CreateReverseSwap(context.Background(), ReverseRequest{
		Pair:           testPair,
		OrderSide:      timeout.Sell,
		InvoiceAmount:  100_000,
		PreimageHash:   hash,
		ClaimPublicKey: testPubKey(t),
	})
	require.NoError(t, err)

	// onchainAmount = floor(100_000·1.0) − (500 + 100) = 99_400
	require.Equal(t, btcutil.Amount(99_400), resp.OnchainAmount)
	require.NotEmpty(t, resp.Invoice)
	require.NotEmpty(t, resp.LockupTransactionID)
	require.Len(t, h.chain.BroadcastLog(), 1)

	record, err := h.repo.FetchReverseSwap(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.TransactionMempool, record.Status)
}

func TestCreateReverseSwapOnchainAmountTooLow(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, true)

	// PercentageFee is swap.FeeRateTotalParts (ppm) fixed-point, so at
	// the default base/pct quote a swap this small never drives
	// onchainAmount below 1 on its own. Quoting a baseFee close to the
	// requested amount is what actually exercises I3's floor.
	h.fees.Quote.BaseFee = 999

	var hash lntypes.Hash
	copy(hash[:], []byte("too low amount test preimage hash"))

	_, err := h.builder.CreateReverseSwap(context.Background(), ReverseRequest{
		Pair:           testPair,
		OrderSide:      timeout.Sell,
		InvoiceAmount:  1_000,
		PreimageHash:   hash,
		ClaimPublicKey: testPubKey(t),
	})
	require.True(t, swapderrors.Is(err, swapderrors.CodeOnchainAmountTooLow))
}

func TestCreateChainSwap(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	var hash lntypes.Hash
	copy(hash[:], []byte("chain swap test preimage hash!!"))

	resp, err := h.builder.CreateChainSwap(context.Background(), ChainRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Amount:          500_000,
		PreimageHash:    hash,
		ClaimPublicKey:  testPubKey(t),
		RefundPublicKey: testPubKey(t),
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.ReceivingAddress)
	require.NotEmpty(t, resp.SendingAddress)
	require.NotEmpty(t, resp.SendingLockupTransaction)
	require.Greater(t, resp.ReceivingTimeout, resp.SendingTimeout)

	record, err := h.repo.FetchChainSwap(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.TransactionWaiting, record.Status)
}

func TestCreateChainSwapDuplicatePreimageHash(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	var hash lntypes.Hash
	copy(hash[:], []byte("dup chain swap preimage hash!!!"))

	req := ChainRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Amount:          200_000,
		PreimageHash:    hash,
		ClaimPublicKey:  testPubKey(t),
		RefundPublicKey: testPubKey(t),
	}

	_, err := h.builder.CreateChainSwap(context.Background(), req)
	require.NoError(t, err)

	_, err = h.builder.CreateChainSwap(context.Background(), req)
	require.True(t, swapderrors.Is(err, swapderrors.CodeSwapWithPreimageExists))
}

func TestCreateChainSwapNotEnoughFunds(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)
	h.funding.SetBalance(100_000)

	var hash lntypes.Hash
	copy(hash[:], []byte("not enough funds preimage hash!"))

	_, err := h.builder.CreateChainSwap(context.Background(), ChainRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Amount:          500_000,
		PreimageHash:    hash,
		ClaimPublicKey:  testPubKey(t),
		RefundPublicKey: testPubKey(t),
	})
	require.True(t, swapderrors.Is(err, swapderrors.CodeNotEnoughFunds))
}
