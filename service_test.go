package swapd

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/builder"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/test"
	"github.com/swapd-project/swapd/timeout"
)

const testPair = "BTC/BTC"

var regtestParams = &chaincfg.RegressionNetParams

type harness struct {
	service *Service
	chain   *chainio.FakeChainClient
	ln      *chainio.FakeLightningClient
	repo    *swapdb.FakeRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	chainClient := chainio.NewFakeChainClient("BTC", 500)
	lnClient := chainio.NewFakeLightningClient()
	funding := lnwallet.NewFakeFundingSource(2000, 10_000_000)
	signer := lnwallet.NewFakeSigner()
	addrs := lnwallet.NewFakeAddressSource(signer, regtestParams)
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

	svc, err := New(Config{
		Repo:      repo,
		Signer:    signer,
		Funding:   funding,
		Addresses: addrs,
		Fees:      fees,
		Rates:     rates,
		Chains: map[string]Chain{
			"BTC": {
				Params:    regtestParams,
				Client:    chainClient,
				Lightning: lnClient,
			},
		},
		Pairs: []timeout.PairConfig{
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
		},
		ChainParams:       regtestParams,
		ScriptVersion:     swap.Legacy,
		AllowReverseSwaps: true,
		HtlcConfTarget:    2,
		SweepConfTarget:   2,
	})
	require.NoError(t, err)

	return &harness{
		service: svc,
		chain:   chainClient,
		ln:      lnClient,
		repo:    repo,
	}
}

func testInvoice(t *testing.T, amtSat btcutil.Amount) (string, lntypes.Hash) {
	t.Helper()

	var preimage lntypes.Preimage
	binary.BigEndian.PutUint64(preimage[:8], uint64(amtSat))

	hash := preimage.Hash()

	invoice, err := zpay32.NewInvoice(
		regtestParams, hash, time.Now(),
		zpay32.Description("swapd test invoice"),
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

// TestCreateSwapWatchesAndPublishes exercises the full façade: CreateSwap
// persists through the event-publishing repository, and the nursery's
// Watch call it triggers doesn't block creation even though no dispatcher
// is running yet (Start was never called).
func TestCreateSwapWatchesAndPublishes(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := h.service.Subscribe(ctx)

	invoice, hash := testInvoice(t, 100_000)

	resp, err := h.service.CreateSwap(ctx, builder.SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: testPubKey(t),
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)

	select {
	case ev := <-sub:
		require.Equal(t, resp.ID, ev.SwapID)
		require.Equal(t, swap.Submarine, ev.Kind)
		require.Equal(t, swapdb.SwapCreated, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create event")
	}

	status, err := h.service.SwapStatus(ctx, swap.Submarine, resp.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.SwapCreated, status)

	kind, id, err := h.service.ResolveSwap(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, swap.Submarine, kind)
	require.Equal(t, resp.ID, id)
}

// lockupConfirmation builds a Confirmation reporting a single output of
// amount paid to addrStr, the shape the nursery's submarine dispatcher
// expects from a lockup transaction.
func lockupConfirmation(t *testing.T, addrStr string,
	amount btcutil.Amount) (*chainio.Confirmation, btcutil.Address) {

	t.Helper()

	addr, err := btcutil.DecodeAddress(addrStr, regtestParams)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: int64(amount), PkScript: pkScript})

	return &chainio.Confirmation{
		Tx:            tx,
		TxHash:        tx.TxHash(),
		Value:         amount,
		BlockHeight:   501,
		Confirmations: 0,
	}, addr
}

// pumpAddress repeatedly re-delivers conf to every current subscriber of
// addr until stop is closed, since the nursery's watch registers its
// subscription on a goroutine whose start isn't observable from a test.
func pumpAddress(chain *chainio.FakeChainClient, addr btcutil.Address,
	conf *chainio.Confirmation, stop <-chan struct{}) {

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			chain.NotifyAddress(addr, conf)
		}
	}
}

// TestStartRecoversAndRunsDispatchers drives a swap through its submarine
// lockup-detection step with the nursery's dispatchers actually running, to
// confirm Start wires recovery and the dispatchers correctly.
func TestStartRecoversAndRunsDispatchers(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.service.Start(ctx))

	sub := h.service.Subscribe(ctx)

	invoice, _ := testInvoice(t, 100_000)

	resp, err := h.service.CreateSwap(ctx, builder.SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: testPubKey(t),
	})
	require.NoError(t, err)

	// Drain the creation event before feeding the chain a confirmation.
	select {
	case ev := <-sub:
		require.Equal(t, swapdb.SwapCreated, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create event")
	}

	conf, addr := lockupConfirmation(t, resp.Address, resp.ExpectedAmount)

	stop := make(chan struct{})
	defer close(stop)
	go pumpAddress(h.chain, addr, conf, stop)

	require.Eventually(t, func() bool {
		status, err := h.service.SwapStatus(ctx, swap.Submarine, resp.ID)
		return err == nil && status == swapdb.TransactionMempool
	}, 2*time.Second, 10*time.Millisecond)
}
