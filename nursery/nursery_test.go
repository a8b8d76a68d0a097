package nursery

import (
	"context"
	"crypto/rand"
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

	"github.com/swapd-project/swapd/blocktime"
	"github.com/swapd-project/swapd/builder"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/sweep"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/test"
	"github.com/swapd-project/swapd/timeout"
)

const testPair = "BTC/BTC"

var regtestParams = &chaincfg.RegressionNetParams

// harness wires a real Builder and Nursery against the same set of fakes,
// mirroring builder.newHarness but adding the Nursery side so a test can
// create a swap the normal way and then drive the fake chain/Lightning
// state the nursery reacts to.
type harness struct {
	nursery *Nursery
	builder *builder.Builder
	chain   *chainio.FakeChainClient
	ln      *chainio.FakeLightningClient
	signer  *lnwallet.FakeSigner
	repo    *swapdb.FakeRepository
}

func newHarness(t *testing.T, allowReverse bool) *harness {
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

	b := builder.New(builder.Config{
		Repo:     repo,
		Fees:     fees,
		Rates:    rates,
		Timeouts: timeouts,
		Signer:   signer,
		Funding:  funding,
		Chains: map[string]builder.Chain{
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

	n := New(Config{
		Repo:      repo,
		Signer:    signer,
		Addresses: addrs,
		Chains: map[string]Chain{
			"BTC": {
				Params:    regtestParams,
				Client:    chainClient,
				Lightning: lnClient,
			},
		},
		SweepConfTarget:    2,
		ExpiryPollInterval: 10 * time.Millisecond,
	})

	return &harness{
		nursery: n,
		builder: b,
		chain:   chainClient,
		ln:      lnClient,
		signer:  signer,
		repo:    repo,
	}
}

// testInvoice builds and signs a BOLT11 invoice for amtSat against a
// freshly generated preimage, returning all three so a test can both
// submit the invoice and later settle the resulting payment with the
// matching preimage.
func testInvoice(t *testing.T, amtSat btcutil.Amount) (string, lntypes.Hash,
	lntypes.Preimage) {

	t.Helper()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)

	hash := preimage.Hash()

	invoice, err := zpay32.NewInvoice(
		regtestParams, hash, time.Now(),
		zpay32.Description("nursery test invoice"),
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

	return payReq, hash, preimage
}

// testKey generates a fresh keypair, used for roles this test never signs
// with directly (a submitted refund public key the service is never asked
// to produce a signature against, for example).
func testKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv
}

// pumpAddress repeatedly re-delivers conf to every current subscriber of
// addr until stop is closed. FakeChainClient does not replay a
// confirmation to a subscriber that registers after the fact, and the
// exact moment a handler resubscribes mid-dispatch isn't observable from a
// test, so this keeps pushing until whichever subscription matters has
// picked it up.
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

// pumpBroadcast repeatedly rebroadcasts tx until stop is closed, for the
// same reason pumpAddress repeatedly notifies: the outpoint-spend watch a
// handler installs after seeing a lockup is registered on a goroutine
// whose start isn't observable from a test.
func pumpBroadcast(ctx context.Context, chain *chainio.FakeChainClient,
	tx *wire.MsgTx, stop <-chan struct{}) {

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = chain.BroadcastTransaction(ctx, tx)
		}
	}
}

func lockupConfirmation(t *testing.T, addrStr string,
	amount btcutil.Amount, confirmations uint32) (*chainio.Confirmation,
	btcutil.Address) {

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
		Confirmations: confirmations,
	}, addr
}

func TestNurserySubmarineClaim(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.nursery.Run(ctx)

	refundKey := testKey(t)
	invoice, hash, preimage := testInvoice(t, 100_000)

	resp, err := h.builder.CreateSwap(ctx, builder.SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: refundKey.PubKey().SerializeCompressed(),
	})
	require.NoError(t, err)

	require.NoError(t, h.nursery.Watch(ctx, swap.Submarine, resp.ID))

	conf, addr := lockupConfirmation(t, resp.Address, resp.ExpectedAmount, 0)

	stop := make(chan struct{})
	go pumpAddress(h.chain, addr, conf, stop)
	defer close(stop)

	h.ln.SetPaymentState(hash, chainio.PaymentStateSucceeded, preimage)

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchSubmarineSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.TransactionClaimed
	}, 2*time.Second, 10*time.Millisecond)

	record, err := h.repo.FetchSubmarineSwap(ctx, resp.ID)
	require.NoError(t, err)
	require.NotEmpty(t, record.ClaimTransactionID)
	require.NotEmpty(t, h.chain.BroadcastLog())
}

func TestNurserySubmarineExpire(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.nursery.Run(ctx)

	refundKey := testKey(t)
	invoice, _, _ := testInvoice(t, 100_000)

	resp, err := h.builder.CreateSwap(ctx, builder.SubmarineRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Invoice:         invoice,
		RefundPublicKey: refundKey.PubKey().SerializeCompressed(),
	})
	require.NoError(t, err)

	require.NoError(t, h.nursery.Watch(ctx, swap.Submarine, resp.ID))

	for h.chain.MineBlock() < resp.TimeoutBlockHeight {
	}

	// The service never holds a submarine lockup's refund key, so expiry
	// only records SwapExpired; the user refunds unilaterally.
	require.Eventually(t, func() bool {
		record, err := h.repo.FetchSubmarineSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.SwapExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNurseryReverseClaim(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.nursery.Run(ctx)

	userSigner := lnwallet.NewFakeSigner()
	userDesc, err := userSigner.DeriveNextKey(ctx, swap.KeyFamily)
	require.NoError(t, err)

	var preimage lntypes.Preimage
	_, err = rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	resp, err := h.builder.CreateReverseSwap(ctx, builder.ReverseRequest{
		Pair:           testPair,
		OrderSide:      timeout.Sell,
		InvoiceAmount:  100_000,
		PreimageHash:   hash,
		ClaimPublicKey: userDesc.PubKey.SerializeCompressed(),
	})
	require.NoError(t, err)
	require.Len(t, h.chain.BroadcastLog(), 1)

	require.NoError(t, h.nursery.Watch(ctx, swap.Reverse, resp.ID))

	lockupTx := h.chain.BroadcastLog()[0]
	addr, err := btcutil.DecodeAddress(resp.LockupAddress, regtestParams)
	require.NoError(t, err)

	h.chain.NotifyAddress(addr, &chainio.Confirmation{
		Tx:            lockupTx,
		TxHash:        lockupTx.TxHash(),
		BlockHeight:   501,
		Confirmations: 0,
	})

	// The service settles its own hold invoice only once it has seen the
	// counterparty accept it; simulate that before the claim arrives so
	// the combined status reaches InvoicePending.
	h.ln.AcceptInvoice([32]byte(hash))

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchReverseSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.InvoicePending
	}, 2*time.Second, 10*time.Millisecond)

	outpoint, value, err := findOutpoint(lockupTx, addr)
	require.NoError(t, err)

	record, err := h.repo.FetchReverseSwap(ctx, resp.ID)
	require.NoError(t, err)

	refundDesc, err := h.signer.DeriveKey(ctx, keyLocator(record.KeyIndex))
	require.NoError(t, err)

	htlc, err := rebuildHtlc(
		swap.Legacy, hash, userDesc.PubKey.SerializeCompressed(),
		refundDesc.PubKey.SerializeCompressed(), resp.TimeoutBlockHeight,
	)
	require.NoError(t, err)

	userAddrs := lnwallet.NewFakeAddressSource(userSigner, regtestParams)
	destStr, _, err := userAddrs.NewAddress(ctx, false)
	require.NoError(t, err)
	dest, err := btcutil.DecodeAddress(destStr, regtestParams)
	require.NoError(t, err)

	feeRate, err := h.chain.EstimateFee(ctx, 2)
	require.NoError(t, err)

	claimTx, err := sweep.New(userSigner).ClaimTx(
		ctx, swap.Legacy, htlc, outpoint, btcutil.Amount(value), preimage,
		userDesc.KeyLocator, dest, chainfeeRate(feeRate),
	)
	require.NoError(t, err)

	stop := make(chan struct{})
	go pumpBroadcast(ctx, h.chain, claimTx, stop)
	defer close(stop)

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchReverseSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.TransactionClaimed
	}, 2*time.Second, 10*time.Millisecond)

	record, err = h.repo.FetchReverseSwap(ctx, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, record.Preimage)
	require.Equal(t, preimage, *record.Preimage)
}

func TestNurseryReverseExpireRefund(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.nursery.Run(ctx)

	userKey := testKey(t)

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	resp, err := h.builder.CreateReverseSwap(ctx, builder.ReverseRequest{
		Pair:           testPair,
		OrderSide:      timeout.Sell,
		InvoiceAmount:  100_000,
		PreimageHash:   hash,
		ClaimPublicKey: userKey.PubKey().SerializeCompressed(),
	})
	require.NoError(t, err)

	require.NoError(t, h.nursery.Watch(ctx, swap.Reverse, resp.ID))

	lockupTx := h.chain.BroadcastLog()[0]
	addr, err := btcutil.DecodeAddress(resp.LockupAddress, regtestParams)
	require.NoError(t, err)

	conf := &chainio.Confirmation{
		Tx:            lockupTx,
		TxHash:        lockupTx.TxHash(),
		BlockHeight:   501,
		Confirmations: 0,
	}

	stop := make(chan struct{})
	go pumpAddress(h.chain, addr, conf, stop)
	defer close(stop)

	for h.chain.MineBlock() < resp.TimeoutBlockHeight {
	}

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchReverseSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.TransactionRefunded
	}, 2*time.Second, 10*time.Millisecond)

	record, err := h.repo.FetchReverseSwap(ctx, resp.ID)
	require.NoError(t, err)
	require.NotEmpty(t, record.RefundTransactionID)
}

func TestNurseryChainExpireRefund(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.nursery.Run(ctx)

	claimKey := testKey(t)
	refundKey := testKey(t)

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	resp, err := h.builder.CreateChainSwap(ctx, builder.ChainRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Amount:          200_000,
		PreimageHash:    hash,
		ClaimPublicKey:  claimKey.PubKey().SerializeCompressed(),
		RefundPublicKey: refundKey.PubKey().SerializeCompressed(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SendingLockupTransaction)

	require.NoError(t, h.nursery.Watch(ctx, swap.Chain, resp.ID))

	sendingTx := h.chain.BroadcastLog()[0]
	sendingAddr, err := btcutil.DecodeAddress(resp.SendingAddress, regtestParams)
	require.NoError(t, err)

	sendingConf := &chainio.Confirmation{
		Tx:            sendingTx,
		TxHash:        sendingTx.TxHash(),
		BlockHeight:   501,
		Confirmations: 0,
	}

	stop := make(chan struct{})
	go pumpAddress(h.chain, sendingAddr, sendingConf, stop)
	defer close(stop)

	for h.chain.MineBlock() < resp.SendingTimeout {
	}

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchChainSwap(ctx, resp.ID)
		return err == nil &&
			record.SendingData.RefundTransactionID != ""
	}, 2*time.Second, 10*time.Millisecond)

	record, err := h.repo.FetchChainSwap(ctx, resp.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.TransactionRefunded, record.Status)
}

func TestNurseryChainClaim(t *testing.T) {
	defer test.Guard(t)()

	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.nursery.Run(ctx)

	refundKey := testKey(t)

	userSigner := lnwallet.NewFakeSigner()
	userDesc, err := userSigner.DeriveNextKey(ctx, swap.KeyFamily)
	require.NoError(t, err)

	var preimage lntypes.Preimage
	_, err = rand.Read(preimage[:])
	require.NoError(t, err)
	hash := preimage.Hash()

	resp, err := h.builder.CreateChainSwap(ctx, builder.ChainRequest{
		Pair:            testPair,
		OrderSide:       timeout.Buy,
		Amount:          200_000,
		PreimageHash:    hash,
		ClaimPublicKey:  userDesc.PubKey.SerializeCompressed(),
		RefundPublicKey: refundKey.PubKey().SerializeCompressed(),
	})
	require.NoError(t, err)

	require.NoError(t, h.nursery.Watch(ctx, swap.Chain, resp.ID))

	sendingTx := h.chain.BroadcastLog()[0]
	sendingAddr, err := btcutil.DecodeAddress(resp.SendingAddress, regtestParams)
	require.NoError(t, err)

	h.chain.NotifyAddress(sendingAddr, &chainio.Confirmation{
		Tx:            sendingTx,
		TxHash:        sendingTx.TxHash(),
		BlockHeight:   501,
		Confirmations: 0,
	})

	receivingConf, receivingAddr := lockupConfirmation(
		t, resp.ReceivingAddress, resp.ExpectedAmount, 0,
	)

	stop := make(chan struct{})
	go pumpAddress(h.chain, receivingAddr, receivingConf, stop)
	defer close(stop)

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchChainSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.TransactionMempool
	}, 2*time.Second, 10*time.Millisecond)

	sendingOutpoint, sendingValue, err := findOutpoint(sendingTx, sendingAddr)
	require.NoError(t, err)

	record, err := h.repo.FetchChainSwap(ctx, resp.ID)
	require.NoError(t, err)

	sendingRefundDesc, err := h.signer.DeriveKey(
		ctx, keyLocator(record.SendingData.KeyIndex),
	)
	require.NoError(t, err)

	sendingHtlc, err := rebuildHtlc(
		swap.Legacy, hash, userDesc.PubKey.SerializeCompressed(),
		sendingRefundDesc.PubKey.SerializeCompressed(),
		resp.SendingTimeout,
	)
	require.NoError(t, err)

	userAddrs := lnwallet.NewFakeAddressSource(userSigner, regtestParams)
	destStr, _, err := userAddrs.NewAddress(ctx, false)
	require.NoError(t, err)
	dest, err := btcutil.DecodeAddress(destStr, regtestParams)
	require.NoError(t, err)

	feeRate, err := h.chain.EstimateFee(ctx, 2)
	require.NoError(t, err)

	claimTx, err := sweep.New(userSigner).ClaimTx(
		ctx, swap.Legacy, sendingHtlc, sendingOutpoint,
		btcutil.Amount(sendingValue), preimage, userDesc.KeyLocator,
		dest, chainfeeRate(feeRate),
	)
	require.NoError(t, err)

	claimStop := make(chan struct{})
	go pumpBroadcast(ctx, h.chain, claimTx, claimStop)
	defer close(claimStop)

	require.Eventually(t, func() bool {
		record, err := h.repo.FetchChainSwap(ctx, resp.ID)
		return err == nil && record.Status == swapdb.TransactionClaimed
	}, 2*time.Second, 10*time.Millisecond)

	record, err = h.repo.FetchChainSwap(ctx, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, record.Preimage)
	require.Equal(t, preimage, *record.Preimage)
	require.NotEmpty(t, record.SendingData.ClaimTransactionID)
	require.NotEmpty(t, record.ReceivingData.ClaimTransactionID)
}
