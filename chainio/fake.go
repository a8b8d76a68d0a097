package chainio

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// FakeChainClient is an in-memory ChainClient used by tests in place of a
// regtest bitcoind/electrum connection. Callers drive it by calling
// MineBlock and NotifyAddress directly instead of waiting for real network
// activity; outpoint spends are delivered when a spending transaction is
// passed to BroadcastTransaction.
type FakeChainClient struct {
	mu sync.Mutex

	symbol string
	height uint32

	addressSubs  map[string][]chan *Confirmation
	outpointSubs map[wire.OutPoint][]chan *wire.MsgTx
	broadcast    []*wire.MsgTx
	feeRate      btcutil.Amount
}

// NewFakeChainClient returns a FakeChainClient for symbol, starting at
// startHeight.
func NewFakeChainClient(symbol string, startHeight uint32) *FakeChainClient {
	return &FakeChainClient{
		symbol:       symbol,
		height:       startHeight,
		addressSubs:  make(map[string][]chan *Confirmation),
		outpointSubs: make(map[wire.OutPoint][]chan *wire.MsgTx),
		feeRate:      253,
	}
}

// Symbol implements ChainClient.
func (f *FakeChainClient) Symbol() string {
	return f.symbol
}

// BlockHeight implements ChainClient.
func (f *FakeChainClient) BlockHeight(_ context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.height, nil
}

// WatchAddress implements ChainClient.
func (f *FakeChainClient) WatchAddress(ctx context.Context,
	address btcutil.Address) (<-chan *Confirmation, error) {

	ch := make(chan *Confirmation, 8)

	f.mu.Lock()
	key := address.EncodeAddress()
	f.addressSubs[key] = append(f.addressSubs[key], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()

		f.mu.Lock()
		defer f.mu.Unlock()

		subs := f.addressSubs[key]
		for i, sub := range subs {
			if sub == ch {
				f.addressSubs[key] = append(
					subs[:i], subs[i+1:]...,
				)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// WatchOutpoint implements ChainClient.
func (f *FakeChainClient) WatchOutpoint(ctx context.Context,
	outpoint wire.OutPoint) (<-chan *wire.MsgTx, error) {

	ch := make(chan *wire.MsgTx, 8)

	f.mu.Lock()
	f.outpointSubs[outpoint] = append(f.outpointSubs[outpoint], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()

		f.mu.Lock()
		defer f.mu.Unlock()

		subs := f.outpointSubs[outpoint]
		for i, sub := range subs {
			if sub == ch {
				f.outpointSubs[outpoint] = append(
					subs[:i], subs[i+1:]...,
				)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// BroadcastTransaction implements ChainClient. It records tx and, if any of
// its inputs spend a watched outpoint, notifies the matching subscribers.
func (f *FakeChainClient) BroadcastTransaction(_ context.Context,
	tx *wire.MsgTx) error {

	f.mu.Lock()
	f.broadcast = append(f.broadcast, tx)

	var notify []chan *wire.MsgTx
	for _, in := range tx.TxIn {
		notify = append(notify, f.outpointSubs[in.PreviousOutPoint]...)
	}
	f.mu.Unlock()

	for _, ch := range notify {
		ch <- tx
	}

	return nil
}

// EstimateFee implements ChainClient, always returning the configured flat
// fee rate regardless of confTarget.
func (f *FakeChainClient) EstimateFee(_ context.Context,
	_ uint32) (btcutil.Amount, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.feeRate, nil
}

// SetFeeRate overrides the fee rate EstimateFee returns.
func (f *FakeChainClient) SetFeeRate(rate btcutil.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.feeRate = rate
}

// MineBlock advances the client's height by one and returns the new height.
func (f *FakeChainClient) MineBlock() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.height++

	return f.height
}

// BroadcastLog returns every transaction passed to BroadcastTransaction, in
// order.
func (f *FakeChainClient) BroadcastLog() []*wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()

	log := make([]*wire.MsgTx, len(f.broadcast))
	copy(log, f.broadcast)

	return log
}

// NotifyAddress delivers conf to every subscriber of address, simulating a
// lockup transaction being seen in the mempool or confirmed.
func (f *FakeChainClient) NotifyAddress(address btcutil.Address,
	conf *Confirmation) {

	f.mu.Lock()
	subs := append([]chan *Confirmation{}, f.addressSubs[address.EncodeAddress()]...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- conf
	}
}

// FakeLightningClient is an in-memory LightningClient used by tests.
// Invoice and payment state transitions are driven explicitly by calling
// SettleInvoice/CancelInvoice/SetPaymentState rather than by a real node.
type FakeLightningClient struct {
	mu sync.Mutex

	invoices      map[[32]byte]*fakeInvoice
	invoiceSubs   map[[32]byte][]chan *InvoiceUpdate
	paymentSubs   map[[32]byte][]chan *PaymentUpdate
	paymentStates map[[32]byte]*PaymentUpdate
	sentPayments  []string
}

type fakeInvoice struct {
	payReq     string
	amtMsat    int64
	cltvExpiry uint32
	state      InvoiceState
}

// NewFakeLightningClient returns an empty FakeLightningClient.
func NewFakeLightningClient() *FakeLightningClient {
	return &FakeLightningClient{
		invoices:      make(map[[32]byte]*fakeInvoice),
		invoiceSubs:   make(map[[32]byte][]chan *InvoiceUpdate),
		paymentSubs:   make(map[[32]byte][]chan *PaymentUpdate),
		paymentStates: make(map[[32]byte]*PaymentUpdate),
	}
}

// AddHoldInvoice implements LightningClient.
func (f *FakeLightningClient) AddHoldInvoice(_ context.Context,
	preimageHash [32]byte, amtMsat int64, _ time.Duration,
	cltvExpiry uint32, _ string) (string, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.invoices[preimageHash] = &fakeInvoice{
		amtMsat:    amtMsat,
		cltvExpiry: cltvExpiry,
		state:      InvoiceStateUnknown,
	}

	return "lnfake1" + chainhash.Hash(preimageHash).String()[:16], nil
}

// SubscribeInvoice implements LightningClient.
func (f *FakeLightningClient) SubscribeInvoice(ctx context.Context,
	preimageHash [32]byte) (<-chan *InvoiceUpdate, error) {

	ch := make(chan *InvoiceUpdate, 8)

	f.mu.Lock()
	f.invoiceSubs[preimageHash] = append(f.invoiceSubs[preimageHash], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(ch)
	}()

	return ch, nil
}

// SettleInvoice implements LightningClient.
func (f *FakeLightningClient) SettleInvoice(_ context.Context,
	preimage [32]byte) error {

	hash := chainhash.HashH(preimage[:])

	f.mu.Lock()
	inv, ok := f.invoices[hash]
	if ok {
		inv.state = InvoiceStateSettled
	}
	subs := append([]chan *InvoiceUpdate{}, f.invoiceSubs[hash]...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- &InvoiceUpdate{
			State:       InvoiceStateSettled,
			Preimage:    preimage,
			HasPreimage: true,
		}
	}

	return nil
}

// AcceptInvoice marks preimageHash's hold invoice accepted and notifies
// subscribers, simulating the counterparty's HTLC arriving locked to the
// invoice before the preimage is known.
func (f *FakeLightningClient) AcceptInvoice(preimageHash [32]byte) {
	f.mu.Lock()
	inv, ok := f.invoices[preimageHash]
	if ok {
		inv.state = InvoiceStateAccepted
	}
	subs := append([]chan *InvoiceUpdate{}, f.invoiceSubs[preimageHash]...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- &InvoiceUpdate{State: InvoiceStateAccepted}
	}
}

// CancelInvoice implements LightningClient.
func (f *FakeLightningClient) CancelInvoice(_ context.Context,
	preimageHash [32]byte) error {

	f.mu.Lock()
	inv, ok := f.invoices[preimageHash]
	if ok {
		inv.state = InvoiceStateCancelled
	}
	subs := append([]chan *InvoiceUpdate{}, f.invoiceSubs[preimageHash]...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- &InvoiceUpdate{State: InvoiceStateCancelled}
	}

	return nil
}

// SendPayment implements LightningClient, recording the attempt. It sets no
// payment state; tests drive state changes via SetPaymentState.
func (f *FakeLightningClient) SendPayment(_ context.Context, invoice string,
	_ int32) error {

	f.mu.Lock()
	f.sentPayments = append(f.sentPayments, invoice)
	f.mu.Unlock()

	return nil
}

// TrackPayment implements LightningClient.
func (f *FakeLightningClient) TrackPayment(ctx context.Context,
	hash [32]byte) (<-chan *PaymentUpdate, error) {

	ch := make(chan *PaymentUpdate, 8)

	f.mu.Lock()
	f.paymentSubs[hash] = append(f.paymentSubs[hash], ch)
	state, ok := f.paymentStates[hash]
	f.mu.Unlock()

	if ok {
		ch <- state
	}

	go func() {
		<-ctx.Done()
		close(ch)
	}()

	return ch, nil
}

// SetPaymentState updates the tracked state for hash and notifies
// subscribers, simulating the outcome of an outbound Lightning payment.
// preimage is only meaningful when state is PaymentStateSucceeded.
func (f *FakeLightningClient) SetPaymentState(hash [32]byte,
	state PaymentState, preimage [32]byte) {

	update := &PaymentUpdate{State: state, Preimage: preimage}

	f.mu.Lock()
	f.paymentStates[hash] = update
	subs := append([]chan *PaymentUpdate{}, f.paymentSubs[hash]...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- update
	}
}

// SentPayments returns every invoice passed to SendPayment, in order.
func (f *FakeLightningClient) SentPayments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := make([]string, len(f.sentPayments))
	copy(sent, f.sentPayments)

	return sent
}

// FakeRouteQuerier is an in-memory RouteQuerier returning a canned set of
// routes regardless of destination, used to drive TimeoutDeltaProvider's
// routability probes in tests.
type FakeRouteQuerier struct {
	mu     sync.Mutex
	routes []Route
	err    error
}

// NewFakeRouteQuerier returns a FakeRouteQuerier with no routes configured;
// QueryRoutes returns an empty slice until SetRoutes is called.
func NewFakeRouteQuerier() *FakeRouteQuerier {
	return &FakeRouteQuerier{}
}

// SetRoutes configures the routes QueryRoutes returns.
func (f *FakeRouteQuerier) SetRoutes(routes []Route) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.routes = routes
}

// SetError makes QueryRoutes fail with err until cleared with SetError(nil).
func (f *FakeRouteQuerier) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

// QueryRoutes implements RouteQuerier.
func (f *FakeRouteQuerier) QueryRoutes(_ context.Context, _ [33]byte,
	_ int64, _ int32) ([]Route, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	routes := make([]Route, len(f.routes))
	copy(routes, f.routes)

	return routes, nil
}
