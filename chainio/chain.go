// Package chainio defines the narrow external-collaborator interfaces the
// coordination core depends on for chain and Lightning observation: block
// notifications, address/outpoint watching, transaction broadcast, invoice
// and payment state. The concrete RPC transport (bitcoind/electrum/LND/CLN)
// lives outside this module per scope; this package fixes the *shape* those
// clients must present, narrowed from the teacher's lndclient interfaces.
package chainio

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Confirmation describes a transaction the chain client has observed paying
// into a watched address or outpoint.
type Confirmation struct {
	Tx            *wire.MsgTx
	TxHash        chainhash.Hash
	Value         btcutil.Amount
	BlockHeight   uint32
	Confirmations uint32
}

// ChainClient is the UTXO-chain observation and broadcast surface the
// nursery and builder depend on. One instance exists per supported chain
// currency.
type ChainClient interface {
	// Symbol returns the currency symbol this client serves, e.g. "BTC".
	Symbol() string

	// BlockHeight returns the current best block height known to the
	// client.
	BlockHeight(ctx context.Context) (uint32, error)

	// WatchAddress subscribes to transactions paying into address,
	// including unconfirmed (mempool) ones. The returned channel is
	// closed when ctx is done.
	WatchAddress(ctx context.Context,
		address btcutil.Address) (<-chan *Confirmation, error)

	// WatchOutpoint subscribes to spends of the given outpoint, used to
	// detect a counterparty's claim or refund transaction.
	WatchOutpoint(ctx context.Context,
		outpoint wire.OutPoint) (<-chan *wire.MsgTx, error)

	// BroadcastTransaction submits tx to the network.
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) error

	// EstimateFee returns a fee rate, in sat/kw, usable to confirm a
	// transaction within confTarget blocks.
	EstimateFee(ctx context.Context,
		confTarget uint32) (btcutil.Amount, error)
}

// InvoiceState mirrors the subset of Lightning invoice states the nursery
// reacts to.
type InvoiceState int

const (
	InvoiceStateUnknown InvoiceState = iota
	InvoiceStateAccepted
	InvoiceStateSettled
	InvoiceStateCancelled
)

// PaymentState mirrors the subset of outgoing-payment states the nursery
// and cosigner react to.
type PaymentState int

const (
	PaymentStateUnknown PaymentState = iota
	PaymentStateInFlight
	PaymentStateSucceeded
	PaymentStateFailed
)

// InvoiceUpdate is delivered whenever a watched invoice changes state.
type InvoiceUpdate struct {
	State     InvoiceState
	Preimage  [32]byte
	HasPreimage bool
}

// PaymentUpdate is delivered whenever a tracked outbound payment changes
// state. Preimage is only populated once State reaches
// PaymentStateSucceeded, revealing the secret the service's payment just
// purchased.
type PaymentUpdate struct {
	State    PaymentState
	Preimage [32]byte
}

// LightningClient is the subset of an LND-style node the core depends on:
// invoice issuance/settlement and outbound payment tracking. CLN-backed
// deployments implement ClnPayStatusChecker instead of TrackPayment.
type LightningClient interface {
	// AddHoldInvoice creates a hold invoice locked to preimageHash for
	// the given amount, expiring after expiry.
	AddHoldInvoice(ctx context.Context, preimageHash [32]byte,
		amtMsat int64, expiry time.Duration,
		cltvExpiry uint32, memo string) (string, error)

	// SubscribeInvoice streams state changes for the invoice identified
	// by preimageHash until ctx is done.
	SubscribeInvoice(ctx context.Context,
		preimageHash [32]byte) (<-chan *InvoiceUpdate, error)

	// SettleInvoice releases a held invoice using preimage, making the
	// Lightning-side payment irrevocable.
	SettleInvoice(ctx context.Context, preimage [32]byte) error

	// CancelInvoice cancels a held invoice that will never be settled.
	CancelInvoice(ctx context.Context, preimageHash [32]byte) error

	// SendPayment dispatches an outgoing payment for invoice, bounded by
	// cltvLimit blocks.
	SendPayment(ctx context.Context, invoice string,
		cltvLimit int32) error

	// TrackPayment streams the outgoing payment's state for hash,
	// revealing the preimage once it succeeds.
	TrackPayment(ctx context.Context,
		hash [32]byte) (<-chan *PaymentUpdate, error)
}

// ClnPayStatusChecker is implemented by CLN-backed deployments in place of
// LightningClient.TrackPayment, which CLN doesn't expose in the same
// streaming shape.
type ClnPayStatusChecker interface {
	// CheckPayStatus returns true if CLN has any record (pending or
	// complete) of a payment for the given invoice.
	CheckPayStatus(ctx context.Context, invoice string) (bool, error)
}

// Route is the subset of a Lightning route relevant to timeout budgeting.
type Route struct {
	TotalTimeLock uint32
}

// RouteQuerier probes Lightning routability for a destination without
// sending a payment. Implemented externally against LND's Router service.
type RouteQuerier interface {
	QueryRoutes(ctx context.Context, destination [33]byte, amtMsat int64,
		cltvLimit int32) ([]Route, error)
}

// Zero-conf policy is consulted via rateprovider.Provider.AcceptZeroConf,
// not a separate chainio interface, matching how the builder and nursery
// obtain it from the same rate-provider collaborator.
