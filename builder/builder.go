// Package builder implements the SwapBuilder: the creation path that turns
// a validated swap request into a persisted record plus, for reverse and
// chain swaps, a broadcast on-chain lockup transaction. It is the one
// component that touches the fee/rate collaborators, the wallet, and the
// repository in the same call, so every invariant in spec.md §3 that holds
// "at creation time" is enforced here.
package builder

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/timeout"
)

// Chain bundles the per-currency collaborators the builder needs to fund
// and broadcast an on-chain leg: the chain's parameters, for address
// encoding, and its ChainClient, for broadcast. Lightning is non-nil only
// for a currency symbol that also has a Lightning leg (e.g. the "LN-BTC"
// side of a BTC/LN-BTC pair), and is what a reverse swap's invoice is
// issued against.
type Chain struct {
	Params    *chaincfg.Params
	Client    chainio.ChainClient
	Lightning chainio.LightningClient
}

// Config wires every external collaborator the SwapBuilder depends on.
type Config struct {
	Repo     swapdb.Repository
	Fees     feeestimator.Estimator
	Rates    rateprovider.Provider
	Timeouts *timeout.Provider
	Signer   lnwallet.Signer
	Funding  lnwallet.FundingSource

	// Chains maps a currency symbol (e.g. "BTC") to the collaborators
	// needed to fund and broadcast that currency's leg.
	Chains map[string]Chain

	// ScriptVersion selects the HTLC construction (Legacy/Taproot) used
	// for every newly created swap.
	ScriptVersion swap.ScriptVersion

	// AllowReverseSwaps gates createReverseSwap; disabled deployments
	// reject every reverse-swap request outright.
	AllowReverseSwaps bool

	// HtlcConfTarget is the confirmation target the builder asks
	// FundingSource to fee-estimate a lockup transaction for.
	HtlcConfTarget int32
}

// Builder is the SwapBuilder (C6): it validates a swap request against the
// configured rate/limits, derives the HTLC keys and script, funds and
// persists the swap, and — for reverse and chain swaps — broadcasts the
// service's own lockup transaction.
type Builder struct {
	cfg Config
}

// New returns a Builder wired against cfg.
func New(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

func (b *Builder) chain(symbol string) (Chain, error) {
	c, ok := b.cfg.Chains[symbol]
	if !ok {
		return Chain{}, swapderrors.New(
			swapderrors.CodeCurrencyNotFound, symbol,
		)
	}

	return c, nil
}

// lightning resolves symbol's LightningClient, failing with CodeNoLndClient
// if the configured chain for symbol has none.
func (b *Builder) lightning(symbol string) (chainio.LightningClient, error) {
	c, err := b.chain(symbol)
	if err != nil {
		return nil, err
	}

	if c.Lightning == nil {
		return nil, swapderrors.New(swapderrors.CodeNoLndClient, symbol)
	}

	return c.Lightning, nil
}

// splitPair decomposes a "BASE/QUOTE" pair identifier into its two currency
// symbols.
func splitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", swapderrors.New(
			swapderrors.CodePairNotFound, pair,
		)
	}

	return parts[0], parts[1], nil
}

// newID returns a fresh opaque 16-hex-char swap identifier (spec.md §3).
func newID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating swap id: %w", err)
	}

	return fmt.Sprintf("%x", raw), nil
}

// label builds the audit label a newly created swap is persisted with:
// "<kind>/<pair>/<id>", matching the shape already exercised by this
// package's and swapdb's tests.
func label(kind swap.Kind, pair, id string) string {
	return fmt.Sprintf("%s/%s/%s", strings.ToLower(kind.String()), pair, id)
}

// parsePubKey decodes a compressed secp256k1 public key supplied by a
// caller (refund or claim key for the counterparty's leg).
func parsePubKey(raw []byte) (*btcec.PublicKey, error) {
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	return key, nil
}

// decodeInvoice decodes a BOLT11 invoice, returning its amount and payment
// hash.
func decodeInvoice(params *chaincfg.Params,
	payReq string) (btcutil.Amount, lntypes.Hash, error) {

	invoice, err := zpay32.Decode(payReq, params)
	if err != nil {
		return 0, lntypes.Hash{}, fmt.Errorf("decoding invoice: %w", err)
	}

	if invoice.MilliSat == nil {
		return 0, lntypes.Hash{}, fmt.Errorf("invoice has no amount")
	}

	if invoice.PaymentHash == nil {
		return 0, lntypes.Hash{}, fmt.Errorf("invoice has no payment hash")
	}

	return invoice.MilliSat.ToSatoshis(), lntypes.Hash(*invoice.PaymentHash),
		nil
}

// htlcOutputType maps a ScriptVersion to the output type its locking
// address must use.
func htlcOutputType(version swap.ScriptVersion) swap.HtlcOutputType {
	if version == swap.Taproot {
		return swap.OutputP2TR
	}

	return swap.OutputP2WSH
}

// deriveHtlcKey derives a fresh wallet key in swap.KeyFamily, used as
// whichever side of the HTLC the service itself controls.
func (b *Builder) deriveHtlcKey(ctx context.Context) (*btcec.PublicKey,
	uint32, error) {

	desc, err := b.cfg.Signer.DeriveNextKey(ctx, swap.KeyFamily)
	if err != nil {
		return nil, 0, fmt.Errorf("deriving htlc key: %w", err)
	}

	return desc.PubKey, desc.KeyLocator.Index, nil
}

// buildHtlc constructs the HTLC script for one leg and its locking address
// on the given chain.
func (b *Builder) buildHtlc(chainParams *chaincfg.Params,
	swapHash lntypes.Hash, claimKey, refundKey *btcec.PublicKey,
	cltvExpiry uint32) (swap.HtlcScript, string, []byte, error) {

	htlc, err := swap.NewHtlcScript(
		b.cfg.ScriptVersion, swapHash, claimKey, refundKey, cltvExpiry,
	)
	if err != nil {
		return nil, "", nil, fmt.Errorf("building htlc script: %w", err)
	}

	address, _, _, err := htlc.LockingConditions(
		htlcOutputType(b.cfg.ScriptVersion), chainParams,
	)
	if err != nil {
		return nil, "", nil, fmt.Errorf("deriving htlc address: %w", err)
	}

	return htlc, address.EncodeAddress(), redeemScriptOf(htlc), nil
}

// redeemScriptOf returns the bytes persisted as a swap's redeemScript
// field: for legacy HTLCs this is the witness script itself; for taproot
// HTLCs it is the claim-path tapleaf script, sufficient (together with the
// swap's keys) to reconstruct the whole script tree.
func redeemScriptOf(htlc swap.HtlcScript) []byte {
	return htlc.SuccessScript()
}

// fundLockup asks FundingSource to build (but not publish) a transaction
// paying amount to address at a fee rate sized for b.cfg.HtlcConfTarget.
func (b *Builder) fundLockup(ctx context.Context, symbol, address string,
	amount btcutil.Amount) (*wire.MsgTx, error) {

	feeRate, err := b.cfg.Funding.EstimateFee(ctx, b.cfg.HtlcConfTarget)
	if err != nil {
		return nil, fmt.Errorf("estimating fee for %s lockup: %w",
			symbol, err)
	}

	pkScript, err := addressToPkScript(address, b.cfg.Chains[symbol].Params)
	if err != nil {
		return nil, err
	}

	tx, err := b.cfg.Funding.SendOutputs(ctx, []*wire.TxOut{{
		Value:    int64(amount),
		PkScript: pkScript,
	}}, feeRate)
	if err != nil {
		return nil, fmt.Errorf("funding %s lockup: %w", symbol, err)
	}

	return tx, nil
}

func addressToPkScript(address string, params *chaincfg.Params) ([]byte,
	error) {

	addr, err := decodeAddress(address, params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

func decodeAddress(address string, params *chaincfg.Params) (
	btcutil.Address, error) {

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("decoding address %s: %w", address, err)
	}

	return addr, nil
}

// broadcast publishes tx on the named chain, logging but not failing the
// call on error: the transaction id is already persisted, so the nursery
// keeps watching for it. A failed broadcast is not retried; neither this
// function nor the nursery's restart-time recovery publishes tx again.
func (b *Builder) broadcast(ctx context.Context, symbol string,
	tx *wire.MsgTx) {

	client, err := b.chain(symbol)
	if err != nil {
		logger.Errorf("no chain client for %s, cannot broadcast "+
			"lockup %v: %v", symbol, tx.TxHash(), err)

		return
	}

	if err := client.Client.BroadcastTransaction(ctx, tx); err != nil {
		logger.Errorf("broadcasting %s lockup %v: %v", symbol,
			tx.TxHash(), err)
	}
}
