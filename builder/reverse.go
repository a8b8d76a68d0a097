package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/timeout"
)

// invoiceExpiry is the validity window of a reverse swap's Lightning
// invoice, independent of the on-chain HTLC timeout.
const invoiceExpiry = 24 * time.Hour

// ReverseRequest is the input to CreateReverseSwap (spec.md §4.2's
// createReverseSwap). PreimageHash is chosen client-side, matching the
// standard reverse-swap flow in which the claimer — not the service —
// must be the only party who can ever learn the preimage.
type ReverseRequest struct {
	Pair           string
	OrderSide      timeout.OrderSide
	InvoiceAmount  btcutil.Amount
	PreimageHash   lntypes.Hash
	ClaimPublicKey []byte
	Label          string
}

// ReverseResponse mirrors spec.md §4.2 reverse step 5's persisted shape,
// returned to the caller so it can watch for the lockup transaction.
type ReverseResponse struct {
	ID                  string
	Invoice             string
	LockupAddress       string
	RedeemScript        []byte
	OnchainAmount       btcutil.Amount
	MinerFee            btcutil.Amount
	LockupTransactionID string
	TimeoutBlockHeight  uint32
}

// CreateReverseSwap implements spec.md §4.2's createReverseSwap: a
// Lightning-to-chain reverse swap. The service issues a hold invoice
// locked to the caller's preimage hash and locks its own funds on-chain;
// the caller pays the invoice, then claims the lockup with the preimage,
// which lets the service settle the invoice in turn.
func (b *Builder) CreateReverseSwap(ctx context.Context,
	req ReverseRequest) (*ReverseResponse, error) {

	// Step 1: gate on allowReverseSwaps.
	if !b.cfg.AllowReverseSwaps {
		return nil, swapderrors.New(
			swapderrors.CodeReverseSwapsDisabled, req.Pair,
		)
	}

	base, quoteSymbol, err := splitPair(req.Pair)
	if err != nil {
		return nil, err
	}

	chainSide := timeout.SideFor(req.OrderSide, true)
	chainSymbol, lnSymbol := base, quoteSymbol
	if chainSide == timeout.Quote {
		chainSymbol, lnSymbol = quoteSymbol, base
	}

	chain, err := b.chain(chainSymbol)
	if err != nil {
		return nil, err
	}

	lnClient, err := b.lightning(lnSymbol)
	if err != nil {
		return nil, err
	}

	claimKey, err := parsePubKey(req.ClaimPublicKey)
	if err != nil {
		return nil, err
	}

	rate, err := b.cfg.Rates.Rate(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("fetching rate: %w", err)
	}

	limits, err := b.cfg.Rates.Limits(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("fetching limits: %w", err)
	}

	// Step 2: verify the requested Lightning amount.
	if err := verifyAmount(
		limits, rate, req.InvoiceAmount, req.OrderSide, swap.Reverse,
	); err != nil {
		return nil, err
	}

	feeQuote, err := b.cfg.Fees.EstimateFees(req.Pair, req.InvoiceAmount)
	if err != nil {
		return nil, fmt.Errorf("estimating fees: %w", err)
	}

	// Step 3: I3: onchainAmount = floor(invoiceAmount·rate) −
	// (baseFee+pctFee); reject if < 1.
	flooredEquivalent := convertRate(req.InvoiceAmount, rate, false)

	serviceFee := swap.CalcFee(
		flooredEquivalent, feeQuote.BaseFee, feeQuote.PercentageFee,
	)

	onchainAmount := flooredEquivalent - serviceFee

	if onchainAmount < 1 {
		return nil, swapderrors.New(
			swapderrors.CodeOnchainAmountTooLow,
			fmt.Sprintf("onchain amount %v is below the minimum of 1",
				onchainAmount),
		)
	}

	currentHeight, err := chain.Client.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching %s block height: %w",
			chainSymbol, err)
	}

	reverseBlocks, _, err := b.cfg.Timeouts.GetTimeout(
		ctx, base, quoteSymbol, req.OrderSide, timeout.KindReverse,
		lnSymbol, currentHeight, "",
	)
	if err != nil {
		return nil, fmt.Errorf("resolving timeout: %w", err)
	}

	timeoutBlockHeight := currentHeight + reverseBlocks

	// refundKey is the service's own key: it is the party that must
	// refund this leg if the user never claims.
	refundKey, keyIndex, err := b.deriveHtlcKey(ctx)
	if err != nil {
		return nil, err
	}

	_, address, redeemScript, err := b.buildHtlc(
		chain.Params, req.PreimageHash, claimKey, refundKey,
		timeoutBlockHeight,
	)
	if err != nil {
		return nil, err
	}

	// Step 4: the invoice's final CLTV delta must keep it payable within
	// the on-chain timeout window (SPEC_FULL.md §4.2's supplement).
	// currentHeight is already the chain leg's own height, fetched above.
	cltvLimit, err := b.cfg.Timeouts.GetCltvLimit(
		chainSymbol, lnSymbol, currentHeight, timeoutBlockHeight,
	)
	if err != nil {
		return nil, fmt.Errorf("computing invoice cltv limit: %w", err)
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	invoice, err := lnClient.AddHoldInvoice(
		ctx, req.PreimageHash, int64(req.InvoiceAmount)*1000,
		invoiceExpiry, uint32(cltvLimit),
		fmt.Sprintf("reverse swap %s", id),
	)
	if err != nil {
		return nil, fmt.Errorf("creating hold invoice: %w", err)
	}

	tx, err := b.fundLockup(ctx, chainSymbol, address, onchainAmount)
	if err != nil {
		return nil, err
	}

	lbl := req.Label
	if lbl == "" {
		lbl = label(swap.Reverse, req.Pair, id)
	}

	// Step 5: persist with initial status TransactionMempool, recording
	// the service's own lockup transaction id before it is broadcast so
	// a restart can resume watching it (SPEC_FULL.md §4.2's supplement).
	record := &swapdb.ReverseSwap{
		Envelope: swapdb.Envelope{
			ID:            id,
			Kind:          swap.Reverse,
			Pair:          req.Pair,
			OrderSide:     req.OrderSide,
			ScriptVersion: b.cfg.ScriptVersion,
			Status:        swapdb.TransactionMempool,
			Fee:           int64(serviceFee),
			PreimageHash:  req.PreimageHash,
			Label:         lbl,
		},
		Invoice:            invoice,
		OnchainAmount:      int64(onchainAmount),
		MinerFee:           int64(feeQuote.MinerFeeEstimate),
		ClaimPublicKey:     req.ClaimPublicKey,
		LockupAddress:      address,
		RedeemScript:       redeemScript,
		KeyIndex:           keyIndex,
		TransactionID:      tx.TxHash().String(),
		TimeoutBlockHeight: timeoutBlockHeight,
	}

	if err := b.cfg.Repo.CreateReverseSwap(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting reverse swap: %w", err)
	}

	b.broadcast(ctx, chainSymbol, tx)

	logger.Infof("created reverse swap %s: pair=%s onchain=%v "+
		"timeout=%d lockup=%v", id, req.Pair, onchainAmount,
		timeoutBlockHeight, tx.TxHash())

	return &ReverseResponse{
		ID:                  id,
		Invoice:             invoice,
		LockupAddress:       address,
		RedeemScript:        redeemScript,
		OnchainAmount:       onchainAmount,
		MinerFee:            feeQuote.MinerFeeEstimate,
		LockupTransactionID: record.TransactionID,
		TimeoutBlockHeight:  timeoutBlockHeight,
	}, nil
}
