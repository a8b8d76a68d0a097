package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/timeout"
)

// SubmarineRequest is the input to CreateSwap (spec.md §4.2's createSwap).
type SubmarineRequest struct {
	Pair            string
	OrderSide       timeout.OrderSide
	Invoice         string
	RefundPublicKey []byte
	Label           string
}

// SubmarineResponse mirrors spec.md §4.2 step 7's return shape.
type SubmarineResponse struct {
	ID                 string
	Address            string
	RedeemScript       []byte
	AcceptZeroConf     bool
	ExpectedAmount     btcutil.Amount
	TimeoutBlockHeight uint32
	Bip21              string
}

// CreateSwap implements spec.md §4.2's createSwap: a chain-to-Lightning
// submarine swap. The user locks funds on-chain addressed to the HTLC this
// returns; once confirmed (or accepted zero-conf), the service pays the
// supplied invoice and claims the lockup with the resulting preimage.
func (b *Builder) CreateSwap(ctx context.Context,
	req SubmarineRequest) (*SubmarineResponse, error) {

	base, quoteSymbol, err := splitPair(req.Pair)
	if err != nil {
		return nil, err
	}

	chainSide := timeout.SideFor(req.OrderSide, false)
	chainSymbol, lnSymbol := base, quoteSymbol
	if chainSide == timeout.Quote {
		chainSymbol, lnSymbol = quoteSymbol, base
	}

	chain, err := b.chain(chainSymbol)
	if err != nil {
		return nil, err
	}

	refundKey, err := parsePubKey(req.RefundPublicKey)
	if err != nil {
		return nil, err
	}

	// Step 1: decode the invoice to get its amount and payment hash.
	invoiceAmount, swapHash, err := decodeInvoice(chain.Params, req.Invoice)
	if err != nil {
		return nil, err
	}

	existingKind, existingID, err := b.cfg.Repo.FetchByInvoice(
		ctx, req.Invoice,
	)
	if err == nil {
		return nil, swapderrors.New(
			swapderrors.CodeSwapWithInvoiceExists,
			fmt.Sprintf("swap %s (%v) already exists for this invoice",
				existingID, existingKind),
		)
	} else if !errors.Is(err, swapdb.ErrNotFound) {
		return nil, fmt.Errorf("checking invoice uniqueness: %w", err)
	}

	rate, err := b.cfg.Rates.Rate(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("fetching rate: %w", err)
	}

	limits, err := b.cfg.Rates.Limits(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("fetching limits: %w", err)
	}

	// Step 2: verify the invoice amount is within the pair's bounds.
	if err := verifyAmount(
		limits, rate, invoiceAmount, req.OrderSide, swap.Submarine,
	); err != nil {
		return nil, err
	}

	// Step 3: fee quote and expected on-chain amount (I2).
	feeQuote, err := b.cfg.Fees.EstimateFees(req.Pair, invoiceAmount)
	if err != nil {
		return nil, fmt.Errorf("estimating fees: %w", err)
	}

	expected, fee := calcExpectedAmount(invoiceAmount, rate, feeQuote)

	// Step 4: zero-conf policy.
	acceptZeroConf := b.cfg.Rates.AcceptZeroConf(chainSymbol, expected)

	// Step 5: build the HTLC. The service claims with the preimage it
	// learns from paying the invoice, so claimKey is the service's own
	// derived key; refundKey is the user's, for their unilateral refund
	// if the service never pays.
	claimKey, keyIndex, err := b.deriveHtlcKey(ctx)
	if err != nil {
		return nil, err
	}

	currentHeight, err := chain.Client.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching %s block height: %w",
			chainSymbol, err)
	}

	// currentLnBlock is measured on the chain the invoice's CLTV deltas
	// are expressed against, which may differ from the swap's own
	// on-chain leg for a cross-currency pair.
	lnChain, err := b.chain(lnSymbol)
	if err != nil {
		return nil, err
	}

	currentLnBlock, err := lnChain.Client.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching %s block height: %w",
			lnSymbol, err)
	}

	timeoutBlocks, _, err := b.cfg.Timeouts.GetTimeout(
		ctx, base, quoteSymbol, req.OrderSide, timeout.KindSubmarine,
		lnSymbol, currentLnBlock, req.Invoice,
	)
	if err != nil {
		return nil, fmt.Errorf("resolving timeout: %w", err)
	}

	timeoutBlockHeight := currentHeight + timeoutBlocks

	_, address, redeemScript, err := b.buildHtlc(
		chain.Params, swapHash, claimKey, refundKey, timeoutBlockHeight,
	)
	if err != nil {
		return nil, err
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	lbl := req.Label
	if lbl == "" {
		lbl = label(swap.Submarine, req.Pair, id)
	}

	// Step 6: persist with status SwapCreated.
	record := &swapdb.SubmarineSwap{
		Envelope: swapdb.Envelope{
			ID:            id,
			Kind:          swap.Submarine,
			Pair:          req.Pair,
			OrderSide:     req.OrderSide,
			ScriptVersion: b.cfg.ScriptVersion,
			Status:        swapdb.SwapCreated,
			Fee:           int64(fee),
			PreimageHash:  swapHash,
			Label:         lbl,
		},
		Invoice:            req.Invoice,
		InvoiceAmount:      int64(invoiceAmount),
		ExpectedAmount:     int64(expected),
		AcceptZeroConf:     acceptZeroConf,
		LockupAddress:      address,
		RedeemScript:       redeemScript,
		KeyIndex:           keyIndex,
		RefundPublicKey:    req.RefundPublicKey,
		TimeoutBlockHeight: timeoutBlockHeight,
	}

	if err := b.cfg.Repo.CreateSubmarineSwap(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting submarine swap: %w", err)
	}

	logger.Infof("created submarine swap %s: pair=%s expected=%v "+
		"timeout=%d", id, req.Pair, expected, timeoutBlockHeight)

	// Step 7.
	return &SubmarineResponse{
		ID:                 id,
		Address:            address,
		RedeemScript:       redeemScript,
		AcceptZeroConf:     acceptZeroConf,
		ExpectedAmount:     expected,
		TimeoutBlockHeight: timeoutBlockHeight,
		Bip21:              bip21URI(address, expected, lbl),
	}, nil
}

// calcExpectedAmount implements I2: expectedAmount ≥
// ceil(invoiceAmount·rate) + baseFee + percentageFee.
func calcExpectedAmount(invoiceAmount btcutil.Amount, rate float64,
	quote feeestimator.Quote) (btcutil.Amount, btcutil.Amount) {

	onchainEquivalent := convertRate(invoiceAmount, rate, true)

	fee := swap.CalcFee(
		onchainEquivalent, quote.BaseFee, quote.PercentageFee,
	)

	return onchainEquivalent + fee, fee
}

// bip21URI builds a BIP-21 payment URI for a submarine swap's lockup
// address, the same plain fmt.Sprintf construction the boltz-style clients
// in the example pack use for their own bitcoin: URIs, since no bip21
// parsing/encoding library is present anywhere in the retrieved pack.
func bip21URI(address string, amount btcutil.Amount, label string) string {
	return fmt.Sprintf("bitcoin:%s?amount=%.8f&label=%s",
		address, amount.ToBTC(), label)
}
