package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/timeout"
)

// ChainRequest is the input to CreateChainSwap (spec.md §4.2's
// createChainToChainSwap). ClaimPublicKey lets the caller claim the
// service-funded sendingData leg with the preimage; RefundPublicKey lets
// the caller refund their own receivingData lockup if the service never
// claims it.
type ChainRequest struct {
	Pair            string
	OrderSide       timeout.OrderSide
	Amount          btcutil.Amount
	PreimageHash    lntypes.Hash
	ClaimPublicKey  []byte
	RefundPublicKey []byte
	Label           string
}

// ChainResponse mirrors the two legs a chain-swap caller needs to act on:
// where to send their own funds (receivingData, which the service will
// later claim) and where the service's funds were sent (sendingData, which
// the caller claims).
type ChainResponse struct {
	ID string

	ReceivingAddress      string
	ReceivingRedeemScript []byte
	ExpectedAmount        btcutil.Amount
	ReceivingTimeout      uint32

	SendingAddress           string
	SendingRedeemScript      []byte
	SendingAmount            btcutil.Amount
	SendingTimeout           uint32
	SendingLockupTransaction string
}

// CreateChainSwap implements spec.md §4.2's createChainToChainSwap: a
// chain-to-chain swap. The caller locks receivingData on their own chain;
// the service locks sendingData on the other. Each side claims the other's
// lockup with the shared preimage, or refunds its own after the leg's
// independent timeout.
func (b *Builder) CreateChainSwap(ctx context.Context,
	req ChainRequest) (*ChainResponse, error) {

	// Step 1: uniqueness check on preimageHash.
	if _, _, err := b.cfg.Repo.FetchByPreimageHash(
		ctx, req.PreimageHash,
	); err == nil {
		return nil, swapderrors.New(
			swapderrors.CodeSwapWithPreimageExists, req.PreimageHash.String(),
		)
	} else if !errors.Is(err, swapdb.ErrNotFound) {
		return nil, fmt.Errorf("checking preimage hash uniqueness: %w", err)
	}

	base, quoteSymbol, err := splitPair(req.Pair)
	if err != nil {
		return nil, err
	}

	// The user funds receivingData; its currency is whichever side of
	// the pair the order side assigns to the user's leg.
	receivingSide := timeout.SideFor(req.OrderSide, false)
	receivingSymbol, sendingSymbol := base, quoteSymbol
	if receivingSide == timeout.Quote {
		receivingSymbol, sendingSymbol = quoteSymbol, base
	}

	receivingChain, err := b.chain(receivingSymbol)
	if err != nil {
		return nil, err
	}

	sendingChain, err := b.chain(sendingSymbol)
	if err != nil {
		return nil, err
	}

	claimKey, err := parsePubKey(req.ClaimPublicKey)
	if err != nil {
		return nil, err
	}

	refundKey, err := parsePubKey(req.RefundPublicKey)
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

	// Step 2: verify the requested amount.
	if err := verifyAmount(
		limits, rate, req.Amount, req.OrderSide, swap.Chain,
	); err != nil {
		return nil, err
	}

	feeQuote, err := b.cfg.Fees.EstimateFees(req.Pair, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("estimating fees: %w", err)
	}

	// Step 3: expected = ceil(amount·rate + base+pct); ensure the
	// service can fund its own sendingData leg.
	onchainEquivalent := convertRate(req.Amount, rate, true)
	expected := onchainEquivalent + swap.CalcFee(
		onchainEquivalent, feeQuote.BaseFee, feeQuote.PercentageFee,
	)

	balance, err := b.cfg.Funding.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking wallet balance: %w", err)
	}

	if balance <= req.Amount {
		return nil, swapderrors.New(
			swapderrors.CodeNotEnoughFunds,
			fmt.Sprintf("service balance %v is not greater than "+
				"requested amount %v", balance, req.Amount),
		)
	}

	// Step 4: retrieve both sides' delta records. The sending leg (the
	// service's own lockup) uses the shorter timeout; the receiving leg
	// (the user's lockup) uses the longer one, so I4 holds: the user's
	// refund window opens only after the service's claim window on the
	// same preimage is already safe.
	baseDelta, quoteDelta, err := b.cfg.Timeouts.GetTimeouts(base, quoteSymbol)
	if err != nil {
		return nil, fmt.Errorf("resolving timeouts: %w", err)
	}

	receivingDelta, sendingDelta := quoteDelta, baseDelta
	if receivingSide == timeout.Base {
		receivingDelta, sendingDelta = baseDelta, quoteDelta
	}

	receivingHeight, err := receivingChain.Client.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching %s block height: %w",
			receivingSymbol, err)
	}

	sendingHeight, err := sendingChain.Client.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching %s block height: %w",
			sendingSymbol, err)
	}

	receivingTimeout := receivingHeight + receivingDelta.SwapMaximal
	sendingTimeout := sendingHeight + sendingDelta.Reverse

	// Step 5: build both scripts. On receivingData the service claims
	// the user's lockup with the preimage, so claimKey there is the
	// service's own derived key; the user's refundKey secures their
	// unilateral refund. On sendingData the user claims the service's
	// lockup with the preimage (claimKey is the user's), and the
	// service's derived key secures its own refund.
	receivingClaimKey, receivingKeyIndex, err := b.deriveHtlcKey(ctx)
	if err != nil {
		return nil, err
	}

	_, receivingAddress, receivingRedeemScript, err := b.buildHtlc(
		receivingChain.Params, req.PreimageHash, receivingClaimKey,
		refundKey, receivingTimeout,
	)
	if err != nil {
		return nil, err
	}

	sendingRefundKey, sendingKeyIndex, err := b.deriveHtlcKey(ctx)
	if err != nil {
		return nil, err
	}

	_, sendingAddress, sendingRedeemScript, err := b.buildHtlc(
		sendingChain.Params, req.PreimageHash, claimKey, sendingRefundKey,
		sendingTimeout,
	)
	if err != nil {
		return nil, err
	}

	tx, err := b.fundLockup(ctx, sendingSymbol, sendingAddress, req.Amount)
	if err != nil {
		return nil, err
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}

	lbl := req.Label
	if lbl == "" {
		lbl = label(swap.Chain, req.Pair, id)
	}

	record := &swapdb.ChainSwap{
		Envelope: swapdb.Envelope{
			ID:            id,
			Kind:          swap.Chain,
			Pair:          req.Pair,
			OrderSide:     req.OrderSide,
			ScriptVersion: b.cfg.ScriptVersion,
			Status:        swapdb.TransactionWaiting,
			Fee:           int64(expected - req.Amount),
			PreimageHash:  req.PreimageHash,
			Label:         lbl,
		},
		SendingData: swapdb.ChainSwapLeg{
			Symbol:                sendingSymbol,
			LockupAddress:         sendingAddress,
			ExpectedAmount:        int64(req.Amount),
			RedeemScript:          sendingRedeemScript,
			KeyIndex:              sendingKeyIndex,
			TimeoutBlockHeight:    sendingTimeout,
			LockupTransactionID:   tx.TxHash().String(),
			CounterpartyPublicKey: req.ClaimPublicKey,
		},
		ReceivingData: swapdb.ChainSwapLeg{
			Symbol:                receivingSymbol,
			LockupAddress:         receivingAddress,
			ExpectedAmount:        int64(expected),
			RedeemScript:          receivingRedeemScript,
			KeyIndex:              receivingKeyIndex,
			TimeoutBlockHeight:    receivingTimeout,
			CounterpartyPublicKey: req.RefundPublicKey,
		},
	}

	if err := b.cfg.Repo.CreateChainSwap(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting chain swap: %w", err)
	}

	b.broadcast(ctx, sendingSymbol, tx)

	logger.Infof("created chain swap %s: pair=%s amount=%v expected=%v",
		id, req.Pair, req.Amount, expected)

	return &ChainResponse{
		ID:                       id,
		ReceivingAddress:         receivingAddress,
		ReceivingRedeemScript:    receivingRedeemScript,
		ExpectedAmount:           expected,
		ReceivingTimeout:         receivingTimeout,
		SendingAddress:           sendingAddress,
		SendingRedeemScript:      sendingRedeemScript,
		SendingAmount:            req.Amount,
		SendingTimeout:           sendingTimeout,
		SendingLockupTransaction: record.SendingData.LockupTransactionID,
	}, nil
}
