package cosigner

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
)

// RefundRequest asks the service to cooperatively sign a refund
// transaction for a submarine or chain swap that has already failed, i.e.
// reached one of swapdb.FailedSwapUpdateEvents.
type RefundRequest struct {
	SwapID string
	Kind   swap.Kind

	// TheirNonce is the counterparty's public MuSig2 nonce for this
	// session.
	TheirNonce [66]byte

	// RawTransaction is the unsigned refund transaction the counterparty
	// assembled, spending the swap's own lockup outpoint to a single
	// output of their choosing.
	RawTransaction *wire.MsgTx
	InputIndex     int
}

// SignRefund is the MusigSigner operation spec.md §4.4 names "signRefund":
// it cooperatively signs a refund for a swap that can no longer succeed,
// letting both parties skip the htlc's script-path timeout branch. Reverse
// swaps are out of scope; their refund is always unilateral, driven by the
// SwapNursery once the timeout height is reached.
func (s *MusigSigner) SignRefund(ctx context.Context,
	req RefundRequest) (*SignatureResponse, error) {

	switch req.Kind {
	case swap.Submarine:
		return s.signSubmarineRefund(ctx, req)
	case swap.Chain:
		return s.signChainRefund(ctx, req)
	default:
		return nil, swapderrors.New(swapderrors.CodeScriptTypeNotFound,
			"cooperative refund only applies to submarine or chain swaps")
	}
}

func (s *MusigSigner) signSubmarineRefund(ctx context.Context,
	req RefundRequest) (*SignatureResponse, error) {

	unlock := s.cfg.Locker.Lock(swap.Submarine)
	defer unlock()

	swp, err := s.cfg.Repo.FetchSubmarineSwap(ctx, req.SwapID)
	if err != nil {
		return nil, fmt.Errorf("fetching submarine swap %s: %w",
			req.SwapID, err)
	}

	if swp.ScriptVersion != swap.Taproot {
		return nil, swapderrors.New(swapderrors.CodeScriptTypeNotFound,
			"cooperative signing requires a taproot swap")
	}

	chainSymbol, lnSymbol, err := submarineChains(swp.Pair, swp.OrderSide)
	if err != nil {
		return nil, err
	}

	chain, err := s.chainFor(chainSymbol)
	if err != nil {
		return nil, err
	}

	var hash [32]byte
	copy(hash[:], swp.PreimageHash[:])

	eligible, err := s.eligibleForRefund(
		ctx, swp.Status, lnSymbol, hash, swp.Invoice,
	)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, swapderrors.New(
			swapderrors.CodeNotEligibleForCooperativeRefund, req.SwapID,
		)
	}

	ourKey, err := s.cfg.Signer.DeriveKey(ctx, keyLocator(swp.KeyIndex))
	if err != nil {
		return nil, fmt.Errorf("deriving key at index %d: %w",
			swp.KeyIndex, err)
	}

	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash,
		ourKey.PubKey.SerializeCompressed(), swp.RefundPublicKey,
		swp.TimeoutBlockHeight,
	)
	if err != nil {
		return nil, fmt.Errorf("rebuilding htlc: %w", err)
	}

	return s.cooperativeSign(
		ctx, htlc, ourKey, swp.RefundPublicKey, chain.Params,
		req.RawTransaction, req.InputIndex, req.TheirNonce,
		swp.ExpectedAmount, swp.LockupTransactionID,
	)
}

func (s *MusigSigner) signChainRefund(ctx context.Context,
	req RefundRequest) (*SignatureResponse, error) {

	unlock := s.cfg.Locker.Lock(swap.Chain)
	defer unlock()

	swp, err := s.cfg.Repo.FetchChainSwap(ctx, req.SwapID)
	if err != nil {
		return nil, fmt.Errorf("fetching chain swap %s: %w",
			req.SwapID, err)
	}

	if swp.ScriptVersion != swap.Taproot {
		return nil, swapderrors.New(swapderrors.CodeScriptTypeNotFound,
			"cooperative signing requires a taproot swap")
	}

	if len(req.RawTransaction.TxIn) != 1 {
		return nil, swapderrors.New(
			swapderrors.CodeNotEligibleForCooperativeRefund,
			"transaction must spend exactly one input",
		)
	}
	spentOutpoint := req.RawTransaction.TxIn[0].PreviousOutPoint.Hash.String()

	var (
		leg       swapdb.ChainSwapLeg
		isSending bool
	)
	switch spentOutpoint {
	case swp.SendingData.LockupTransactionID:
		leg, isSending = swp.SendingData, true
	case swp.ReceivingData.LockupTransactionID:
		leg, isSending = swp.ReceivingData, false
	default:
		return nil, swapderrors.New(
			swapderrors.CodeNotEligibleForCooperativeRefund,
			"transaction does not spend either leg's lockup outpoint",
		)
	}

	chain, err := s.chainFor(leg.Symbol)
	if err != nil {
		return nil, err
	}

	// Chain swaps have no Lightning leg, so the only eligibility gate is
	// the swap's overall status having failed.
	if !swapdb.IsFailedSwapUpdate(swp.Status) {
		return nil, swapderrors.New(
			swapderrors.CodeNotEligibleForCooperativeRefund, req.SwapID,
		)
	}

	ourKey, err := s.cfg.Signer.DeriveKey(ctx, keyLocator(leg.KeyIndex))
	if err != nil {
		return nil, fmt.Errorf("deriving key at index %d: %w",
			leg.KeyIndex, err)
	}

	// On sendingData the service's own key plays the refund role and
	// CounterpartyPublicKey plays claim; on receivingData it's reversed.
	ownKey := ourKey.PubKey.SerializeCompressed()
	claimKey, refundKey := leg.CounterpartyPublicKey, ownKey
	if !isSending {
		claimKey, refundKey = ownKey, leg.CounterpartyPublicKey
	}

	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash, claimKey, refundKey,
		leg.TimeoutBlockHeight,
	)
	if err != nil {
		return nil, fmt.Errorf("rebuilding htlc: %w", err)
	}

	return s.cooperativeSign(
		ctx, htlc, ourKey, leg.CounterpartyPublicKey, chain.Params,
		req.RawTransaction, req.InputIndex, req.TheirNonce,
		leg.ExpectedAmount, leg.LockupTransactionID,
	)
}
