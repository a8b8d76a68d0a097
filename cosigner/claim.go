package cosigner

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
)

// ClaimRequest carries the counterparty's preimage, which the service
// checks against the swap's preimage hash and uses to settle the
// corresponding hold invoice, and asks the service to cooperatively sign
// the counterparty's claim of the service's own reverse-swap lockup.
type ClaimRequest struct {
	SwapID   string
	Preimage lntypes.Preimage

	TheirNonce     [66]byte
	RawTransaction *wire.MsgTx
	InputIndex     int
}

// reverseClaimableStatuses is the subset of the reverse transition DAG
// spec.md §4.4's "signReverseSwapClaim" applies to: the lockup has been
// seen or confirmed on-chain, or the invoice has already settled (a retry
// after a prior call's signature was lost in transit).
var reverseClaimableStatuses = map[swapdb.Status]bool{
	swapdb.TransactionMempool:   true,
	swapdb.TransactionConfirmed: true,
	swapdb.InvoiceSettled:       true,
}

// SignReverseClaim is the MusigSigner operation spec.md §4.4 names
// "signReverseSwapClaim": it lets a reverse swap's counterparty claim the
// service's lockup cooperatively in exchange for the preimage that settles
// their Lightning payment, instead of broadcasting the script-path claim
// witness that would otherwise reveal the preimage on-chain first.
func (s *MusigSigner) SignReverseClaim(ctx context.Context,
	req ClaimRequest) (*SignatureResponse, error) {

	unlock := s.cfg.Locker.Lock(swap.Reverse)
	defer unlock()

	swp, err := s.cfg.Repo.FetchReverseSwap(ctx, req.SwapID)
	if err != nil {
		return nil, fmt.Errorf("fetching reverse swap %s: %w",
			req.SwapID, err)
	}

	if swp.ScriptVersion != swap.Taproot ||
		!reverseClaimableStatuses[swp.Status] {

		return nil, swapderrors.New(
			swapderrors.CodeNotEligibleForCooperativeClaim, req.SwapID,
		)
	}

	if req.Preimage.Hash() != swp.PreimageHash {
		return nil, swapderrors.New(
			swapderrors.CodeIncorrectPreimage, req.SwapID,
		)
	}

	// Persist the preimage before settling the invoice or signing,
	// independent of whether either later step succeeds, so a crash or a
	// disappearing counterparty after this point still leaves the
	// preimage recoverable.
	preimage := req.Preimage
	if swp.Preimage == nil {
		err := s.cfg.Repo.UpdateReverseStatus(ctx, req.SwapID, swapdb.StatusUpdate{
			ExpectedVersion: swp.Version,
			Status:          swp.Status,
			Preimage:        &preimage,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting preimage: %w", err)
		}

		swp.Version++
	}

	if swp.Status != swapdb.InvoiceSettled {
		if err := s.settleReverseInvoice(ctx, swp, preimage); err != nil {
			return nil, err
		}

		swp.Status = swapdb.InvoiceSettled
	}

	ourKey, err := s.cfg.Signer.DeriveKey(ctx, keyLocator(swp.KeyIndex))
	if err != nil {
		return nil, fmt.Errorf("deriving key at index %d: %w",
			swp.KeyIndex, err)
	}

	// The service holds the refund role on its own lockup; the
	// counterparty's ClaimPublicKey plays the claim role.
	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash, swp.ClaimPublicKey,
		ourKey.PubKey.SerializeCompressed(), swp.TimeoutBlockHeight,
	)
	if err != nil {
		return nil, fmt.Errorf("rebuilding htlc: %w", err)
	}

	chainSymbol, _, err := reverseChains(swp.Pair, swp.OrderSide)
	if err != nil {
		return nil, err
	}

	chain, err := s.chainFor(chainSymbol)
	if err != nil {
		return nil, err
	}

	return s.cooperativeSign(
		ctx, htlc, ourKey, swp.ClaimPublicKey, chain.Params,
		req.RawTransaction, req.InputIndex, req.TheirNonce,
		swp.OnchainAmount+swp.MinerFee, swp.TransactionID,
	)
}

// settleReverseInvoice releases the service's hold invoice for swp using
// preimage, mirroring nursery.reverseClaimSeen's settlement step for the
// cooperative path. The status DAG requires InvoicePending before
// InvoiceSettled regardless of path, so a swap still in TransactionMempool
// or TransactionConfirmed is walked through it here instead of relying on
// the invoice-accepted watch nursery normally drives that transition from.
func (s *MusigSigner) settleReverseInvoice(ctx context.Context,
	swp *swapdb.ReverseSwap, preimage lntypes.Preimage) error {

	_, lnSymbol, err := reverseChains(swp.Pair, swp.OrderSide)
	if err != nil {
		return err
	}

	chain, err := s.chainFor(lnSymbol)
	if err != nil {
		return err
	}
	if chain.Lightning == nil {
		return fmt.Errorf("no lightning backend configured for %s", lnSymbol)
	}

	if swp.Status != swapdb.InvoicePending {
		err := s.cfg.Repo.UpdateReverseStatus(ctx, swp.ID, swapdb.StatusUpdate{
			ExpectedVersion: swp.Version,
			Status:          swapdb.InvoicePending,
		})
		if err != nil {
			return fmt.Errorf("advancing swap %s to invoice.pending: %w",
				swp.ID, err)
		}

		swp.Status = swapdb.InvoicePending
		swp.Version++
	}

	if err := chain.Lightning.SettleInvoice(
		ctx, [32]byte(preimage),
	); err != nil {
		return fmt.Errorf("settling invoice for swap %s: %w", swp.ID, err)
	}

	return s.cfg.Repo.UpdateReverseStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.InvoiceSettled,
		Preimage:        &preimage,
	})
}
