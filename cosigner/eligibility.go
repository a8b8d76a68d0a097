package cosigner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/swapdb"
)

// ErrClnStatusUnknownAssumeExists is logged whenever a Core Lightning
// backend's CheckPayStatus call fails. CLN gives no streaming signal for
// "this payment doesn't exist", so an RPC error here is indistinguishable
// from "the node is unreachable and a payment may be in flight" -- treating
// it as "a non-failed payment exists" is the fail-closed choice that can
// never let a cooperative refund race a Lightning payment to the same
// preimage.
var ErrClnStatusUnknownAssumeExists = errors.New(
	"cln pay status unknown, assuming payment exists",
)

// LndPaymentTracker is the narrow slice of chainio.LightningClient
// hasNonFailedLightningPayment needs, satisfied directly by any
// chainio.LightningClient.
type LndPaymentTracker interface {
	TrackPayment(ctx context.Context,
		hash [32]byte) (<-chan *chainio.PaymentUpdate, error)
}

// paymentSnapshotTimeout bounds how long hasNonFailedLightningPayment
// waits for TrackPayment's first update. Unlike the nursery's long-lived
// subscription, this is a one-shot snapshot read, and a hash the service
// never attempted a payment for otherwise has nothing to report.
const paymentSnapshotTimeout = 2 * time.Second

// hasNonFailedLightningPayment reports whether the service has ever
// dispatched a payment for hash that did not terminate in failure. An
// untracked hash (no payment was ever attempted) reports false.
func (s *MusigSigner) hasNonFailedLightningPayment(ctx context.Context,
	tracker LndPaymentTracker, hash [32]byte) (bool, error) {

	ctx, cancel := context.WithTimeout(ctx, paymentSnapshotTimeout)
	defer cancel()

	updates, err := tracker.TrackPayment(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("tracking payment: %w", err)
	}

	select {
	case update, ok := <-updates:
		if !ok {
			return false, nil
		}

		return update.State != chainio.PaymentStateFailed, nil

	case <-ctx.Done():
		return false, nil
	}
}

// eligibleForRefund implements spec.md §4.4's cooperative-refund gate:
// status must be one of swapdb.FailedSwapUpdateEvents, and, if the swap has
// a Lightning side, that side must not have a non-failed payment attempt
// outstanding (which would let a coop refund race a successful Lightning
// payment into a double-spend).
func (s *MusigSigner) eligibleForRefund(ctx context.Context,
	status swapdb.Status, lnSymbol string, hash [32]byte,
	invoice string) (bool, error) {

	if !swapdb.IsFailedSwapUpdate(status) {
		return false, nil
	}

	if lnSymbol == "" {
		return true, nil
	}

	if checker, ok := s.cfg.ClnCheckers[lnSymbol]; ok {
		exists, err := checker.CheckPayStatus(ctx, invoice)
		if err != nil {
			logger.Warnf("%v for invoice %v: %v",
				ErrClnStatusUnknownAssumeExists, invoice, err)

			return false, nil
		}

		return !exists, nil
	}

	chain, ok := s.cfg.Chains[lnSymbol]
	if !ok || chain.Lightning == nil {
		return true, nil
	}

	nonFailed, err := s.hasNonFailedLightningPayment(ctx, chain.Lightning, hash)
	if err != nil {
		return false, err
	}

	return !nonFailed, nil
}
