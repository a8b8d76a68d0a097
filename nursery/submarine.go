package nursery

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/timeout"
)

// submarineChains resolves the on-chain and Lightning currency symbols a
// submarine swap's pair/order-side combination assigns to the user's
// lockup leg and the invoice the service pays, respectively.
func submarineChains(pair string, side timeout.OrderSide) (string, string,
	error) {

	base, quote, err := splitPair(pair)
	if err != nil {
		return "", "", err
	}

	chainSymbol, lnSymbol := base, quote
	if timeout.SideFor(side, false) == timeout.Quote {
		chainSymbol, lnSymbol = quote, base
	}

	return chainSymbol, lnSymbol, nil
}

// watchSubmarine (re)establishes every subscription a submarine swap still
// in a non-terminal status needs: the lockup address until the user funds
// it, the swap's own expiry height, and, once the lockup is seen, the
// outgoing Lightning payment the service makes against the user's invoice.
func (n *Nursery) watchSubmarine(ctx context.Context, id string) error {
	swp, err := n.cfg.Repo.FetchSubmarineSwap(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching submarine swap %s: %w", id, err)
	}

	if swp.Status == swapdb.TransactionClaimed ||
		swp.Status == swapdb.TransactionRefunded {
		return nil
	}

	d := n.submarine
	d.machineFor(id, swp.Status)

	chainSymbol, _, err := submarineChains(swp.Pair, swp.OrderSide)
	if err != nil {
		return err
	}

	c, err := n.chainFor(chainSymbol)
	if err != nil {
		return err
	}

	if !swapdb.IsFailedSwapUpdate(swp.Status) {
		go n.watchExpiry(ctx, chainSymbol, id, swp.TimeoutBlockHeight, d)
	}

	switch swp.Status {
	case swapdb.SwapCreated, swapdb.TransactionLockupFailed:
		addr, err := decodeAddress(swp.LockupAddress, c.Params)
		if err != nil {
			return fmt.Errorf("decoding lockup address: %w", err)
		}

		confirmations, err := c.Client.WatchAddress(ctx, addr)
		if err != nil {
			return fmt.Errorf("watching lockup address: %w", err)
		}

		go n.relayConfirmations(ctx, d, id, confirmations)

	case swapdb.TransactionMempool, swapdb.TransactionConfirmed:
		go n.watchSubmarinePayment(ctx, id, swp.Invoice, swp.PreimageHash)

	case swapdb.InvoicePaid:
		select {
		case d.events <- (nurseryEvent{ctx: ctx, id: id}):
		case <-ctx.Done():
		}
	}

	return nil
}

func (n *Nursery) relayConfirmations(ctx context.Context, d *dispatcher,
	id string, confirmations <-chan *chainio.Confirmation) {

	for conf := range confirmations {
		select {
		case d.events <- nurseryEvent{ctx: ctx, id: id, lockupSeen: conf}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Nursery) watchSubmarinePayment(ctx context.Context, id, invoice string,
	preimageHash lntypes.Hash) {

	d := n.submarine

	swp, err := n.cfg.Repo.FetchSubmarineSwap(ctx, id)
	if err != nil {
		logger.Errorf("fetching submarine swap %s for payment tracking: %v",
			id, err)
		return
	}

	_, lnSymbol, err := submarineChains(swp.Pair, swp.OrderSide)
	if err != nil {
		logger.Errorf("resolving chains for swap %s: %v", id, err)
		return
	}

	lnChain, err := n.chainFor(lnSymbol)
	if err != nil {
		logger.Errorf("%v", err)
		return
	}

	if err := lnChain.Lightning.SendPayment(ctx, invoice, 0); err != nil {
		logger.Warnf("sending payment for swap %s: %v", id, err)
	}

	updates, err := lnChain.Lightning.TrackPayment(ctx, preimageHash)
	if err != nil {
		logger.Errorf("tracking payment for swap %s: %v", id, err)
		return
	}

	for update := range updates {
		select {
		case d.events <- nurseryEvent{ctx: ctx, id: id, payment: update}:
		case <-ctx.Done():
			return
		}

		if update.State == chainio.PaymentStateSucceeded ||
			update.State == chainio.PaymentStateFailed {
			return
		}
	}
}

// handleSubmarine applies ev against a submarine swap's current record,
// the service's half of the two-party state machine: the service pays the
// user's invoice once the lockup is seen, then actively claims the lockup
// with the resulting preimage.
func (n *Nursery) handleSubmarine(ev nurseryEvent, d *dispatcher) Disposition {
	ctx := ev.ctx

	swp, err := n.cfg.Repo.FetchSubmarineSwap(ctx, ev.id)
	if err != nil {
		logger.Errorf("fetching submarine swap %s: %v", ev.id, err)
		return classify(err)
	}

	switch {
	case ev.expired:
		return n.submarineExpire(ctx, d, swp)

	case ev.lockupSeen != nil:
		return n.submarineLockupSeen(ctx, d, swp, ev.lockupSeen)

	case ev.payment != nil:
		return n.submarinePaymentUpdate(ctx, d, swp, ev.payment)

	default:
		return n.submarineClaim(ctx, d, swp)
	}
}

func (n *Nursery) submarineExpire(ctx context.Context, d *dispatcher,
	swp *swapdb.SubmarineSwap) Disposition {

	if swapdb.IsFailedSwapUpdate(swp.Status) {
		return Ignore
	}

	if err := d.advance(swp.ID, swp.Status, swapdb.SwapExpired); err != nil {
		return FailSwap
	}

	err := n.cfg.Repo.UpdateSubmarineStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.SwapExpired,
	})

	return classify(err)
}

func (n *Nursery) submarineLockupSeen(ctx context.Context, d *dispatcher,
	swp *swapdb.SubmarineSwap, conf *chainio.Confirmation) Disposition {

	target := swapdb.TransactionMempool
	if conf.Confirmations > 0 {
		target = swapdb.TransactionConfirmed
	}

	if swp.Status == target {
		return Ignore
	}

	if err := d.advance(swp.ID, swp.Status, target); err != nil {
		return FailSwap
	}

	err := n.cfg.Repo.UpdateSubmarineStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion:  swp.Version,
		Status:           target,
		TransactionField: swapdb.TxFieldLockup,
		TransactionID:    conf.TxHash.String(),
	})
	if err != nil {
		return classify(err)
	}

	go n.watchSubmarinePayment(ctx, swp.ID, swp.Invoice, swp.PreimageHash)

	return Ignore
}

func (n *Nursery) submarinePaymentUpdate(ctx context.Context, d *dispatcher,
	swp *swapdb.SubmarineSwap, update *chainio.PaymentUpdate) Disposition {

	switch update.State {
	case chainio.PaymentStateFailed:
		if err := d.advance(
			swp.ID, swp.Status, swapdb.InvoiceFailedToPay,
		); err != nil {
			return FailSwap
		}

		err := n.cfg.Repo.UpdateSubmarineStatus(
			ctx, swp.ID, swapdb.StatusUpdate{
				ExpectedVersion: swp.Version,
				Status:          swapdb.InvoiceFailedToPay,
			},
		)

		return classify(err)

	case chainio.PaymentStateSucceeded:
		if err := d.advance(swp.ID, swp.Status, swapdb.InvoicePaid); err != nil {
			return FailSwap
		}

		preimage := lntypes.Preimage(update.Preimage)

		err := n.cfg.Repo.UpdateSubmarineStatus(
			ctx, swp.ID, swapdb.StatusUpdate{
				ExpectedVersion: swp.Version,
				Status:          swapdb.InvoicePaid,
				Preimage:        &preimage,
			},
		)
		if err != nil {
			return classify(err)
		}

		select {
		case d.events <- nurseryEvent{ctx: ctx, id: swp.ID}:
		case <-ctx.Done():
		}

		return Ignore

	default:
		return Ignore
	}
}

// submarineClaim sweeps the user's lockup to the service's own address
// once the invoice has been paid and the resulting preimage recorded.
func (n *Nursery) submarineClaim(ctx context.Context, d *dispatcher,
	swp *swapdb.SubmarineSwap) Disposition {

	if swp.Status != swapdb.InvoicePaid || swp.Preimage == nil {
		return Ignore
	}

	chainSymbol, _, err := submarineChains(swp.Pair, swp.OrderSide)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	c, err := n.chainFor(chainSymbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	addr, err := decodeAddress(swp.LockupAddress, c.Params)
	if err != nil {
		logger.Errorf("decoding lockup address for swap %s: %v", swp.ID, err)
		return FailSwap
	}

	confirmations, err := c.Client.WatchAddress(ctx, addr)
	if err != nil {
		logger.Errorf("re-watching lockup address for swap %s: %v",
			swp.ID, err)
		return Retry
	}

	conf, ok := <-confirmations
	if !ok {
		return Retry
	}

	outpoint, value, err := findOutpoint(conf.Tx, addr)
	if err != nil {
		logger.Errorf("locating lockup outpoint for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	claimKey, err := n.serviceHtlcKey(ctx, swp.KeyIndex)
	if err != nil {
		logger.Errorf("deriving claim key for swap %s: %v", swp.ID, err)
		return Retry
	}

	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash, claimKey.SerializeCompressed(),
		swp.RefundPublicKey, swp.TimeoutBlockHeight,
	)
	if err != nil {
		logger.Errorf("rebuilding htlc for swap %s: %v", swp.ID, err)
		return FailSwap
	}

	return n.sweepClaim(
		ctx, chainSymbol, swp.ScriptVersion, htlc, outpoint,
		btcutil.Amount(value), *swp.Preimage, keyLocator(swp.KeyIndex),
		swapdb.TransactionClaimed,
		func(status swapdb.Status, txid string) error {
			if err := d.advance(swp.ID, swp.Status, status); err != nil {
				return err
			}

			return n.cfg.Repo.UpdateSubmarineStatus(
				ctx, swp.ID, swapdb.StatusUpdate{
					ExpectedVersion:  swp.Version,
					Status:           status,
					TransactionField: swapdb.TxFieldClaim,
					TransactionID:    txid,
				},
			)
		},
	)
}
