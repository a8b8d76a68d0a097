package nursery

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/timeout"
)

// reverseChains resolves the on-chain and Lightning currency symbols a
// reverse swap's pair/order-side combination assigns to the service's own
// lockup leg and the invoice the user pays, respectively.
func reverseChains(pair string, side timeout.OrderSide) (string, string,
	error) {

	base, quote, err := splitPair(pair)
	if err != nil {
		return "", "", err
	}

	chainSymbol, lnSymbol := base, quote
	if timeout.SideFor(side, true) == timeout.Quote {
		chainSymbol, lnSymbol = quote, base
	}

	return chainSymbol, lnSymbol, nil
}

// watchReverse (re)establishes the subscriptions a reverse swap still in a
// non-terminal status needs: confirmation of the service's own lockup,
// the hold invoice's acceptance, the swap's expiry, and, once the lockup
// is visible on-chain, a watch for the user's claim spend.
func (n *Nursery) watchReverse(ctx context.Context, id string) error {
	swp, err := n.cfg.Repo.FetchReverseSwap(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching reverse swap %s: %w", id, err)
	}

	if swp.Status == swapdb.TransactionClaimed ||
		swp.Status == swapdb.TransactionRefunded {
		return nil
	}

	d := n.reverse
	d.machineFor(id, swp.Status)

	chainSymbol, _, err := reverseChains(swp.Pair, swp.OrderSide)
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

	if swp.Status == swapdb.TransactionMempool ||
		swp.Status == swapdb.TransactionConfirmed {

		addr, err := decodeAddress(swp.LockupAddress, c.Params)
		if err != nil {
			return fmt.Errorf("decoding lockup address: %w", err)
		}

		confirmations, err := c.Client.WatchAddress(ctx, addr)
		if err != nil {
			return fmt.Errorf("watching lockup address: %w", err)
		}

		go n.relayConfirmations(ctx, d, id, confirmations)

		_, lnSymbol, err := reverseChains(swp.Pair, swp.OrderSide)
		if err != nil {
			return err
		}

		go n.watchReverseInvoice(ctx, id, lnSymbol, swp.PreimageHash)
	}

	return nil
}

func (n *Nursery) watchReverseInvoice(ctx context.Context, id, lnSymbol string,
	preimageHash lntypes.Hash) {

	d := n.reverse

	lnChain, err := n.chainFor(lnSymbol)
	if err != nil {
		logger.Errorf("%v", err)
		return
	}

	updates, err := lnChain.Lightning.SubscribeInvoice(ctx, preimageHash)
	if err != nil {
		logger.Errorf("subscribing to invoice for swap %s: %v", id, err)
		return
	}

	for update := range updates {
		select {
		case d.events <- nurseryEvent{ctx: ctx, id: id, invoice: update}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Nursery) watchReverseClaim(ctx context.Context, id, symbol string,
	outpoint wire.OutPoint) {

	d := n.reverse

	c, err := n.chainFor(symbol)
	if err != nil {
		logger.Errorf("%v", err)
		return
	}

	spends, err := c.Client.WatchOutpoint(ctx, outpoint)
	if err != nil {
		logger.Errorf("watching htlc outpoint for swap %s: %v", id, err)
		return
	}

	for tx := range spends {
		select {
		case d.events <- nurseryEvent{
			ctx: ctx, id: id, outpointSpend: tx, spentOutpoint: outpoint,
		}:
		case <-ctx.Done():
			return
		}
	}
}

// handleReverse applies ev against a reverse swap's current record: the
// service watches its own lockup confirm, watches the user accept the
// hold invoice, and either settles the invoice once the user's claim
// reveals the preimage, or actively refunds its own lockup after timeout.
func (n *Nursery) handleReverse(ev nurseryEvent, d *dispatcher) Disposition {
	ctx := ev.ctx

	swp, err := n.cfg.Repo.FetchReverseSwap(ctx, ev.id)
	if err != nil {
		logger.Errorf("fetching reverse swap %s: %v", ev.id, err)
		return classify(err)
	}

	switch {
	case ev.expired:
		return n.reverseExpire(ctx, d, swp)

	case ev.lockupSeen != nil:
		return n.reverseLockupSeen(ctx, d, swp, ev.lockupSeen)

	case ev.invoice != nil:
		return n.reverseInvoiceUpdate(ctx, d, swp, ev.invoice)

	case ev.outpointSpend != nil:
		return n.reverseClaimSeen(ctx, d, swp, ev.outpointSpend, ev.spentOutpoint)

	default:
		return Ignore
	}
}

func (n *Nursery) reverseExpire(ctx context.Context, d *dispatcher,
	swp *swapdb.ReverseSwap) Disposition {

	if swapdb.IsFailedSwapUpdate(swp.Status) {
		return Ignore
	}

	if err := d.advance(swp.ID, swp.Status, swapdb.SwapExpired); err != nil {
		return FailSwap
	}

	err := n.cfg.Repo.UpdateReverseStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.SwapExpired,
	})
	if err != nil {
		return classify(err)
	}

	chainSymbol, _, err := reverseChains(swp.Pair, swp.OrderSide)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	swp.Status = swapdb.SwapExpired
	swp.Version++

	return n.reverseRefund(ctx, d, swp, chainSymbol)
}

func (n *Nursery) reverseLockupSeen(ctx context.Context, d *dispatcher,
	swp *swapdb.ReverseSwap, conf *chainio.Confirmation) Disposition {

	chainSymbol, _, err := reverseChains(swp.Pair, swp.OrderSide)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	target := swapdb.TransactionMempool
	if conf.Confirmations > 0 {
		target = swapdb.TransactionConfirmed
	}

	if swp.Status != target && (swp.Status == swapdb.SwapCreated ||
		swp.Status == swapdb.TransactionMempool) {

		if err := d.advance(swp.ID, swp.Status, target); err != nil {
			return FailSwap
		}

		err := n.cfg.Repo.UpdateReverseStatus(
			ctx, swp.ID, swapdb.StatusUpdate{
				ExpectedVersion:  swp.Version,
				Status:           target,
				TransactionField: swapdb.TxFieldLockup,
				TransactionID:    conf.TxHash.String(),
			},
		)
		if err != nil {
			return classify(err)
		}
	}

	if d.startSpendWatch(swp.ID) {
		c, err := n.chainFor(chainSymbol)
		if err != nil {
			logger.Errorf("%v", err)
			return FailSwap
		}

		addr, err := decodeAddress(swp.LockupAddress, c.Params)
		if err != nil {
			logger.Errorf("decoding lockup address for swap %s: %v",
				swp.ID, err)
			return FailSwap
		}

		outpoint, _, err := findOutpoint(conf.Tx, addr)
		if err != nil {
			logger.Errorf("locating lockup outpoint for swap %s: %v",
				swp.ID, err)
			return FailSwap
		}

		go n.watchReverseClaim(ctx, swp.ID, chainSymbol, outpoint)
	}

	return Ignore
}

func (n *Nursery) reverseInvoiceUpdate(ctx context.Context, d *dispatcher,
	swp *swapdb.ReverseSwap, update *chainio.InvoiceUpdate) Disposition {

	if update.State != chainio.InvoiceStateAccepted {
		return Ignore
	}

	if swp.Status != swapdb.TransactionMempool &&
		swp.Status != swapdb.TransactionConfirmed {
		return Ignore
	}

	if err := d.advance(swp.ID, swp.Status, swapdb.InvoicePending); err != nil {
		return FailSwap
	}

	err := n.cfg.Repo.UpdateReverseStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.InvoicePending,
	})

	return classify(err)
}

// reverseClaimSeen extracts the preimage from the user's claim
// transaction and settles the service's own hold invoice with it, the
// step that actually makes the user's Lightning payment irrevocable.
func (n *Nursery) reverseClaimSeen(ctx context.Context, d *dispatcher,
	swp *swapdb.ReverseSwap, tx *wire.MsgTx,
	spentOutpoint wire.OutPoint) Disposition {

	if swp.Status == swapdb.TransactionClaimed {
		return Ignore
	}

	refundKey, err := n.serviceHtlcKey(ctx, swp.KeyIndex)
	if err != nil {
		logger.Errorf("deriving refund key for swap %s: %v", swp.ID, err)
		return Retry
	}

	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash, swp.ClaimPublicKey,
		refundKey.SerializeCompressed(), swp.TimeoutBlockHeight,
	)
	if err != nil {
		logger.Errorf("rebuilding htlc for swap %s: %v", swp.ID, err)
		return FailSwap
	}

	claimInput, err := swap.GetTxInputByOutpoint(tx, &spentOutpoint)
	if err != nil {
		logger.Errorf("locating claim input for swap %s: %v", swp.ID, err)
		return Ignore
	}

	preimage, ok := extractPreimage(
		swp.ScriptVersion, htlc, claimInput.Witness,
	)
	if !ok {
		return Ignore
	}

	_, lnSymbol, err := reverseChains(swp.Pair, swp.OrderSide)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	lnChain, err := n.chainFor(lnSymbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	if err := lnChain.Lightning.SettleInvoice(
		ctx, [32]byte(preimage),
	); err != nil {
		logger.Errorf("settling invoice for swap %s: %v", swp.ID, err)
		return Retry
	}

	if err := d.advance(
		swp.ID, swp.Status, swapdb.InvoiceSettled,
	); err != nil {
		return FailSwap
	}

	err = n.cfg.Repo.UpdateReverseStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.InvoiceSettled,
		Preimage:        &preimage,
	})
	if err != nil {
		return classify(err)
	}

	if err := d.advance(
		swp.ID, swapdb.InvoiceSettled, swapdb.TransactionClaimed,
	); err != nil {
		return FailSwap
	}

	err = n.cfg.Repo.UpdateReverseStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion:  swp.Version + 1,
		Status:           swapdb.TransactionClaimed,
		TransactionField: swapdb.TxFieldClaim,
		TransactionID:    tx.TxHash().String(),
	})

	return classify(err)
}

// reverseRefund actively refunds the service's own lockup once the swap
// has expired without a claim ever being seen.
func (n *Nursery) reverseRefund(ctx context.Context, d *dispatcher,
	swp *swapdb.ReverseSwap, symbol string) Disposition {

	c, err := n.chainFor(symbol)
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

	refundKey, err := n.serviceHtlcKey(ctx, swp.KeyIndex)
	if err != nil {
		logger.Errorf("deriving refund key for swap %s: %v", swp.ID, err)
		return Retry
	}

	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash, swp.ClaimPublicKey,
		refundKey.SerializeCompressed(), swp.TimeoutBlockHeight,
	)
	if err != nil {
		logger.Errorf("rebuilding htlc for swap %s: %v", swp.ID, err)
		return FailSwap
	}

	return n.sweepRefund(
		ctx, symbol, swp.ScriptVersion, htlc, outpoint,
		btcutil.Amount(value), keyLocator(swp.KeyIndex),
		swp.TimeoutBlockHeight, swapdb.TransactionRefunded,
		func(status swapdb.Status, txid string) error {
			if err := d.advance(swp.ID, swp.Status, status); err != nil {
				return err
			}

			return n.cfg.Repo.UpdateReverseStatus(
				ctx, swp.ID, swapdb.StatusUpdate{
					ExpectedVersion:  swp.Version,
					Status:           status,
					TransactionField: swapdb.TxFieldRefund,
					TransactionID:    txid,
				},
			)
		},
	)
}
