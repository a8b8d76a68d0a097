package nursery

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

// watchChain (re)establishes every subscription a chain swap still in a
// non-terminal status needs: confirmation of both legs' lockups, the
// swap's expiry, and, once the service-funded leg is visible on-chain, a
// watch for the user's claim spend on it.
func (n *Nursery) watchChain(ctx context.Context, id string) error {
	swp, err := n.cfg.Repo.FetchChainSwap(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching chain swap %s: %w", id, err)
	}

	if swp.Status == swapdb.TransactionClaimed ||
		swp.Status == swapdb.TransactionRefunded {
		return nil
	}

	d := n.chain
	d.machineFor(id, swp.Status)

	if !swapdb.IsFailedSwapUpdate(swp.Status) {
		go n.watchExpiry(ctx, swp.SendingData.Symbol, id,
			swp.SendingData.TimeoutBlockHeight, d)
	}

	if swp.Status == swapdb.TransactionWaiting ||
		swp.Status == swapdb.TransactionMempool {

		if err := n.watchChainLeg(
			ctx, d, id, swp.ReceivingData.Symbol,
			swp.ReceivingData.LockupAddress, receivingLeg,
		); err != nil {
			return err
		}
	}

	if swp.Status != swapdb.TransactionClaimed {
		if err := n.watchChainLeg(
			ctx, d, id, swp.SendingData.Symbol,
			swp.SendingData.LockupAddress, sendingLeg,
		); err != nil {
			return err
		}
	}

	return nil
}

func (n *Nursery) watchChainLeg(ctx context.Context, d *dispatcher,
	id, symbol, address string, leg chainLeg) error {

	c, err := n.chainFor(symbol)
	if err != nil {
		return err
	}

	addr, err := decodeAddress(address, c.Params)
	if err != nil {
		return fmt.Errorf("decoding lockup address: %w", err)
	}

	confirmations, err := c.Client.WatchAddress(ctx, addr)
	if err != nil {
		return fmt.Errorf("watching lockup address: %w", err)
	}

	go n.relayChainConfirmations(ctx, d, id, leg, confirmations)

	return nil
}

func (n *Nursery) relayChainConfirmations(ctx context.Context, d *dispatcher,
	id string, leg chainLeg, confirmations <-chan *chainio.Confirmation) {

	for conf := range confirmations {
		select {
		case d.events <- nurseryEvent{
			ctx: ctx, id: id, lockupSeen: conf, leg: leg,
		}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Nursery) watchChainClaim(ctx context.Context, id, symbol string,
	outpoint wire.OutPoint) {

	d := n.chain

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
			ctx: ctx, id: id, outpointSpend: tx,
			spentOutpoint: outpoint, leg: sendingLeg,
		}:
		case <-ctx.Done():
			return
		}
	}
}

// handleChain applies ev against a chain swap's current record: each leg's
// lockup is tracked independently, the service claims the user's
// receivingData lockup once the user's claim on sendingData reveals the
// preimage, and the service refunds its own sendingData lockup on timeout.
func (n *Nursery) handleChain(ev nurseryEvent, d *dispatcher) Disposition {
	ctx := ev.ctx

	swp, err := n.cfg.Repo.FetchChainSwap(ctx, ev.id)
	if err != nil {
		logger.Errorf("fetching chain swap %s: %v", ev.id, err)
		return classify(err)
	}

	switch {
	case ev.expired:
		return n.chainExpire(ctx, d, swp)

	case ev.lockupSeen != nil && ev.leg == receivingLeg:
		return n.chainReceivingLockupSeen(ctx, d, swp, ev.lockupSeen)

	case ev.lockupSeen != nil && ev.leg == sendingLeg:
		return n.chainSendingLockupSeen(ctx, d, swp, ev.lockupSeen)

	case ev.outpointSpend != nil:
		return n.chainClaimSeen(ctx, d, swp, ev.outpointSpend, ev.spentOutpoint)

	default:
		return Ignore
	}
}

func (n *Nursery) chainReceivingLockupSeen(ctx context.Context, d *dispatcher,
	swp *swapdb.ChainSwap, conf *chainio.Confirmation) Disposition {

	target := swapdb.TransactionMempool
	if conf.Confirmations > 0 {
		target = swapdb.TransactionConfirmed
	}

	if swp.Status != swapdb.TransactionWaiting &&
		swp.Status != swapdb.TransactionMempool {
		return Ignore
	}

	if swp.Status == target {
		return Ignore
	}

	if err := d.advance(swp.ID, swp.Status, target); err != nil {
		return FailSwap
	}

	err := n.cfg.Repo.UpdateChainStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion:  swp.Version,
		Status:           target,
		TransactionField: swapdb.TxFieldReceivingLockup,
		TransactionID:    conf.TxHash.String(),
	})

	return classify(err)
}

// chainSendingLockupSeen only tracks confirmation of the service's own
// lockup far enough to compute its outpoint; it never advances the
// combined status, which is driven by the receivingData leg.
func (n *Nursery) chainSendingLockupSeen(ctx context.Context, d *dispatcher,
	swp *swapdb.ChainSwap, conf *chainio.Confirmation) Disposition {

	if !d.startSpendWatch(swp.ID) {
		return Ignore
	}

	c, err := n.chainFor(swp.SendingData.Symbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	addr, err := decodeAddress(swp.SendingData.LockupAddress, c.Params)
	if err != nil {
		logger.Errorf("decoding sending lockup address for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	outpoint, _, err := findOutpoint(conf.Tx, addr)
	if err != nil {
		logger.Errorf("locating sending outpoint for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	go n.watchChainClaim(ctx, swp.ID, swp.SendingData.Symbol, outpoint)

	return Ignore
}

// chainClaimSeen extracts the preimage from the user's claim on
// sendingData and uses it to claim the service's own receivingData
// lockup, completing the swap.
func (n *Nursery) chainClaimSeen(ctx context.Context, d *dispatcher,
	swp *swapdb.ChainSwap, tx *wire.MsgTx,
	spentOutpoint wire.OutPoint) Disposition {

	if swp.Status == swapdb.TransactionClaimed {
		return Ignore
	}

	sendingRefundKey, err := n.serviceHtlcKey(ctx, swp.SendingData.KeyIndex)
	if err != nil {
		logger.Errorf("deriving sending refund key for swap %s: %v",
			swp.ID, err)
		return Retry
	}

	sendingHtlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash,
		swp.SendingData.CounterpartyPublicKey,
		sendingRefundKey.SerializeCompressed(),
		swp.SendingData.TimeoutBlockHeight,
	)
	if err != nil {
		logger.Errorf("rebuilding sending htlc for swap %s: %v", swp.ID, err)
		return FailSwap
	}

	// The spend may carry more than one input; find the one that actually
	// spends the watched lockup outpoint rather than assuming it is the
	// transaction's first input.
	claimInput, err := swap.GetTxInputByOutpoint(tx, &spentOutpoint)
	if err != nil {
		logger.Errorf("locating claim input for swap %s: %v", swp.ID, err)
		return Ignore
	}

	preimage, ok := extractPreimage(
		swp.ScriptVersion, sendingHtlc, claimInput.Witness,
	)
	if !ok {
		return Ignore
	}

	err = n.cfg.Repo.UpdateChainStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion:  swp.Version,
		Status:           swp.Status,
		Preimage:         &preimage,
		TransactionField: swapdb.TxFieldSendingClaim,
		TransactionID:    tx.TxHash().String(),
	})
	if err != nil {
		return classify(err)
	}

	c, err := n.chainFor(swp.ReceivingData.Symbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	addr, err := decodeAddress(swp.ReceivingData.LockupAddress, c.Params)
	if err != nil {
		logger.Errorf("decoding receiving lockup address for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	confirmations, err := c.Client.WatchAddress(ctx, addr)
	if err != nil {
		logger.Errorf("re-watching receiving lockup address for swap %s: %v",
			swp.ID, err)
		return Retry
	}

	conf, ok := <-confirmations
	if !ok {
		return Retry
	}

	outpoint, value, err := findOutpoint(conf.Tx, addr)
	if err != nil {
		logger.Errorf("locating receiving outpoint for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	receivingClaimKey, err := n.serviceHtlcKey(ctx, swp.ReceivingData.KeyIndex)
	if err != nil {
		logger.Errorf("deriving receiving claim key for swap %s: %v",
			swp.ID, err)
		return Retry
	}

	receivingHtlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash,
		receivingClaimKey.SerializeCompressed(),
		swp.ReceivingData.CounterpartyPublicKey,
		swp.ReceivingData.TimeoutBlockHeight,
	)
	if err != nil {
		logger.Errorf("rebuilding receiving htlc for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	return n.sweepClaim(
		ctx, swp.ReceivingData.Symbol, swp.ScriptVersion, receivingHtlc,
		outpoint, btcutil.Amount(value), preimage,
		keyLocator(swp.ReceivingData.KeyIndex), swapdb.TransactionClaimed,
		func(status swapdb.Status, txid string) error {
			if err := d.advance(swp.ID, swp.Status, status); err != nil {
				return err
			}

			return n.cfg.Repo.UpdateChainStatus(
				ctx, swp.ID, swapdb.StatusUpdate{
					ExpectedVersion:  swp.Version + 1,
					Status:           status,
					TransactionField: swapdb.TxFieldReceivingClaim,
					TransactionID:    txid,
				},
			)
		},
	)
}

// chainExpire refunds the service's own sendingData lockup once the swap
// has expired without the user ever claiming it; the user's own
// receivingData lockup is refundable only by the user (cooperatively or
// via its own script-path timeout), not by the nursery.
func (n *Nursery) chainExpire(ctx context.Context, d *dispatcher,
	swp *swapdb.ChainSwap) Disposition {

	if swapdb.IsFailedSwapUpdate(swp.Status) {
		return Ignore
	}

	if err := d.advance(swp.ID, swp.Status, swapdb.SwapExpired); err != nil {
		return FailSwap
	}

	err := n.cfg.Repo.UpdateChainStatus(ctx, swp.ID, swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.SwapExpired,
	})
	if err != nil {
		return classify(err)
	}

	swp.Status = swapdb.SwapExpired
	swp.Version++

	c, err := n.chainFor(swp.SendingData.Symbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	addr, err := decodeAddress(swp.SendingData.LockupAddress, c.Params)
	if err != nil {
		logger.Errorf("decoding sending lockup address for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	confirmations, err := c.Client.WatchAddress(ctx, addr)
	if err != nil {
		logger.Errorf("re-watching sending lockup address for swap %s: %v",
			swp.ID, err)
		return Retry
	}

	conf, ok := <-confirmations
	if !ok {
		return Retry
	}

	outpoint, value, err := findOutpoint(conf.Tx, addr)
	if err != nil {
		logger.Errorf("locating sending outpoint for swap %s: %v",
			swp.ID, err)
		return FailSwap
	}

	sendingRefundKey, err := n.serviceHtlcKey(ctx, swp.SendingData.KeyIndex)
	if err != nil {
		logger.Errorf("deriving sending refund key for swap %s: %v",
			swp.ID, err)
		return Retry
	}

	htlc, err := rebuildHtlc(
		swp.ScriptVersion, swp.PreimageHash,
		swp.SendingData.CounterpartyPublicKey,
		sendingRefundKey.SerializeCompressed(),
		swp.SendingData.TimeoutBlockHeight,
	)
	if err != nil {
		logger.Errorf("rebuilding sending htlc for swap %s: %v", swp.ID, err)
		return FailSwap
	}

	return n.sweepRefund(
		ctx, swp.SendingData.Symbol, swp.ScriptVersion, htlc, outpoint,
		btcutil.Amount(value), keyLocator(swp.SendingData.KeyIndex),
		swp.SendingData.TimeoutBlockHeight, swapdb.TransactionRefunded,
		func(status swapdb.Status, txid string) error {
			if err := d.advance(swp.ID, swp.Status, status); err != nil {
				return err
			}

			return n.cfg.Repo.UpdateChainStatus(
				ctx, swp.ID, swapdb.StatusUpdate{
					ExpectedVersion:  swp.Version,
					Status:           status,
					TransactionField: swapdb.TxFieldSendingRefund,
					TransactionID:    txid,
				},
			)
		},
	)
}
