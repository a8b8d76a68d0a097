// Package nursery implements the SwapNursery: the long-running reactor
// that watches chain and Lightning state on behalf of every open swap and
// drives its status through the DAG in swapdb, broadcasting the service's
// own claim/refund transactions where it is the party entitled to do so.
package nursery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/fsm"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/sweep"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
)

// eventBacklog is the per-kind dispatch channel's buffer: generous enough
// that a burst of confirmations across many swaps of the same kind never
// blocks the chain-client callback delivering them.
const eventBacklog = 256

// Chain bundles the collaborators the nursery needs to watch and sweep one
// currency's leg, mirroring builder.Chain so both components are
// configured from the same shape.
type Chain struct {
	Params    *chaincfg.Params
	Client    chainio.ChainClient
	Lightning chainio.LightningClient
}

// Config wires every external collaborator the SwapNursery depends on.
type Config struct {
	Repo   swapdb.Repository
	Signer lnwallet.Signer

	// Addresses derives the destination address the nursery sweeps its
	// own claim/refund transactions to.
	Addresses lnwallet.AddressSource

	// Chains maps a currency symbol to the collaborators needed to
	// watch and broadcast on that currency's chain.
	Chains map[string]Chain

	// SweepConfTarget is the confirmation target used to fee-rate claim
	// and refund transactions.
	SweepConfTarget int32

	// ExpiryPollInterval overrides how often watchExpiry polls a chain's
	// height. Defaults to 30 seconds when zero; tests shorten it to
	// observe expiry without a real wait.
	ExpiryPollInterval time.Duration
}

// Nursery is the SwapNursery (C7): it subscribes to chain and Lightning
// state for every open swap, drives each swap's status through the DAG in
// swapdb, and broadcasts the service's own script-path claim/refund
// transactions.
type Nursery struct {
	cfg     Config
	sweeper *sweep.Sweeper

	submarine *dispatcher
	reverse   *dispatcher
	chain     *dispatcher
}

// dispatcher is the single reactor for one swap kind: a buffered event
// channel drained by exactly one goroutine holding kindMu for the duration
// of each event, plus the in-memory fsm.StateMachine for every swap of
// that kind currently being watched.
type dispatcher struct {
	kind   swap.Kind
	states fsm.States

	kindMu sync.Mutex

	mu       sync.Mutex
	machines map[string]*fsm.StateMachine

	// watchingSpend tracks which swap ids already have an outpoint-spend
	// watch running, so a lockup confirmation delivered more than once
	// (e.g. mempool then confirmed) doesn't spawn a duplicate watcher.
	watchingSpend map[string]bool

	events chan nurseryEvent
}

// startSpendWatch reports whether id's outpoint-spend watch still needs
// to be started, atomically marking it started if so.
func (d *dispatcher) startSpendWatch(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watchingSpend[id] {
		return false
	}
	d.watchingSpend[id] = true

	return true
}

func newDispatcher(kind swap.Kind) *dispatcher {
	states := fsm.States{}
	for status, nexts := range swapdb.TransitionsFor(kind) {
		transitions := fsm.Transitions{}
		for _, next := range nexts {
			transitions[fsm.EventType(next)] = fsm.StateType(next)
		}

		states[fsm.StateType(status)] = fsm.State{
			Action:      fsm.NoOpAction,
			Transitions: transitions,
		}
	}

	return &dispatcher{
		kind:          kind,
		states:        states,
		machines:      make(map[string]*fsm.StateMachine),
		watchingSpend: make(map[string]bool),
		events:        make(chan nurseryEvent, eventBacklog),
	}
}

// machineFor returns id's in-memory state machine, parking a fresh one at
// current if this is the first event seen for id (a freshly created swap,
// or one rehydrated during Recover).
func (d *dispatcher) machineFor(id string, current swapdb.Status) *fsm.StateMachine {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.machines[id]
	if !ok {
		m = fsm.NewStateMachineWithState(d.states, fsm.StateType(current))
		d.machines[id] = m
	}

	return m
}

// advance applies the transition to target on id's machine, honoring the
// idempotence rule (spec.md §4.3): re-delivering an event whose target
// equals the machine's current state is a no-op, checked before
// SendEvent rather than relying on fsm's own rejection path, which would
// otherwise require a self-loop transition at every node.
func (d *dispatcher) advance(id string, current, target swapdb.Status) error {
	m := d.machineFor(id, current)

	if m.CurrentState() == fsm.StateType(target) {
		return nil
	}

	if err := m.SendEvent(fsm.EventType(target), nil); err != nil {
		return fmt.Errorf("%s -> %s: %w", current, target,
			fsm.ErrEventRejected)
	}

	logger.Infof("swap %s: %s -> %s", id, current, target)

	return nil
}

// nurseryEvent is one unit of dispatch work: an observation about a
// specific swap, keyed by id, that the kind's dispatcher goroutine applies
// under its lock.
type nurseryEvent struct {
	ctx context.Context
	id  string

	lockupSeen    *chainio.Confirmation
	outpointSpend *wire.MsgTx
	spentOutpoint wire.OutPoint
	invoice       *chainio.InvoiceUpdate
	payment       *chainio.PaymentUpdate
	expired       bool

	// leg discriminates which side of a chain swap an event concerns;
	// unused for submarine and reverse swaps, which have only one leg.
	leg chainLeg
}

// chainLeg identifies one side of a ChainSwap record.
type chainLeg int

const (
	sendingLeg chainLeg = iota
	receivingLeg
)

// New returns a Nursery wired against cfg.
func New(cfg Config) *Nursery {
	return &Nursery{
		cfg:       cfg,
		sweeper:   sweep.New(cfg.Signer),
		submarine: newDispatcher(swap.Submarine),
		reverse:   newDispatcher(swap.Reverse),
		chain:     newDispatcher(swap.Chain),
	}
}

// Run starts the three per-kind dispatcher goroutines. It blocks until ctx
// is done.
func (n *Nursery) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, d := range []*dispatcher{n.submarine, n.reverse, n.chain} {
		wg.Add(1)

		go func(d *dispatcher) {
			defer wg.Done()
			n.runDispatcher(ctx, d)
		}(d)
	}

	wg.Wait()
}

// runDispatcher drains d.events until ctx is done, holding d.kindMu for
// the duration of each event's handling so a kind's events are processed
// as a totally ordered log (spec.md §4.3 "serialization").
func (n *Nursery) runDispatcher(ctx context.Context, d *dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-d.events:
			d.kindMu.Lock()
			disposition := n.handle(ev, d)
			d.kindMu.Unlock()

			switch disposition {
			case Retry:
				logger.Warnf("retrying event for swap %s", ev.id)
				go func() {
					select {
					case d.events <- ev:
					case <-ctx.Done():
					}
				}()
			case FailSwap:
				logger.Errorf("swap %s cannot progress, "+
					"abandoning event", ev.id)
			}
		}
	}
}

// handle dispatches ev to the kind-specific handler.
func (n *Nursery) handle(ev nurseryEvent, d *dispatcher) Disposition {
	switch d.kind {
	case swap.Submarine:
		return n.handleSubmarine(ev, d)
	case swap.Reverse:
		return n.handleReverse(ev, d)
	default:
		return n.handleChain(ev, d)
	}
}

// Recover loads every non-terminal swap of every kind from the repository
// and re-establishes its watches, so a process restart resumes every open
// swap exactly where it left off (SPEC_FULL.md §4.3's supplemented
// recovery bootstrap).
func (n *Nursery) Recover(ctx context.Context) error {
	for _, kind := range []swap.Kind{swap.Submarine, swap.Reverse, swap.Chain} {
		ids, err := n.cfg.Repo.FetchNonTerminal(ctx, kind)
		if err != nil {
			return fmt.Errorf("fetching non-terminal %s swaps: %w",
				kind, err)
		}

		for _, id := range ids {
			if err := n.watch(ctx, kind, id); err != nil {
				logger.Errorf("resuming %s swap %s: %v",
					kind, id, err)
			}
		}
	}

	return nil
}

// Watch begins observing a freshly created swap, called by the builder
// (or Recover, for a resumed one) once its record is persisted.
func (n *Nursery) Watch(ctx context.Context, kind swap.Kind, id string) error {
	return n.watch(ctx, kind, id)
}

func (n *Nursery) watch(ctx context.Context, kind swap.Kind, id string) error {
	switch kind {
	case swap.Submarine:
		return n.watchSubmarine(ctx, id)
	case swap.Reverse:
		return n.watchReverse(ctx, id)
	default:
		return n.watchChain(ctx, id)
	}
}

func (n *Nursery) dispatcherFor(kind swap.Kind) *dispatcher {
	switch kind {
	case swap.Submarine:
		return n.submarine
	case swap.Reverse:
		return n.reverse
	default:
		return n.chain
	}
}

// Lock acquires the same per-kind mutex runDispatcher holds while driving
// that kind's state machines, and returns a function that releases it. A
// cooperative signing callback must hold this lock for as long as a state
// transition would, since both read and write the same swap record.
func (n *Nursery) Lock(kind swap.Kind) func() {
	d := n.dispatcherFor(kind)
	d.kindMu.Lock()
	return d.kindMu.Unlock
}

func (n *Nursery) chainFor(symbol string) (Chain, error) {
	c, ok := n.cfg.Chains[symbol]
	if !ok {
		return Chain{}, fmt.Errorf("no chain configured for %s", symbol)
	}

	return c, nil
}

// sweepDest derives a fresh destination address for a claim/refund sweep
// on symbol's chain.
func (n *Nursery) sweepDest(ctx context.Context, symbol string,
	version swap.ScriptVersion) (btcutil.Address, error) {

	c, err := n.chainFor(symbol)
	if err != nil {
		return nil, err
	}

	addrStr, _, err := n.cfg.Addresses.NewAddress(ctx, version == swap.Taproot)
	if err != nil {
		return nil, fmt.Errorf("deriving sweep destination: %w", err)
	}

	addr, err := btcutil.DecodeAddress(addrStr, c.Params)
	if err != nil {
		return nil, fmt.Errorf("decoding sweep destination: %w", err)
	}

	return addr, nil
}

// sweepFeeRate asks symbol's chain client for a fee rate usable to confirm
// a sweep within n.cfg.SweepConfTarget blocks.
func (n *Nursery) sweepFeeRate(ctx context.Context,
	symbol string) (btcutil.Amount, error) {

	c, err := n.chainFor(symbol)
	if err != nil {
		return 0, err
	}

	return c.Client.EstimateFee(ctx, uint32(n.cfg.SweepConfTarget))
}

// rebuildHtlc reconstructs the HtlcScript a builder created at swap
// creation time from its persisted keys, used by Recover and by handlers
// that need the locking script again after a restart rather than
// re-deriving it from the raw RedeemScript bytes.
func rebuildHtlc(version swap.ScriptVersion, preimageHash lntypes.Hash,
	claimKey, refundKey []byte, cltvExpiry uint32) (swap.HtlcScript, error) {

	claim, err := btcec.ParsePubKey(claimKey)
	if err != nil {
		return nil, fmt.Errorf("parsing claim key: %w", err)
	}

	refund, err := btcec.ParsePubKey(refundKey)
	if err != nil {
		return nil, fmt.Errorf("parsing refund key: %w", err)
	}

	return swap.NewHtlcScript(version, preimageHash, claim, refund, cltvExpiry)
}

func isVersionConflict(err error) bool {
	return errors.Is(err, swapdb.ErrVersionConflict)
}

// splitPair decomposes a "BASE/QUOTE" pair identifier, mirrored from the
// builder's own helper since a record only carries the pair string, not
// its two symbols separately.
func splitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", swapderrors.New(swapderrors.CodePairNotFound, pair)
	}

	return parts[0], parts[1], nil
}

// watchExpiry polls symbol's chain height until it reaches timeoutHeight or
// ctx is done, then enqueues an expiry event for id. Block height has no
// push subscription in chainio.ChainClient, so this polls rather than
// blocking on a channel.
func (n *Nursery) watchExpiry(ctx context.Context, symbol, id string,
	timeoutHeight uint32, d *dispatcher) {

	c, err := n.chainFor(symbol)
	if err != nil {
		logger.Errorf("watching expiry for swap %s: %v", id, err)
		return
	}

	interval := n.cfg.ExpiryPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			height, err := c.Client.BlockHeight(ctx)
			if err != nil {
				logger.Warnf("polling %s height for swap %s: %v",
					symbol, id, err)
				continue
			}

			if height < timeoutHeight {
				continue
			}

			select {
			case d.events <- nurseryEvent{ctx: ctx, id: id, expired: true}:
			case <-ctx.Done():
			}

			return
		}
	}
}

// decodeAddress parses address against params, used to rebuild the
// btcutil.Address a stored LockupAddress string represents for
// ChainClient.WatchAddress.
func decodeAddress(address string, params *chaincfg.Params) (btcutil.Address,
	error) {

	return btcutil.DecodeAddress(address, params)
}

// findOutpoint locates the output in tx paying address, used to turn an
// observed lockup transaction into the outpoint a claim or refund spends.
func findOutpoint(tx *wire.MsgTx, address btcutil.Address) (wire.OutPoint,
	int64, error) {

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return wire.OutPoint{}, 0, fmt.Errorf(
			"encoding lockup address: %w", err)
	}

	outpoint, value, err := swap.GetScriptOutput(tx, pkScript)
	if err != nil {
		return wire.OutPoint{}, 0, fmt.Errorf(
			"no output in %s pays lockup address", tx.TxHash())
	}

	return *outpoint, int64(value), nil
}

// sweepClaim builds, signs, and broadcasts a claim transaction sweeping
// outpoint's value to the service's own address using preimage, then
// persists the resulting status and transaction id via persist. Shared by
// every swap kind's active-claim path.
func (n *Nursery) sweepClaim(ctx context.Context, symbol string,
	version swap.ScriptVersion, htlc swap.HtlcScript,
	outpoint wire.OutPoint, value btcutil.Amount,
	preimage lntypes.Preimage, keyLoc keychain.KeyLocator,
	claimedStatus swapdb.Status,
	persist func(status swapdb.Status, txid string) error) Disposition {

	c, err := n.chainFor(symbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	dest, err := n.sweepDest(ctx, symbol, version)
	if err != nil {
		logger.Errorf("deriving claim destination: %v", err)
		return Retry
	}

	feeRate, err := n.sweepFeeRate(ctx, symbol)
	if err != nil {
		logger.Errorf("estimating claim fee rate: %v", err)
		return Retry
	}

	tx, err := n.sweeper.ClaimTx(
		ctx, version, htlc, outpoint, value, preimage, keyLoc, dest,
		chainfeeRate(feeRate),
	)
	if err != nil {
		logger.Errorf("building claim transaction: %v", err)
		return FailSwap
	}

	if err := c.Client.BroadcastTransaction(ctx, tx); err != nil {
		logger.Errorf("broadcasting claim transaction: %v", err)
		return Retry
	}

	err = persist(claimedStatus, tx.TxHash().String())

	return classify(err)
}

// sweepRefund is sweepClaim's timeout-branch counterpart: it spends
// outpoint back to the service's own address once htlc's CLTV has
// passed, used only by the leg the service itself funded (a reverse
// swap's single leg, or a chain swap's sendingData leg).
func (n *Nursery) sweepRefund(ctx context.Context, symbol string,
	version swap.ScriptVersion, htlc swap.HtlcScript,
	outpoint wire.OutPoint, value btcutil.Amount,
	keyLoc keychain.KeyLocator, timeoutHeight uint32,
	refundedStatus swapdb.Status,
	persist func(status swapdb.Status, txid string) error) Disposition {

	c, err := n.chainFor(symbol)
	if err != nil {
		logger.Errorf("%v", err)
		return FailSwap
	}

	dest, err := n.sweepDest(ctx, symbol, version)
	if err != nil {
		logger.Errorf("deriving refund destination: %v", err)
		return Retry
	}

	feeRate, err := n.sweepFeeRate(ctx, symbol)
	if err != nil {
		logger.Errorf("estimating refund fee rate: %v", err)
		return Retry
	}

	tx, err := n.sweeper.RefundTx(
		ctx, version, htlc, outpoint, value, keyLoc, dest, timeoutHeight,
		chainfeeRate(feeRate),
	)
	if err != nil {
		logger.Errorf("building refund transaction: %v", err)
		return FailSwap
	}

	if err := c.Client.BroadcastTransaction(ctx, tx); err != nil {
		logger.Errorf("broadcasting refund transaction: %v", err)
		return Retry
	}

	err = persist(refundedStatus, tx.TxHash().String())

	return classify(err)
}

// keyLocator reconstructs the keychain.KeyLocator the builder derived the
// service's side of an HTLC from, stored on the record as a bare index in
// swap.KeyFamily.
func keyLocator(index uint32) keychain.KeyLocator {
	return keychain.KeyLocator{Family: swap.KeyFamily, Index: index}
}

// chainfeeRate adapts chainio.ChainClient.EstimateFee's btcutil.Amount
// sat/kw result to the chainfee.SatPerKWeight type sweep.Sweeper expects.
func chainfeeRate(amt btcutil.Amount) chainfee.SatPerKWeight {
	return chainfee.SatPerKWeight(amt)
}

// extractPreimage reads the preimage out of a claim transaction's witness,
// which reveals it in a different slot depending on script version: index
// 1 for a legacy P2WSH claim, index 0 for a taproot script-path claim.
func extractPreimage(version swap.ScriptVersion,
	htlc swap.HtlcScript, witness wire.TxWitness) (lntypes.Preimage, bool) {

	if !htlc.IsSuccessWitness(witness) {
		return lntypes.Preimage{}, false
	}

	idx := 1
	if version == swap.Taproot {
		idx = 0
	}

	var preimage lntypes.Preimage
	copy(preimage[:], witness[idx])

	return preimage, true
}

// serviceHtlcKey re-derives the service's own public key at index, used to
// rebuild an HtlcScript after a restart from the keyIndex persisted at
// creation time rather than re-deriving a fresh one.
func (n *Nursery) serviceHtlcKey(ctx context.Context,
	index uint32) (*btcec.PublicKey, error) {

	desc, err := n.cfg.Signer.DeriveKey(ctx, keyLocator(index))
	if err != nil {
		return nil, fmt.Errorf("deriving key at index %d: %w", index, err)
	}

	return desc.PubKey, nil
}
