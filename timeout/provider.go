// Package timeout implements the swap coordination core's timeout-delta
// calculator: it couples on-chain block timeouts with Lightning CLTV so
// that, in every adversarial ordering, the honest party can always recover
// either via preimage claim or via refund.
package timeout

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/swapd-project/swapd/blocktime"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/swapderrors"
)

// Side identifies which side of a trading pair a currency plays.
type Side uint8

const (
	// Base is the left-hand currency of a pair, e.g. BTC in "BTC/BTC".
	Base Side = iota

	// Quote is the right-hand currency of a pair.
	Quote
)

// OrderSide mirrors the external API's BUY/SELL order side, used to decide
// which side of a pair a swap's on-chain leg settles against.
type OrderSide uint8

const (
	Buy OrderSide = iota
	Sell
)

// routingOffset is added, in minutes, to the route-probed expiry to absorb
// clock skew and processing delay before the chain-side timeout must be
// set.
const routingOffset = 60

// cltvSafetyMargin is subtracted, in Lightning blocks, from the computed
// CLTV limit to leave room for in-flight blocks between the query and the
// payment attempt.
const cltvSafetyMargin = 2

// DefaultMaxParts is the maximum number of partial payments a sender will
// split an MPP payment into, mirroring the typical Lightning client
// default used to size routability probes.
const DefaultMaxParts = 16

// PairTimeoutBlocksDelta holds the three timeout quantities tracked for one
// side of a trading pair, all expressed in blocks on that side's chain.
type PairTimeoutBlocksDelta struct {
	// Reverse is the timeout applied to the service's own on-chain leg
	// of a reverse swap.
	Reverse uint32

	// SwapMinimal is the minimum acceptable on-chain timeout for a
	// user-facing swap leg.
	SwapMinimal uint32

	// SwapMaximal is the maximum acceptable on-chain timeout for a
	// user-facing swap leg, and the CLTV budget handed to routability
	// probes.
	SwapMaximal uint32
}

// Kind distinguishes submarine/reverse/chain swaps for getTimeout, without
// depending on the swap package (kept dependency-free so config loading
// doesn't need wallet/chain types).
type Kind uint8

const (
	KindSubmarine Kind = iota
	KindReverse
	KindChain
)

// PairConfig is the minute-denominated configuration for one trading pair,
// as loaded from the TOML config file.
type PairConfig struct {
	Base  string
	Quote string

	// BaseMinutes and QuoteMinutes hold the configured timeout deltas, in wall-clock
	// minutes, for the base and quote sides respectively.
	BaseMinutes  TimeoutMinutes
	QuoteMinutes TimeoutMinutes
}

// TimeoutMinutes is the wall-time configuration for one side of a pair,
// before conversion to blocks.
type TimeoutMinutes struct {
	Reverse     uint32
	SwapMinimal uint32
	SwapMaximal uint32
}

// ConfigPersister persists an updated PairConfig back to durable storage
// (the TOML config file), preserving every other field. Implemented by the
// config package.
type ConfigPersister interface {
	PersistPairTimeout(pairID string, side Side, minutes TimeoutMinutes) error
}

// pairKey uniquely identifies a trading pair, e.g. "BTC/BTC".
type pairKey struct {
	base  string
	quote string
}

func (p pairKey) String() string {
	return fmt.Sprintf("%s/%s", p.base, p.quote)
}

// Provider is the TimeoutDeltaProvider (C2): it keeps per-pair timeout
// deltas in memory, converts between wall time and blocks, validates
// Lightning routability, and persists updates back to configuration.
type Provider struct {
	mu sync.RWMutex

	blockTimes blocktime.Table
	deltas     map[pairKey][2]PairTimeoutBlocksDelta

	chainParams *chaincfg.Params
	persister   ConfigPersister
	router      chainio.RouteQuerier
}

// New creates a Provider from parsed pair configuration, converting every
// minute-denominated value to blocks using blockTimes. chainParams is the
// network used to decode invoices passed to GetTimeout.
func New(blockTimes blocktime.Table, chainParams *chaincfg.Params,
	pairs []PairConfig, persister ConfigPersister,
	router chainio.RouteQuerier) (*Provider, error) {

	p := &Provider{
		blockTimes:  blockTimes,
		deltas:      make(map[pairKey][2]PairTimeoutBlocksDelta),
		chainParams: chainParams,
		persister:   persister,
		router:      router,
	}

	for _, pair := range pairs {
		key := pairKey{base: pair.Base, quote: pair.Quote}

		baseDelta, err := convertMinutes(
			blockTimes, pair.Base, pair.BaseMinutes,
		)
		if err != nil {
			return nil, fmt.Errorf("pair %s base: %w", key, err)
		}

		quoteDelta, err := convertMinutes(
			blockTimes, pair.Quote, pair.QuoteMinutes,
		)
		if err != nil {
			return nil, fmt.Errorf("pair %s quote: %w", key, err)
		}

		p.deltas[key] = [2]PairTimeoutBlocksDelta{baseDelta, quoteDelta}
	}

	return p, nil
}

func convertMinutes(blockTimes blocktime.Table, symbol string,
	m TimeoutMinutes) (PairTimeoutBlocksDelta, error) {

	blockTime := blockTimes.BlockTime(symbol)

	toBlocks := func(minutes uint32) (uint32, error) {
		blocks := math.Ceil(
			float64(minutes) / blockTime.Minutes(),
		)
		if blocks <= 0 {
			return 0, swapderrors.New(
				swapderrors.CodeInvalidTimeoutBlockDelta,
				fmt.Sprintf("%d minutes converts to a "+
					"non-positive block count", minutes),
			)
		}

		return uint32(blocks), nil
	}

	reverse, err := toBlocks(m.Reverse)
	if err != nil {
		return PairTimeoutBlocksDelta{}, err
	}

	minimal, err := toBlocks(m.SwapMinimal)
	if err != nil {
		return PairTimeoutBlocksDelta{}, err
	}

	maximal, err := toBlocks(m.SwapMaximal)
	if err != nil {
		return PairTimeoutBlocksDelta{}, err
	}

	return PairTimeoutBlocksDelta{
		Reverse:     reverse,
		SwapMinimal: minimal,
		SwapMaximal: maximal,
	}, nil
}

func (p *Provider) sideDelta(pair pairKey, side Side) (PairTimeoutBlocksDelta,
	error) {

	p.mu.RLock()
	defer p.mu.RUnlock()

	deltas, ok := p.deltas[pair]
	if !ok {
		return PairTimeoutBlocksDelta{}, swapderrors.New(
			swapderrors.CodePairNotFound, pair.String(),
		)
	}

	return deltas[side], nil
}

// GetTimeout resolves the on-chain timeout, in blocks, to apply for a swap
// leg. For reverse swaps usable is always false since the result applies to
// the service's own leg, not a user-facing timeout guarantee. currentLnBlock
// is the current height of the chain Lightning CLTV deltas are expressed
// against (the invoice's underlying chain, normally BTC), required only
// when a non-empty invoice must be routability-checked.
func (p *Provider) GetTimeout(ctx context.Context, base, quote string,
	side OrderSide, kind Kind, lnSymbol string, currentLnBlock uint32,
	invoice string) (uint32, bool, error) {

	pair := pairKey{base: base, quote: quote}

	switch kind {
	case KindReverse:
		delta, err := p.sideDelta(pair, SideFor(side, true))
		if err != nil {
			return 0, false, err
		}

		return delta.Reverse, false, nil

	case KindSubmarine:
		chainSide := SideFor(side, false)

		delta, err := p.sideDelta(pair, chainSide)
		if err != nil {
			return 0, false, err
		}

		if invoice == "" {
			return delta.SwapMinimal, true, nil
		}

		chainSymbol := base
		if chainSide == Quote {
			chainSymbol = quote
		}

		lnDelta, err := p.sideDelta(pair, oppositeSide(chainSide))
		if err != nil {
			return 0, false, err
		}

		return p.getTimeoutInvoice(
			ctx, chainSymbol, lnSymbol, currentLnBlock, delta,
			lnDelta, invoice,
		)

	default:
		return 0, false, fmt.Errorf("GetTimeout not applicable to "+
			"kind %d, use GetTimeouts for chain swaps", kind)
	}
}

// GetTimeouts returns both sides' full delta records for a pair, used by
// chain swaps which need an independent timeout per leg.
func (p *Provider) GetTimeouts(base,
	quote string) (PairTimeoutBlocksDelta, PairTimeoutBlocksDelta, error) {

	pair := pairKey{base: base, quote: quote}

	p.mu.RLock()
	defer p.mu.RUnlock()

	deltas, ok := p.deltas[pair]
	if !ok {
		return PairTimeoutBlocksDelta{}, PairTimeoutBlocksDelta{},
			swapderrors.New(swapderrors.CodePairNotFound, pair.String())
	}

	return deltas[0], deltas[1], nil
}

// SetTimeout atomically updates the in-memory deltas for a pair's side and
// persists the change back to the on-disk configuration.
func (p *Provider) SetTimeout(pair pairKeyArgs, side Side,
	minutes TimeoutMinutes) error {

	key := pairKey{base: pair.Base, quote: pair.Quote}

	symbol := pair.Base
	if side == Quote {
		symbol = pair.Quote
	}

	newDelta, err := convertMinutes(p.blockTimes, symbol, minutes)
	if err != nil {
		return err
	}

	p.mu.Lock()
	deltas, ok := p.deltas[key]
	if !ok {
		p.mu.Unlock()
		return swapderrors.New(swapderrors.CodePairNotFound, key.String())
	}

	deltas[side] = newDelta
	p.deltas[key] = deltas
	p.mu.Unlock()

	if p.persister == nil {
		return nil
	}

	return p.persister.PersistPairTimeout(key.String(), side, minutes)
}

// pairKeyArgs avoids exporting the internal pairKey type on SetTimeout's
// signature while keeping the call site readable.
type pairKeyArgs struct {
	Base  string
	Quote string
}

// GetCltvLimit converts the remaining on-chain blocks until
// timeoutBlockHeight into a Lightning `cltv_limit`, subtracting the safety
// margin.
func (p *Provider) GetCltvLimit(chainSymbol, lnSymbol string,
	currentChainBlock, timeoutBlockHeight uint32) (int32, error) {

	if timeoutBlockHeight <= currentChainBlock {
		return 0, fmt.Errorf("swap already at or past its timeout " +
			"height")
	}

	remaining := timeoutBlockHeight - currentChainBlock

	lnBlocks := p.ConvertBlocks(chainSymbol, lnSymbol, remaining)

	limit := int64(lnBlocks) - cltvSafetyMargin
	if limit < 0 {
		limit = 0
	}

	return int32(limit), nil
}

// ConvertBlocks converts a block count on the `from` chain into the
// equivalent block count on the `to` chain, rounding up so a converted
// timeout never expires earlier than the original.
func (p *Provider) ConvertBlocks(from, to string, blocks uint32) uint32 {
	fromTime := p.blockTimes.BlockTime(from)
	toTime := p.blockTimes.BlockTime(to)

	converted := math.Ceil(
		float64(blocks) * fromTime.Minutes() / toTime.Minutes(),
	)

	return uint32(converted)
}

// getTimeoutInvoice implements the invoice-aware submarine-swap timeout
// calculation: probe routability, derive the minimal chain-side timeout
// that keeps the Lightning leg payable, and clamp it against the
// configured bounds.
func (p *Provider) getTimeoutInvoice(ctx context.Context, chainSymbol,
	lnSymbol string, currentLnBlock uint32, chainDelta,
	lnDelta PairTimeoutBlocksDelta, invoice string) (uint32, bool, error) {

	decoded, err := zpay32.Decode(invoice, p.chainParams)
	if err != nil {
		return 0, false, fmt.Errorf("decoding invoice: %w", err)
	}

	routeTimeLock, found, err := p.checkRoutability(
		ctx, decoded, lnDelta.SwapMaximal,
	)
	if err != nil {
		return 0, false, err
	}

	if !found {
		return chainDelta.SwapMaximal, false, nil
	}

	routeDeltaBlocks := routeTimeLock - int32(currentLnBlock)
	if routeDeltaBlocks < 0 {
		routeDeltaBlocks = 0
	}

	lnBlockTime := p.blockTimes.BlockTime(lnSymbol)

	finalExpiryMinutes := math.Ceil(
		float64(routeDeltaBlocks)*lnBlockTime.Minutes(),
	) + routingOffset

	chainBlockTime := p.blockTimes.BlockTime(chainSymbol)
	minTimeout := uint32(math.Ceil(
		finalExpiryMinutes / chainBlockTime.Minutes(),
	))

	if minTimeout > chainDelta.SwapMaximal {
		return 0, false, swapderrors.New(
			swapderrors.CodeMinExpiryTooBig,
			fmt.Sprintf("minimal timeout %d exceeds maximal %d",
				minTimeout, chainDelta.SwapMaximal),
		)
	}

	if minTimeout < chainDelta.SwapMinimal {
		minTimeout = chainDelta.SwapMinimal
	}

	return minTimeout, true, nil
}

// checkRoutability probes whether the decoded invoice's destination is
// currently reachable within a total CLTV budget of cltvLimit, splitting the probe amount
// across DefaultMaxParts the way an MPP-capable sender would, so the
// quoted timeout reflects a realistic payment shape rather than a single
// oversized HTLC a route might reject.
func (p *Provider) checkRoutability(ctx context.Context, invoice *zpay32.Invoice,
	cltvLimit uint32) (int32, bool, error) {

	if p.router == nil || invoice.Destination == nil {
		return 0, false, nil
	}

	var destination [33]byte
	copy(destination[:], invoice.Destination.SerializeCompressed())

	amtMsat := int64(0)
	if invoice.MilliSat != nil {
		amtMsat = int64(*invoice.MilliSat)
	}

	hasMPP := invoice.Features != nil &&
		invoice.Features.HasFeature(lnwire.MPPOptional)

	probeAmt := probeAmount(amtMsat, hasMPP)

	routes, err := p.router.QueryRoutes(
		ctx, destination, probeAmt, int32(cltvLimit),
	)
	if err != nil {
		return 0, false, fmt.Errorf("querying routes: %w", err)
	}

	if len(routes) == 0 {
		return 0, false, nil
	}

	best := routes[0]
	for _, route := range routes[1:] {
		if route.TotalTimeLock > best.TotalTimeLock {
			best = route
		}
	}

	return int32(best.TotalTimeLock), true, nil
}

// probeAmount returns the per-part amount a route query should use: the
// full invoice amount for a single-part payment, or a 1/DefaultMaxParts
// share when the invoice advertises multi-path payment support, since an
// MPP-capable sender may split the payment and each part only needs its
// own route to exist within the CLTV budget.
func probeAmount(amtMsat int64, hasMPP bool) int64 {
	if !hasMPP {
		return amtMsat
	}

	probe := int64(math.Ceil(float64(amtMsat) / float64(DefaultMaxParts)))
	if probe < 1 {
		probe = 1
	}

	return probe
}

// SideFor resolves which side of a pair (Base/Quote) a swap's on-chain
// leg settles against, given the caller's order side and whether the leg
// is a reverse swap's service-funded leg.
func SideFor(order OrderSide, reverseLeg bool) Side {
	if reverseLeg {
		if order == Buy {
			return Base
		}

		return Quote
	}

	// A submarine/chain-in leg settles on the opposite side of a
	// reverse leg for the same order side: the reverse rule sends a BUY
	// on-chain out on the base currency, so a submarine BUY must settle
	// its chain leg on the quote currency instead.
	if order == Buy {
		return Quote
	}

	return Base
}

func oppositeSide(s Side) Side {
	if s == Base {
		return Quote
	}

	return Base
}
