// Package swapd is the SwapService façade (C10): it wires the timeout
// delta provider (C2), the swap builder (C6), the swap nursery (C7), the
// MuSig2 co-signer (C8) and the event bus (C9) behind one API, so that a
// transport layer (gRPC, REST, whatever a deployment fronts this with)
// never has to construct or sequence those collaborators itself.
package swapd

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/blocktime"
	"github.com/swapd-project/swapd/builder"
	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/cosigner"
	"github.com/swapd-project/swapd/eventbus"
	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/nursery"
	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/timeout"
)

// Chain bundles the per-currency collaborators every component needs:
// chain parameters, a UTXO chain client, and, for currencies with a
// Lightning leg, a Lightning client. Converted to each component's own
// Chain type at construction time.
type Chain struct {
	Params    *chaincfg.Params
	Client    chainio.ChainClient
	Lightning chainio.LightningClient
}

// Config wires every external collaborator the coordination core depends
// on. Wallet custody, chain/Lightning RPC transport, rate/fee feeds and
// the physical repository connection are all constructed by the caller
// (cmd/swapd, or an integration test) and handed in here already built,
// matching spec.md §1's scope boundary.
type Config struct {
	Repo swapdb.Repository

	Signer    lnwallet.Signer
	Funding   lnwallet.FundingSource
	Addresses lnwallet.AddressSource

	Fees  feeestimator.Estimator
	Rates rateprovider.Provider

	// Chains maps a currency symbol to its collaborators, covering
	// every chain and Lightning node the deployment supports.
	Chains map[string]Chain

	// ClnCheckers overrides Chains[symbol].Lightning.TrackPayment for
	// Core-Lightning-backed deployments, keyed by Lightning currency
	// symbol.
	ClnCheckers map[string]chainio.ClnPayStatusChecker

	// Pairs is the trading-pair configuration timeout.Provider converts
	// to block-denominated deltas.
	Pairs []timeout.PairConfig

	// TimeoutPersister persists operator updates to a pair's timeout
	// delta (spec.md §4.1's SetTimeout) back to durable configuration.
	TimeoutPersister timeout.ConfigPersister

	// Router probes Lightning routability for the timeout provider's
	// routability check (spec.md §4.1 step 1).
	Router chainio.RouteQuerier

	// ChainParams is the network used to decode invoices passed to the
	// timeout provider.
	ChainParams *chaincfg.Params

	ScriptVersion     swap.ScriptVersion
	AllowReverseSwaps bool
	HtlcConfTarget    int32
	SweepConfTarget   int32
}

// Service is the SwapService façade (C10).
type Service struct {
	repo    *eventbus.PublishingRepository
	bus     *eventbus.Bus
	timeout *timeout.Provider
	builder *builder.Builder
	nursery *nursery.Nursery
	signer  *cosigner.MusigSigner
}

// New wires a Service from cfg. The returned Service's Start method must
// be called before any swap is created or watched.
func New(cfg Config) (*Service, error) {
	timeouts, err := timeout.New(
		blockTimeTableFor(cfg.Chains), cfg.ChainParams, cfg.Pairs,
		cfg.TimeoutPersister, cfg.Router,
	)
	if err != nil {
		return nil, fmt.Errorf("constructing timeout provider: %w", err)
	}

	bus := eventbus.New()
	repo := eventbus.NewPublishingRepository(cfg.Repo, bus)

	nry := nursery.New(nursery.Config{
		Repo:      repo,
		Signer:    cfg.Signer,
		Addresses: cfg.Addresses,
		Chains:    nurseryChains(cfg.Chains),
		SweepConfTarget: valueOr(
			cfg.SweepConfTarget, defaultSweepConfTarget,
		),
	})

	bld := builder.New(builder.Config{
		Repo:              repo,
		Fees:              cfg.Fees,
		Rates:             cfg.Rates,
		Timeouts:          timeouts,
		Signer:            cfg.Signer,
		Funding:           cfg.Funding,
		Chains:            builderChains(cfg.Chains),
		ScriptVersion:     cfg.ScriptVersion,
		AllowReverseSwaps: cfg.AllowReverseSwaps,
		HtlcConfTarget: valueOr(
			cfg.HtlcConfTarget, defaultHtlcConfTarget,
		),
	})

	signer := cosigner.New(cosigner.Config{
		Repo:        repo,
		Signer:      cfg.Signer,
		Locker:      nry,
		Chains:      cosignerChains(cfg.Chains),
		ClnCheckers: cfg.ClnCheckers,
	})

	return &Service{
		repo:    repo,
		bus:     bus,
		timeout: timeouts,
		builder: bld,
		nursery: nry,
		signer:  signer,
	}, nil
}

const (
	defaultHtlcConfTarget  = int32(2)
	defaultSweepConfTarget = int32(6)
)

func valueOr(v, def int32) int32 {
	if v == 0 {
		return def
	}

	return v
}

// Start resumes every non-terminal swap's watch (spec.md §4.3's recovery
// bootstrap) and starts the nursery's per-kind dispatchers. It returns
// once recovery completes; the dispatchers keep running until ctx is
// done.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}

	go s.nursery.Run(ctx)

	return nil
}

// Recover re-establishes watches for every non-terminal swap. Start calls
// this automatically; it is exported separately so a caller can resume
// swaps before deciding to start the dispatchers (e.g. a read-only
// maintenance mode).
func (s *Service) Recover(ctx context.Context) error {
	logger.Infof("recovering non-terminal swaps")

	return s.nursery.Recover(ctx)
}

// CreateSwap implements spec.md §4.2's createSwap (a submarine swap), then
// hands the new swap to the nursery for watching.
func (s *Service) CreateSwap(ctx context.Context,
	req builder.SubmarineRequest) (*builder.SubmarineResponse, error) {

	resp, err := s.builder.CreateSwap(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.nursery.Watch(ctx, swap.Submarine, resp.ID); err != nil {
		logger.Errorf("watching new submarine swap %s: %v", resp.ID, err)
	}

	return resp, nil
}

// CreateReverseSwap implements spec.md §4.2's createReverseSwap.
func (s *Service) CreateReverseSwap(ctx context.Context,
	req builder.ReverseRequest) (*builder.ReverseResponse, error) {

	resp, err := s.builder.CreateReverseSwap(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.nursery.Watch(ctx, swap.Reverse, resp.ID); err != nil {
		logger.Errorf("watching new reverse swap %s: %v", resp.ID, err)
	}

	return resp, nil
}

// CreateChainSwap implements spec.md §4.2's createChainToChainSwap.
func (s *Service) CreateChainSwap(ctx context.Context,
	req builder.ChainRequest) (*builder.ChainResponse, error) {

	resp, err := s.builder.CreateChainSwap(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.nursery.Watch(ctx, swap.Chain, resp.ID); err != nil {
		logger.Errorf("watching new chain swap %s: %v", resp.ID, err)
	}

	return resp, nil
}

// SignRefund implements spec.md §4.4's signRefund.
func (s *Service) SignRefund(ctx context.Context,
	req cosigner.RefundRequest) (*cosigner.SignatureResponse, error) {

	return s.signer.SignRefund(ctx, req)
}

// SignReverseClaim implements spec.md §4.4's signReverseSwapClaim.
func (s *Service) SignReverseClaim(ctx context.Context,
	req cosigner.ClaimRequest) (*cosigner.SignatureResponse, error) {

	return s.signer.SignReverseClaim(ctx, req)
}

// Timeouts exposes the timeout-delta provider directly, for a transport
// layer implementing spec.md §4.1's getTimeout/SetTimeout RPCs.
func (s *Service) Timeouts() *timeout.Provider {
	return s.timeout
}

// Subscribe registers a new listener on the event bus (C9); the returned
// channel is closed when ctx is done.
func (s *Service) Subscribe(ctx context.Context) <-chan *eventbus.Event {
	return s.bus.Subscribe(ctx)
}

// SwapStatus resolves a swap identified by its own id, regardless of kind,
// to its current status. Used by a transport layer's status-polling RPC
// as a companion to Subscribe's push-based feed.
func (s *Service) SwapStatus(ctx context.Context, kind swap.Kind,
	id string) (swapdb.Status, error) {

	switch kind {
	case swap.Submarine:
		swp, err := s.repo.FetchSubmarineSwap(ctx, id)
		if err != nil {
			return "", err
		}
		return swp.Status, nil

	case swap.Reverse:
		swp, err := s.repo.FetchReverseSwap(ctx, id)
		if err != nil {
			return "", err
		}
		return swp.Status, nil

	default:
		swp, err := s.repo.FetchChainSwap(ctx, id)
		if err != nil {
			return "", err
		}
		return swp.Status, nil
	}
}

// ResolveSwap locates a swap of any kind by its preimage hash, used when a
// transport layer receives an inbound HTLC or invoice event and must
// recover which swap it belongs to without already knowing the kind.
func (s *Service) ResolveSwap(ctx context.Context,
	preimageHash lntypes.Hash) (swap.Kind, string, error) {

	return s.repo.FetchByPreimageHash(ctx, preimageHash)
}

func blockTimeTableFor(_ map[string]Chain) blocktime.Table {
	return blocktime.NewDefaultTable()
}

func builderChains(chains map[string]Chain) map[string]builder.Chain {
	out := make(map[string]builder.Chain, len(chains))
	for symbol, c := range chains {
		out[symbol] = builder.Chain{
			Params:    c.Params,
			Client:    c.Client,
			Lightning: c.Lightning,
		}
	}

	return out
}

func nurseryChains(chains map[string]Chain) map[string]nursery.Chain {
	out := make(map[string]nursery.Chain, len(chains))
	for symbol, c := range chains {
		out[symbol] = nursery.Chain{
			Params:    c.Params,
			Client:    c.Client,
			Lightning: c.Lightning,
		}
	}

	return out
}

func cosignerChains(chains map[string]Chain) map[string]cosigner.Chain {
	out := make(map[string]cosigner.Chain, len(chains))
	for symbol, c := range chains {
		out[symbol] = cosigner.Chain{
			Params:    c.Params,
			Lightning: c.Lightning,
		}
	}

	return out
}
