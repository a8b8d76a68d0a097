// Package cosigner implements the MusigSigner (C8): the cooperative
// partial-signature coordinator that lets a submarine or chain swap's
// refund, and a reverse swap's claim, settle on-chain as a single key-path
// taproot spend instead of falling back to the htlc's script path.
//
// Every operation here reads and, for a reverse claim, writes the same
// swap record the SwapNursery's state machines own, so both packages
// serialize through the identical per-kind lock: the nursery while driving
// its own transitions, the cosigner while producing a cooperative
// signature.
package cosigner

import (
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/chainio"
	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/timeout"
)

// Chain groups one currency's chain parameters and Lightning collaborator,
// mirroring nursery.Chain so the two packages can be driven off the same
// configuration without a shared type forcing an import between them.
type Chain struct {
	Params    *chaincfg.Params
	Lightning chainio.LightningClient
}

// KindLocker is satisfied by *nursery.Nursery's Lock method, letting the
// cosigner serialize against the nursery's per-kind dispatch without
// importing its internal dispatcher type.
type KindLocker interface {
	// Lock acquires the mutex guarding kind's swap records and returns a
	// function that releases it.
	Lock(kind swap.Kind) func()
}

// Config wires every external collaborator MusigSigner depends on.
type Config struct {
	Repo   swapdb.Repository
	Signer lnwallet.Signer
	Locker KindLocker

	// Chains is keyed by currency symbol, covering both this swap's
	// on-chain leg (for pkScript/address construction) and, for
	// submarine and reverse swaps, the Lightning leg's node.
	Chains map[string]Chain

	// ClnCheckers, keyed by Lightning currency symbol, overrides
	// Chains[symbol].Lightning.TrackPayment for deployments backed by
	// Core Lightning, which doesn't expose the same streaming payment
	// status.
	ClnCheckers map[string]chainio.ClnPayStatusChecker
}

// MusigSigner is C8: it derives the same keys and rebuilds the same HTLC
// scripts the builder and nursery constructed for a swap, then runs a
// local MuSig2 session to produce this service's half of a cooperative
// key-path signature.
type MusigSigner struct {
	cfg Config
}

// New constructs a MusigSigner from cfg.
func New(cfg Config) *MusigSigner {
	return &MusigSigner{cfg: cfg}
}

// SignatureResponse is a completed partial signature round: the public
// nonce MuSig2 requires the counterparty to have seen before combining,
// and this service's partial signature over the caller-supplied
// transaction.
type SignatureResponse struct {
	PubNonce  [66]byte
	Signature []byte
}

func (s *MusigSigner) chainFor(symbol string) (Chain, error) {
	c, ok := s.cfg.Chains[symbol]
	if !ok {
		return Chain{}, swapderrors.New(
			swapderrors.CodeCurrencyNotUtxoBased, symbol,
		)
	}

	return c, nil
}

func keyLocator(index uint32) keychain.KeyLocator {
	return keychain.KeyLocator{Family: swap.KeyFamily, Index: index}
}

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

// splitPair decomposes a "BASE/QUOTE" pair identifier, mirrored from the
// builder and nursery's own copies since a record only carries the pair
// string, not its two symbols separately.
func splitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", swapderrors.New(swapderrors.CodePairNotFound, pair)
	}

	return parts[0], parts[1], nil
}

// submarineChains resolves a submarine swap's pair into its on-chain and
// Lightning currency symbols.
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

// reverseChains resolves a reverse swap's pair into its on-chain and
// Lightning currency symbols.
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

// verifySpendsLockup is the hardening SPEC_FULL.md §4.4 requires before a
// cooperative signature is ever produced: the caller-supplied transaction
// must spend exactly lockupTxID and pay to exactly one output, so a
// malicious or buggy counterparty can't get a valid service signature over
// a transaction that moves funds anywhere but the swap's own refund path.
func verifySpendsLockup(tx *wire.MsgTx, inputIndex int,
	lockupTxID string) error {

	if len(tx.TxOut) != 1 {
		return swapderrors.New(swapderrors.CodeNotEligibleForCooperativeRefund,
			"transaction must have exactly one output")
	}

	if len(tx.TxIn) != 1 {
		return swapderrors.New(swapderrors.CodeNotEligibleForCooperativeRefund,
			"transaction must spend exactly one input")
	}

	if inputIndex != 0 {
		return swapderrors.New(swapderrors.CodeNotEligibleForCooperativeRefund,
			"input index out of range")
	}

	if lockupTxID == "" ||
		tx.TxIn[inputIndex].PreviousOutPoint.Hash.String() != lockupTxID {

		return swapderrors.New(swapderrors.CodeNotEligibleForCooperativeRefund,
			"transaction does not spend the swap's own lockup outpoint")
	}

	return nil
}

func schnorrKey(raw []byte) ([32]byte, error) {
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("parsing counterparty key: %w", err)
	}

	var out [32]byte
	copy(out[:], schnorr.SerializePubKey(pub))

	return out, nil
}

// keyPathSigHash computes the BIP-341 key-path signature hash for
// spending a single-input transaction's taproot output.
func keyPathSigHash(tx *wire.MsgTx, inputIndex int, pkScript []byte,
	value int64) ([32]byte, error) {

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, inputIndex, fetcher,
	)
	if err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], hash)

	return out, nil
}

// cooperativeSign runs a single-round MuSig2 session against the
// counterparty's already-supplied nonce and returns this service's half
// of the signature over tx's taproot key-path spend of htlc's output.
func (s *MusigSigner) cooperativeSign(ctx context.Context, htlc swap.HtlcScript,
	ourKey *keychain.KeyDescriptor, theirRawKey []byte, chainParams *chaincfg.Params,
	tx *wire.MsgTx, inputIndex int, theirNonce [66]byte,
	value int64, lockupTxID string) (*SignatureResponse, error) {

	taproot, ok := htlc.(swap.TaprootHtlcScript)
	if !ok {
		return nil, swapderrors.New(swapderrors.CodeScriptTypeNotFound,
			"cooperative signing requires a taproot htlc")
	}

	if err := verifySpendsLockup(tx, inputIndex, lockupTxID); err != nil {
		return nil, err
	}

	theirKey, err := schnorrKey(theirRawKey)
	if err != nil {
		return nil, err
	}

	_, pkScript, _, err := htlc.LockingConditions(swap.OutputP2TR, chainParams)
	if err != nil {
		return nil, fmt.Errorf("building lockup pkscript: %w", err)
	}

	sigHash, err := keyPathSigHash(tx, inputIndex, pkScript, value)
	if err != nil {
		return nil, fmt.Errorf("computing sighash: %w", err)
	}

	root := taproot.TapscriptRoot()
	session, err := swap.NewMusig2Session(
		ctx, s.cfg.Signer, ourKey, theirKey, &root,
	)
	if err != nil {
		return nil, fmt.Errorf("opening musig2 session: %w", err)
	}

	if _, err := s.cfg.Signer.MuSig2RegisterNonce(
		ctx, session.SessionID, theirNonce,
	); err != nil {
		return nil, fmt.Errorf("registering peer nonce: %w", err)
	}

	partialSig, err := s.cfg.Signer.MuSig2Sign(
		ctx, session.SessionID, sigHash, true,
	)
	if err != nil {
		return nil, fmt.Errorf("producing partial signature: %w", err)
	}

	return &SignatureResponse{
		PubNonce:  session.PublicNonce,
		Signature: partialSig,
	}, nil
}
