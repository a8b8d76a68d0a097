// Package lnwallet defines the wallet capability surface the coordination
// core depends on: key derivation and MuSig2/script-path signing
// primitives. Key custody and the RPC transport to the signer are external
// per scope; this package fixes the interface shape, narrowed from the
// teacher's lndclient.SignerClient.
package lnwallet

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// MuSig2SessionInfo is returned by Signer.NewMuSig2Session: the session
// handle plus our freshly generated public nonce, ready to exchange with
// the remote peer.
type MuSig2SessionInfo struct {
	SessionID    [32]byte
	CombinedKey  *btcec.PublicKey
	TaprootTweak bool
	PublicNonce  [musig2NonceSize]byte
}

// musig2NonceSize matches input.MuSig2Version100RC2's 66-byte public nonce
// encoding.
const musig2NonceSize = 66

// Signer is the wallet's signing surface: MuSig2 session management plus
// plain script-path signing for legacy HTLCs. Implemented externally
// against the custody layer (e.g. an LND remote signer); the coordination
// core only orchestrates nonce exchange and partial signature combination
// through it.
type Signer interface {
	// DeriveNextKey returns the next unused key in keyFamily, used for
	// a swap's refund or claim public key.
	DeriveNextKey(ctx context.Context,
		keyFamily keychain.KeyFamily) (*keychain.KeyDescriptor, error)

	// DeriveKey returns the key at the given locator, used to recover a
	// swap's key after a restart from its persisted keyIndex.
	DeriveKey(ctx context.Context,
		loc keychain.KeyLocator) (*keychain.KeyDescriptor, error)

	// SignOutputRaw produces a signature for a single input of tx,
	// using the script-path (non-MuSig2) signing descriptor. Used for
	// legacy (P2WSH) HTLC refunds/claims and taproot script-path
	// spends.
	SignOutputRaw(ctx context.Context, tx []byte,
		signDesc *input.SignDescriptor) ([]byte, error)

	// NewMuSig2Session creates a local MuSig2 signing session for a
	// cooperative spend, aggregating our key (at loc) with the peer's
	// key, optionally tweaked with a taproot script-tree root hash.
	NewMuSig2Session(ctx context.Context, loc keychain.KeyLocator,
		theirKey [32]byte,
		taprootTweak *[32]byte) (*MuSig2SessionInfo, error)

	// MuSig2RegisterNonce registers the peer's public nonce against an
	// open session, returning true once all expected nonces have been
	// registered and partial signing can proceed.
	MuSig2RegisterNonce(ctx context.Context, sessionID [32]byte,
		nonce [musig2NonceSize]byte) (bool, error)

	// MuSig2Sign produces our partial signature over msg for the given
	// session. cleanup releases the session's secret nonce afterwards.
	MuSig2Sign(ctx context.Context, sessionID [32]byte, msg [32]byte,
		cleanup bool) ([]byte, error)

	// MuSig2CombineSig combines the peer's partial signature with ours,
	// returning the final signature once all partials are present.
	MuSig2CombineSig(ctx context.Context, sessionID [32]byte,
		otherPartialSig []byte) (bool, []byte, error)
}

// AddressSource derives fresh on-chain addresses for HTLC lockups.
type AddressSource interface {
	// NewAddress returns a fresh address of the requested output type
	// (P2WSH, P2TR) and the key index used to derive it, if applicable.
	NewAddress(ctx context.Context, taproot bool) (string, uint32, error)
}

// FundingSource is the coin-selection surface a reverse or chain swap's
// service-funded leg needs to turn an HTLC output into a fully signed,
// broadcast-ready transaction. Narrowed from the teacher's
// lndclient.WalletKitClient, whose SendOutputs does exactly this: select
// and sign wallet inputs, attach change, and hand back a finished
// transaction without publishing it, so the builder can persist the
// transaction id before it broadcasts the transaction itself.
type FundingSource interface {
	// SendOutputs funds and signs a transaction paying outputs at
	// feeRate, returning the finished transaction without broadcasting
	// it.
	SendOutputs(ctx context.Context, outputs []*wire.TxOut,
		feeRate chainfee.SatPerKWeight) (*wire.MsgTx, error)

	// EstimateFee returns a fee rate, in sat/kw, usable to confirm a
	// transaction within confTarget blocks, mirrored here from
	// chainio.ChainClient so a FundingSource can size SendOutputs'
	// feeRate without a second collaborator.
	EstimateFee(ctx context.Context,
		confTarget int32) (chainfee.SatPerKWeight, error)

	// Balance returns the wallet's total spendable balance, used by a
	// chain swap's creation path to reject a request the service cannot
	// fund before it ever builds a transaction. Narrowed from the
	// teacher's lndclient.WalletKitClient.ListUnspent, which is the RPC
	// a balance check would sum over.
	Balance(ctx context.Context) (btcutil.Amount, error)
}
