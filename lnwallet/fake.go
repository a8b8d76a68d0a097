package lnwallet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// FakeSigner is a regtest-friendly, in-process Signer used by tests. It
// holds real private keys in memory and drives the actual MuSig2
// primitives from lnd/input, so partial signatures it produces combine
// and verify exactly as a production signer's would.
type FakeSigner struct {
	mu sync.Mutex

	keys     map[keychain.KeyLocator]*btcec.PrivateKey
	nextIdx  map[keychain.KeyFamily]uint32
	sessions map[[32]byte]*fakeMusigSession
}

type fakeMusigSession struct {
	privKey    *btcec.PrivateKey
	session    input.MuSig2Session
	haveOthers bool
}

// NewFakeSigner returns an empty FakeSigner ready for use in tests.
func NewFakeSigner() *FakeSigner {
	return &FakeSigner{
		keys:     make(map[keychain.KeyLocator]*btcec.PrivateKey),
		nextIdx:  make(map[keychain.KeyFamily]uint32),
		sessions: make(map[[32]byte]*fakeMusigSession),
	}
}

// DeriveNextKey generates and stores a fresh private key for keyFamily.
func (f *FakeSigner) DeriveNextKey(_ context.Context,
	keyFamily keychain.KeyFamily) (*keychain.KeyDescriptor, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.nextIdx[keyFamily]
	f.nextIdx[keyFamily] = idx + 1

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	loc := keychain.KeyLocator{Family: keyFamily, Index: idx}
	f.keys[loc] = priv

	return &keychain.KeyDescriptor{
		KeyLocator: loc,
		PubKey:     priv.PubKey(),
	}, nil
}

// DeriveKey returns the key previously generated at loc.
func (f *FakeSigner) DeriveKey(_ context.Context,
	loc keychain.KeyLocator) (*keychain.KeyDescriptor, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	priv, ok := f.keys[loc]
	if !ok {
		return nil, fmt.Errorf("no key at locator %v", loc)
	}

	return &keychain.KeyDescriptor{
		KeyLocator: loc,
		PubKey:     priv.PubKey(),
	}, nil
}

// SignOutputRaw deserializes tx and produces a script-path signature for
// the input identified by signDesc, covering both witness-script (legacy
// HTLC) and taproot script-path descriptors.
func (f *FakeSigner) SignOutputRaw(_ context.Context, tx []byte,
	signDesc *input.SignDescriptor) ([]byte, error) {

	f.mu.Lock()
	priv, ok := f.keys[signDesc.KeyDesc.KeyLocator]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no key at locator %v",
			signDesc.KeyDesc.KeyLocator)
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(tx)); err != nil {
		return nil, fmt.Errorf("deserializing tx: %w", err)
	}

	if signDesc.SignMethod == input.TaprootScriptSpendSignMethod {
		leaf := txscript.NewBaseTapLeaf(signDesc.WitnessScript)

		fetcher := txscript.NewCannedPrevOutputFetcher(
			signDesc.Output.PkScript, signDesc.Output.Value,
		)
		sigHashes := txscript.NewTxSigHashes(&msgTx, fetcher)

		sig, err := txscript.RawTxInTapscriptSignature(
			&msgTx, sigHashes, signDesc.InputIndex,
			signDesc.Output.Value, signDesc.Output.PkScript,
			leaf, signDesc.HashType, priv,
		)
		if err != nil {
			return nil, err
		}

		return sig, nil
	}

	sig, err := txscript.RawTxInWitnessSignature(
		&msgTx, signDesc.SigHashes, signDesc.InputIndex,
		signDesc.Output.Value, signDesc.WitnessScript,
		signDesc.HashType, priv,
	)
	if err != nil {
		return nil, err
	}

	// Strip the trailing sighash-type byte; callers append it
	// themselves when assembling the witness.
	return sig[:len(sig)-1], nil
}

// NewMuSig2Session opens a MuSig2 session for a fresh claim/refund key and
// the peer's key, using the real aggregation/nonce machinery from
// lnd/input so the resulting session behaves like a production one.
func (f *FakeSigner) NewMuSig2Session(_ context.Context,
	loc keychain.KeyLocator, theirKey [32]byte,
	taprootTweak *[32]byte) (*MuSig2SessionInfo, error) {

	f.mu.Lock()
	priv, ok := f.keys[loc]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no key at locator %v", loc)
	}

	theirPubKey, err := schnorr.ParsePubKey(theirKey[:])
	if err != nil {
		return nil, fmt.Errorf("parsing peer key: %w", err)
	}

	var tweaks *input.MuSig2Tweaks
	if taprootTweak != nil {
		tweaks = &input.MuSig2Tweaks{
			TaprootTweak: taprootTweak[:],
		}
	}

	pubKeys := []*btcec.PublicKey{priv.PubKey(), theirPubKey}

	musigCtx, session, err := input.MuSig2CreateContext(
		input.MuSig2Version100RC2, priv, pubKeys, tweaks, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating musig2 context: %w", err)
	}

	combinedKey, err := musigCtx.CombinedKey()
	if err != nil {
		return nil, fmt.Errorf("deriving combined key: %w", err)
	}

	sessionID := musig2SessionID(combinedKey, theirKey)

	f.mu.Lock()
	f.sessions[sessionID] = &fakeMusigSession{
		privKey: priv,
		session: session,
	}
	f.mu.Unlock()

	return &MuSig2SessionInfo{
		SessionID:    sessionID,
		CombinedKey:  combinedKey,
		TaprootTweak: taprootTweak != nil,
		PublicNonce:  session.PublicNonce(),
	}, nil
}

// MuSig2RegisterNonce registers the peer's nonce with the open session.
func (f *FakeSigner) MuSig2RegisterNonce(_ context.Context,
	sessionID [32]byte, nonce [musig2NonceSize]byte) (bool, error) {

	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("unknown musig2 session %x", sessionID)
	}

	haveAll, err := s.session.RegisterPubNonce(nonce)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	s.haveOthers = haveAll
	f.mu.Unlock()

	return haveAll, nil
}

// MuSig2Sign produces our partial signature for the open session.
func (f *FakeSigner) MuSig2Sign(_ context.Context, sessionID [32]byte,
	msg [32]byte, cleanup bool) ([]byte, error) {

	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown musig2 session %x", sessionID)
	}

	sig, err := input.MuSig2Sign(s.session, msg, cleanup)
	if err != nil {
		return nil, err
	}

	if cleanup {
		f.mu.Lock()
		delete(f.sessions, sessionID)
		f.mu.Unlock()
	}

	var buf bytes.Buffer
	if err := sig.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encoding partial signature: %w", err)
	}

	return buf.Bytes(), nil
}

// MuSig2CombineSig combines the peer's partial signature into our session.
func (f *FakeSigner) MuSig2CombineSig(_ context.Context, sessionID [32]byte,
	otherPartialSig []byte) (bool, []byte, error) {

	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.mu.Unlock()

	if !ok {
		return false, nil, fmt.Errorf("unknown musig2 session %x",
			sessionID)
	}

	partial := new(musig2.PartialSignature)
	if err := partial.Decode(bytes.NewReader(otherPartialSig)); err != nil {
		return false, nil, fmt.Errorf("decoding partial signature: %w",
			err)
	}

	haveAll, err := input.MuSig2CombineSig(s.session, partial)
	if err != nil {
		return false, nil, err
	}

	if !haveAll {
		return false, nil, nil
	}

	return true, s.session.FinalSig().Serialize(), nil
}

// musig2SessionID derives a stable session handle from the combined key
// and the peer's key, so both sides of a cooperative signing round agree
// on the same identifier without an extra negotiation round trip.
func musig2SessionID(combinedKey *btcec.PublicKey,
	theirKey [32]byte) [32]byte {

	h := sha256.New()
	h.Write(combinedKey.SerializeCompressed())
	h.Write(theirKey[:])

	var id [32]byte
	copy(id[:], h.Sum(nil))

	return id
}

// FakeAddressSource hands out deterministic P2WPKH/P2TR addresses
// backed by a FakeSigner's own key derivation, for tests that need an
// AddressSource without a real wallet.
type FakeAddressSource struct {
	signer *FakeSigner
	params *chaincfg.Params
}

// NewFakeAddressSource returns a FakeAddressSource drawing keys from
// signer.
func NewFakeAddressSource(signer *FakeSigner,
	params *chaincfg.Params) *FakeAddressSource {

	return &FakeAddressSource{signer: signer, params: params}
}

// NewAddress derives a fresh key and returns the corresponding address.
func (f *FakeAddressSource) NewAddress(ctx context.Context,
	taproot bool) (string, uint32, error) {

	desc, err := f.signer.DeriveNextKey(ctx, keychain.KeyFamily(0))
	if err != nil {
		return "", 0, err
	}

	if taproot {
		addr, err := btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(desc.PubKey), f.params,
		)
		if err != nil {
			return "", 0, err
		}

		return addr.EncodeAddress(), desc.KeyLocator.Index, nil
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(desc.PubKey.SerializeCompressed()), f.params,
	)
	if err != nil {
		return "", 0, err
	}

	return addr.EncodeAddress(), desc.KeyLocator.Index, nil
}

// FakeFundingSource is an in-process FundingSource for tests: it "funds" a
// transaction by spending a single deterministic coinbase-style input it
// manufactures itself, so tests get a well-formed, fully signed transaction
// without a real wallet's coin selection.
type FakeFundingSource struct {
	mu      sync.Mutex
	feeRate chainfee.SatPerKWeight
	balance btcutil.Amount
	nextVal int64
}

// NewFakeFundingSource returns a FakeFundingSource that reports feeRate for
// every EstimateFee call and balance for every Balance call.
func NewFakeFundingSource(feeRate chainfee.SatPerKWeight,
	balance btcutil.Amount) *FakeFundingSource {

	return &FakeFundingSource{
		feeRate: feeRate,
		balance: balance,
		nextVal: 1,
	}
}

// SetBalance updates the balance reported by subsequent Balance calls, so
// tests can exercise the NOT_ENOUGH_FUNDS path.
func (f *FakeFundingSource) SetBalance(balance btcutil.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.balance = balance
}

// Balance returns the configured balance.
func (f *FakeFundingSource) Balance(_ context.Context) (btcutil.Amount,
	error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.balance, nil
}

// EstimateFee returns the fee rate the source was constructed with,
// regardless of confTarget.
func (f *FakeFundingSource) EstimateFee(_ context.Context,
	_ int32) (chainfee.SatPerKWeight, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.feeRate, nil
}

// SendOutputs builds a transaction paying outputs from a single synthetic
// input, so callers exercising the funding path in tests get back a
// deserializable, well-formed transaction.
func (f *FakeFundingSource) SendOutputs(_ context.Context,
	outputs []*wire.TxOut, _ chainfee.SatPerKWeight) (*wire.MsgTx, error) {

	f.mu.Lock()
	val := f.nextVal
	f.nextVal++
	f.mu.Unlock()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.HashH([]byte(fmt.Sprintf("fake-utxo-%d", val))),
			Index: 0,
		},
		Witness: wire.TxWitness{{0x01}},
	})

	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	return tx, nil
}
