package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

// ScriptVersion identifies the HTLC construction used by a swap, mirroring
// the wire-level "version" field of the swap record.
type ScriptVersion uint8

const (
	// Legacy is a P2WSH HTLC enforcing the hash-or-timeout branch
	// directly in the witness script.
	Legacy ScriptVersion = iota

	// Taproot is a P2TR output whose internal key is a MuSig2
	// aggregation of both parties' keys, with claim and timeout
	// tapscript leaves as the script-path fallback.
	Taproot
)

func (v ScriptVersion) String() string {
	switch v {
	case Legacy:
		return "Legacy"
	case Taproot:
		return "Taproot"
	default:
		return "Unknown"
	}
}

// HtlcOutputType identifies the kind of output a script is locked into.
type HtlcOutputType uint8

const (
	OutputP2WSH HtlcOutputType = iota
	OutputP2TR
)

// HtlcScript abstracts over the Legacy and Taproot HTLC constructions used
// for every swap leg: submarine lockups, reverse-swap lockups and both legs
// of a chain swap.
type HtlcScript interface {
	// GenSuccessWitness returns the witness that claims the HTLC with
	// the preimage, given the claimant's signature.
	GenSuccessWitness(claimSig []byte,
		preimage lntypes.Preimage) (wire.TxWitness, error)

	// GenTimeoutWitness returns the witness that refunds the HTLC after
	// its timeout, given the refunding party's signature.
	GenTimeoutWitness(refundSig []byte) (wire.TxWitness, error)

	// IsSuccessWitness reports whether witness is shaped like a claim
	// (preimage-revealing) spend rather than a timeout spend.
	IsSuccessWitness(witness wire.TxWitness) bool

	// TimeoutScript returns the script (or tapleaf script) enforcing
	// the timeout branch.
	TimeoutScript() []byte

	// SuccessScript returns the script (or tapleaf script) enforcing
	// the preimage branch.
	SuccessScript() []byte

	// MaxSuccessWitnessSize returns the maximum serialized witness size
	// for a claim spend, for fee estimation.
	MaxSuccessWitnessSize() int

	// MaxTimeoutWitnessSize returns the maximum serialized witness size
	// for a timeout spend, for fee estimation.
	MaxTimeoutWitnessSize() int

	// SuccessSequence returns the nSequence value required on the input
	// spending this HTLC in the claim case.
	SuccessSequence() uint32

	// SigHash returns the sighash type used when signing spends of this
	// HTLC.
	SigHash() txscript.SigHashType

	// LockingConditions returns the address, pkScript and sigScript (if
	// any, always nil for segwit/taproot outputs) locking funds into
	// this HTLC.
	LockingConditions(outputType HtlcOutputType,
		chainParams *chaincfg.Params) (btcutil.Address, []byte, []byte,
		error)
}

// NewHtlcScript builds the HtlcScript for the requested version. claimKey is
// the public key of the party entitled to spend with the preimage (the
// service for submarine swaps and the receiving leg of a chain swap, the
// user for reverse swaps and the sending leg of a chain swap); refundKey is
// the public key of the party
// entitled to spend after cltvExpiry.
func NewHtlcScript(version ScriptVersion, swapHash lntypes.Hash,
	claimKey, refundKey *btcec.PublicKey,
	cltvExpiry uint32) (HtlcScript, error) {

	switch version {
	case Legacy:
		return newLegacyHtlcScript(swapHash, claimKey, refundKey, cltvExpiry)

	case Taproot:
		return newTaprootHtlcScript(swapHash, claimKey, refundKey, cltvExpiry)

	default:
		return nil, fmt.Errorf("unknown script version %v", version)
	}
}

// legacyHtlcScript is a P2WSH HTLC:
//
//	OP_SIZE 32 OP_EQUAL
//	OP_IF
//	    OP_HASH160 <ripemd160(swapHash)> OP_EQUALVERIFY
//	    <claimKey>
//	OP_ELSE
//	    OP_DROP
//	    <cltvExpiry>
//	    OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refundKey>
//	OP_ENDIF
//	OP_CHECKSIG
type legacyHtlcScript struct {
	swapHash   lntypes.Hash
	claimKey   *btcec.PublicKey
	refundKey  *btcec.PublicKey
	cltvExpiry int64
	script     []byte
}

func newLegacyHtlcScript(swapHash lntypes.Hash, claimKey,
	refundKey *btcec.PublicKey, cltvExpiry uint32) (*legacyHtlcScript,
	error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(input.Ripemd160H(swapHash[:]))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(cltvExpiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	script, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return &legacyHtlcScript{
		swapHash:   swapHash,
		claimKey:   claimKey,
		refundKey:  refundKey,
		cltvExpiry: int64(cltvExpiry),
		script:     script,
	}, nil
}

func (h *legacyHtlcScript) GenSuccessWitness(claimSig []byte,
	preimage lntypes.Preimage) (wire.TxWitness, error) {

	return wire.TxWitness{
		claimSig,
		preimage[:],
		h.script,
	}, nil
}

func (h *legacyHtlcScript) GenTimeoutWitness(
	refundSig []byte) (wire.TxWitness, error) {

	return wire.TxWitness{
		refundSig,
		{},
		h.script,
	}, nil
}

func (h *legacyHtlcScript) IsSuccessWitness(witness wire.TxWitness) bool {
	if len(witness) != 3 {
		return false
	}

	return len(witness[1]) == lntypes.HashSize
}

func (h *legacyHtlcScript) TimeoutScript() []byte {
	return h.script
}

func (h *legacyHtlcScript) SuccessScript() []byte {
	return h.script
}

func (h *legacyHtlcScript) MaxSuccessWitnessSize() int {
	// element count, sig (73), preimage (32), script.
	return 1 + 1 + 73 + 1 + 32 + 1 + len(h.script)
}

func (h *legacyHtlcScript) MaxTimeoutWitnessSize() int {
	// element count, sig (73), empty push, script.
	return 1 + 1 + 73 + 1 + 1 + len(h.script)
}

func (h *legacyHtlcScript) SuccessSequence() uint32 {
	return 0
}

func (h *legacyHtlcScript) SigHash() txscript.SigHashType {
	return txscript.SigHashAll
}

func (h *legacyHtlcScript) LockingConditions(outputType HtlcOutputType,
	chainParams *chaincfg.Params) (btcutil.Address, []byte, []byte,
	error) {

	if outputType != OutputP2WSH {
		return nil, nil, nil, fmt.Errorf("legacy htlc only supports "+
			"P2WSH outputs, got: %v", outputType)
	}

	scriptHash, err := input.WitnessScriptHash(h.script)
	if err != nil {
		return nil, nil, nil, err
	}

	address, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash, chainParams,
	)
	if err != nil {
		return nil, nil, nil, err
	}

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, nil, nil, err
	}

	return address, pkScript, nil, nil
}

// taprootHtlcScript is a P2TR output whose internal key is the MuSig2
// aggregation of claimKey and refundKey, with a claim tapleaf enforcing the
// preimage branch and a timeout tapleaf enforcing the CLTV branch.
type taprootHtlcScript struct {
	swapHash       lntypes.Hash
	claimScript    []byte
	timeoutScript  []byte
	taprootKey     *secp.PublicKey
	internalPubKey *secp.PublicKey
	tapscriptRoot  [32]byte
}

func newTaprootHtlcScript(swapHash lntypes.Hash, claimKey,
	refundKey *btcec.PublicKey, cltvExpiry uint32) (*taprootHtlcScript,
	error) {

	var schnorrClaimKey, schnorrRefundKey [32]byte
	copy(schnorrClaimKey[:], schnorr.SerializePubKey(claimKey))
	copy(schnorrRefundKey[:], schnorr.SerializePubKey(refundKey))

	claimScript, err := GenClaimPathScript(schnorrClaimKey, swapHash)
	if err != nil {
		return nil, err
	}

	timeoutScript, err := GenTimeoutPathScript(
		schnorrRefundKey, int64(cltvExpiry),
	)
	if err != nil {
		return nil, err
	}

	claimLeaf := txscript.NewBaseTapLeaf(claimScript)
	timeoutLeaf := txscript.NewBaseTapLeaf(timeoutScript)

	tree := txscript.AssembleTaprootScriptTree(claimLeaf, timeoutLeaf)
	rootHash := tree.RootNode.TapHash()

	// The internal key is the MuSig2 aggregation of both parties' keys.
	// Aggregation itself is session state owned by the cosigner; here we
	// only need the deterministic combined key, which is pure function
	// of both public keys.
	aggKey, _, _, err := musig2CombineKeys(claimKey, refundKey)
	if err != nil {
		return nil, err
	}

	taprootKey := txscript.ComputeTaprootOutputKey(aggKey, rootHash[:])

	return &taprootHtlcScript{
		swapHash:       swapHash,
		claimScript:    claimScript,
		timeoutScript:  timeoutScript,
		taprootKey:     taprootKey,
		internalPubKey: aggKey,
		tapscriptRoot:  rootHash,
	}, nil
}

// GenTimeoutPathScript returns the tapscript leaf enforcing the timeout
// branch of a taproot HTLC: refundHtlcKey checks a signature, then the
// absolute timelock is enforced.
func GenTimeoutPathScript(refundHtlcKey [32]byte,
	cltvExpiry int64) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddData(refundHtlcKey[:])
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(cltvExpiry)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	return builder.Script()
}

// GenClaimPathScript returns the tapscript leaf enforcing the claim branch
// of a taproot HTLC: claimHtlcKey checks a signature, then a 32-byte
// preimage hashing to swapHash is required, then a 1-block relative
// timelock (so the claim can only be mined, never re-spent in the same
// block it was broadcast in) is enforced.
func GenClaimPathScript(claimHtlcKey [32]byte,
	swapHash lntypes.Hash) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddData(claimHtlcKey[:])
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(input.Ripemd160H(swapHash[:]))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddInt64(1)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	return builder.Script()
}

func (h *taprootHtlcScript) genControlBlock(leafScript []byte) ([]byte,
	error) {

	var outputKeyYIsOdd bool
	if h.taprootKey.SerializeCompressed()[0] == secp.PubKeyFormatCompressedOdd {
		outputKeyYIsOdd = true
	}

	leaf := txscript.NewBaseTapLeaf(leafScript)
	proof := leaf.TapHash()

	controlBlock := txscript.ControlBlock{
		InternalKey:     h.internalPubKey,
		OutputKeyYIsOdd: outputKeyYIsOdd,
		LeafVersion:     txscript.BaseLeafVersion,
		InclusionProof:  proof[:],
	}

	return controlBlock.ToBytes()
}

func (h *taprootHtlcScript) GenSuccessWitness(claimSig []byte,
	preimage lntypes.Preimage) (wire.TxWitness, error) {

	controlBlockBytes, err := h.genControlBlock(h.timeoutScript)
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{
		preimage[:],
		claimSig,
		h.claimScript,
		controlBlockBytes,
	}, nil
}

func (h *taprootHtlcScript) GenTimeoutWitness(
	refundSig []byte) (wire.TxWitness, error) {

	controlBlockBytes, err := h.genControlBlock(h.claimScript)
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{
		refundSig,
		h.timeoutScript,
		controlBlockBytes,
	}, nil
}

func (h *taprootHtlcScript) IsSuccessWitness(witness wire.TxWitness) bool {
	return len(witness) == 4
}

func (h *taprootHtlcScript) TimeoutScript() []byte {
	return h.timeoutScript
}

func (h *taprootHtlcScript) SuccessScript() []byte {
	return h.claimScript
}

func (h *taprootHtlcScript) MaxSuccessWitnessSize() int {
	return 1 + 1 + 73 + 1 + 32 + 1 + len(h.claimScript) + 1 + 4129
}

func (h *taprootHtlcScript) MaxTimeoutWitnessSize() int {
	return 1 + 1 + 73 + 1 + len(h.timeoutScript) + 1 + 4129
}

func (h *taprootHtlcScript) SuccessSequence() uint32 {
	return 1
}

func (h *taprootHtlcScript) SigHash() txscript.SigHashType {
	return txscript.SigHashDefault
}

func (h *taprootHtlcScript) LockingConditions(outputType HtlcOutputType,
	chainParams *chaincfg.Params) (btcutil.Address, []byte, []byte,
	error) {

	if outputType != OutputP2TR {
		return nil, nil, nil, fmt.Errorf("taproot htlc only supports "+
			"P2TR outputs, got: %v", outputType)
	}

	address, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(h.taprootKey), chainParams,
	)
	if err != nil {
		return nil, nil, nil, err
	}

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, nil, nil, err
	}

	return address, pkScript, nil, nil
}

// TaprootKey returns the output key of a taproot HTLC, needed to build the
// lockup transaction's pkScript and to verify cooperative signatures.
func (h *taprootHtlcScript) TaprootKey() *secp.PublicKey {
	return h.taprootKey
}

// InternalKey returns the untweaked MuSig2-aggregated internal key of a
// taproot HTLC.
func (h *taprootHtlcScript) InternalKey() *secp.PublicKey {
	return h.internalPubKey
}

// TapscriptRoot returns the merkle root of the claim and timeout tapleaves,
// the tweak a cooperative MuSig2 session must apply on top of the
// aggregated internal key to arrive at the same output key this HTLC pays
// to.
func (h *taprootHtlcScript) TapscriptRoot() [32]byte {
	return h.tapscriptRoot
}

// TaprootHtlcScript is implemented by HTLC scripts whose output is a single
// taproot key, letting callers that need the aggregated key material for
// cooperative signing recover it from a plain HtlcScript.
type TaprootHtlcScript interface {
	HtlcScript

	TaprootKey() *secp.PublicKey
	InternalKey() *secp.PublicKey
	TapscriptRoot() [32]byte
}
