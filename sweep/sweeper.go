// Package sweep builds the single-input, single-output transactions that
// spend an HTLC output back onto the chain: a claim (preimage branch) or a
// refund (timeout branch). The nursery uses it to sign script-path spends
// unilaterally: it hands the Sweeper the HTLC outpoint, value and
// destination and gets back a finished, signed transaction. The cosigner
// does not use this package; it signs the transaction its counterparty
// supplies.
package sweep

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/swap"
)

// claimSequence is the relative-locktime value taproot claim spends must
// carry on their input, matching the 1-block OP_CHECKSEQUENCEVERIFY baked
// into swap.GenClaimPathScript.
const claimSequence = 1

// Sweeper builds and signs claim/refund transactions for an HTLC output.
// Key custody lives behind Signer; Sweeper only assembles the transaction
// shape and drives the script-path signing call.
type Sweeper struct {
	Signer lnwallet.Signer
}

// New returns a Sweeper signing through signer.
func New(signer lnwallet.Signer) *Sweeper {
	return &Sweeper{Signer: signer}
}

// ClaimTx builds and signs a transaction spending outpoint (carrying value,
// locked by htlc) to destAddr using preimage, with the claim key at keyLoc.
// version selects which of htlc's script-path signing methods applies.
func (s *Sweeper) ClaimTx(ctx context.Context, version swap.ScriptVersion,
	htlc swap.HtlcScript, outpoint wire.OutPoint, value btcutil.Amount,
	preimage lntypes.Preimage, keyLoc keychain.KeyLocator,
	destAddr btcutil.Address, feeRate chainfee.SatPerKWeight) (*wire.MsgTx,
	error) {

	pkScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("encoding destination script: %w", err)
	}

	fee := sweepFee(feeRate, htlc.MaxSuccessWitnessSize())
	if value <= fee {
		return nil, fmt.Errorf("claim value %v does not cover "+
			"sweep fee %v", value, fee)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outpoint,
		Sequence:         htlc.SuccessSequence(),
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: pkScript,
		Value:    int64(value - fee),
	})

	sig, err := s.signHtlcInput(
		ctx, version, tx, 0, htlc, htlc.SuccessScript(), value, keyLoc,
	)
	if err != nil {
		return nil, fmt.Errorf("signing claim: %w", err)
	}

	witness, err := htlc.GenSuccessWitness(sig, preimage)
	if err != nil {
		return nil, fmt.Errorf("building claim witness: %w", err)
	}
	tx.TxIn[0].Witness = witness

	return tx, nil
}

// RefundTx builds and signs a transaction spending outpoint (carrying
// value, locked by htlc) to destAddr after htlc's timeout, with the refund
// key at keyLoc. timeoutHeight becomes the transaction's locktime, enforced
// by the HTLC's CLTV branch.
func (s *Sweeper) RefundTx(ctx context.Context, version swap.ScriptVersion,
	htlc swap.HtlcScript, outpoint wire.OutPoint, value btcutil.Amount,
	keyLoc keychain.KeyLocator, destAddr btcutil.Address,
	timeoutHeight uint32, feeRate chainfee.SatPerKWeight) (*wire.MsgTx,
	error) {

	pkScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("encoding destination script: %w", err)
	}

	fee := sweepFee(feeRate, htlc.MaxTimeoutWitnessSize())
	if value <= fee {
		return nil, fmt.Errorf("refund value %v does not cover "+
			"sweep fee %v", value, fee)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = timeoutHeight
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outpoint,
		// Non-final so the absolute locktime above is enforced.
		Sequence: wire.MaxTxInSequenceNum - 1,
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: pkScript,
		Value:    int64(value - fee),
	})

	sig, err := s.signHtlcInput(
		ctx, version, tx, 0, htlc, htlc.TimeoutScript(), value, keyLoc,
	)
	if err != nil {
		return nil, fmt.Errorf("signing refund: %w", err)
	}

	witness, err := htlc.GenTimeoutWitness(sig)
	if err != nil {
		return nil, fmt.Errorf("building refund witness: %w", err)
	}
	tx.TxIn[0].Witness = witness

	return tx, nil
}

// signHtlcInput produces the script-path signature for inputIndex, covering
// both the legacy (P2WSH witness-script) and taproot (tapscript leaf)
// signing methods. leafScript is the success or timeout script/tapleaf
// being spent.
func (s *Sweeper) signHtlcInput(ctx context.Context,
	version swap.ScriptVersion, tx *wire.MsgTx, inputIndex int,
	htlc swap.HtlcScript, leafScript []byte, value btcutil.Amount,
	keyLoc keychain.KeyLocator) ([]byte, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serializing tx: %w", err)
	}

	signDesc := &input.SignDescriptor{
		KeyDesc: keychain.KeyDescriptor{KeyLocator: keyLoc},
		WitnessScript: leafScript,
		Output: &wire.TxOut{
			Value: int64(value),
		},
		HashType:   htlc.SigHash(),
		InputIndex: inputIndex,
	}

	if version == swap.Taproot {
		signDesc.SignMethod = input.TaprootScriptSpendSignMethod

		sig, err := s.Signer.SignOutputRaw(ctx, buf.Bytes(), signDesc)
		if err != nil {
			return nil, err
		}

		return sig, nil
	}

	pkScript, err := legacyPkScript(leafScript)
	if err != nil {
		return nil, fmt.Errorf("deriving htlc pkScript: %w", err)
	}

	signDesc.Output.PkScript = pkScript
	signDesc.SigHashes = txscript.NewTxSigHashes(
		tx, txscript.NewCannedPrevOutputFetcher(pkScript, int64(value)),
	)

	sig, err := s.Signer.SignOutputRaw(ctx, buf.Bytes(), signDesc)
	if err != nil {
		return nil, err
	}

	// SignOutputRaw strips the trailing sighash-type byte for legacy
	// witness signatures; the witness assembly in GenSuccessWitness/
	// GenTimeoutWitness expects a ready-to-use signature, so it is
	// re-appended here.
	return append(sig, byte(htlc.SigHash())), nil
}

// legacyPkScript returns the P2WSH output script locking a legacy HTLC
// witness script, independent of any chain's address prefix.
func legacyPkScript(witnessScript []byte) ([]byte, error) {
	scriptHash, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	address, err := btcutil.NewAddressWitnessScriptHash(
		scriptHash, &chaincfg.MainNetParams,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(address)
}

// sweepFee estimates the fee for a single-input, single-P2WKH-output sweep
// transaction at feeRate, sized for a witness no larger than
// maxWitnessSize.
func sweepFee(feeRate chainfee.SatPerKWeight,
	maxWitnessSize int) btcutil.Amount {

	var estimator input.TxWeightEstimator
	estimator.AddP2WKHOutput()
	estimator.AddWitnessInput(maxWitnessSize)

	return feeRate.FeeForWeight(int64(estimator.Weight()))
}
