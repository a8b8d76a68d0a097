package swap

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/test"
)

// assertEngineExecution executes the VM returned by newEngine, asserting the
// result matches the validity expectation, stepping through and dumping the
// trace on mismatch.
func assertEngineExecution(t *testing.T, valid bool,
	newEngine func() (*txscript.Engine, error)) {

	t.Helper()

	vm, err := newEngine()
	require.NoError(t, err, "unable to create engine")

	vmErr := vm.Execute()
	executionValid := vmErr == nil
	if valid == executionValid {
		return
	}

	vm, err = newEngine()
	require.NoError(t, err, "unable to create engine")

	var debugBuf bytes.Buffer
	done := false
	for !done {
		dis, err := vm.DisasmPC()
		if err != nil {
			t.Fatalf("stepping (%v)\n", err)
		}
		debugBuf.WriteString(fmt.Sprintf("stepping %v\n", dis))

		done, err = vm.Step()
		if err != nil && valid {
			fmt.Println(debugBuf.String())
			t.Fatalf("spend test case failed, spend "+
				"should be valid: %v", err)
		} else if err == nil && !valid && done {
			fmt.Println(debugBuf.String())
			t.Fatalf("spend test case succeeded, spend "+
				"should be invalid: %v", err)
		}

		debugBuf.WriteString(fmt.Sprintf("Stack: %v", vm.GetStack()))
		debugBuf.WriteString(fmt.Sprintf("AltStack: %v", vm.GetAltStack()))
	}

	validity := "invalid"
	if valid {
		validity = "valid"
	}

	fmt.Println(debugBuf.String())
	t.Fatalf("%v spend test case execution ended with: %v", validity, vmErr)
}

// TestLegacyHtlc exercises the Legacy HTLC script's claim and timeout spend
// paths via full script-engine execution, including the adversarial wrong
// key and wrong timelock cases.
func TestLegacyHtlc(t *testing.T) {
	const (
		htlcValue      = btcutil.Amount(1 * 10e8)
		testCltvExpiry = 24
	)

	testPreimage := lntypes.Preimage([32]byte{1, 2, 3})
	swapHash := lntypes.Hash(sha256.Sum256(testPreimage[:]))

	fundingOut := &wire.OutPoint{
		Hash:  chainhash.Hash(sha256.Sum256([]byte{1, 2, 3})),
		Index: 50,
	}
	fakeFundingTxIn := wire.NewTxIn(fundingOut, nil, nil)

	sweepTx := wire.NewMsgTx(2)
	sweepTx.AddTxIn(fakeFundingTxIn)
	sweepTx.AddTxOut(&wire.TxOut{
		PkScript: []byte("doesn't matter"),
		Value:    int64(htlcValue),
	})

	refundPrivKey, refundPubKey := test.CreateKey(1)
	claimPrivKey, claimPubKey := test.CreateKey(2)

	htlc, err := NewHtlcScript(
		Legacy, swapHash, claimPubKey, refundPubKey, testCltvExpiry,
	)
	require.NoError(t, err)

	_, pkScript, _, err := htlc.LockingConditions(
		OutputP2WSH, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	htlcOutput := &wire.TxOut{Value: int64(htlcValue), PkScript: pkScript}

	refundSigner := &input.MockSigner{Privkeys: []*btcec.PrivateKey{refundPrivKey}}
	claimSigner := &input.MockSigner{Privkeys: []*btcec.PrivateKey{claimPrivKey}}

	signTx := func(pubkey *btcec.PublicKey,
		signer *input.MockSigner) (input.Signature, error) {

		signDesc := &input.SignDescriptor{
			KeyDesc:       keychain.KeyDescriptor{PubKey: pubkey},
			WitnessScript: htlc.SuccessScript(),
			Output:        htlcOutput,
			HashType:      htlc.SigHash(),
			SigHashes:     txscript.NewTxSigHashes(sweepTx),
			InputIndex:    0,
		}

		return signer.SignOutputRaw(sweepTx, signDesc)
	}

	newEngine := func() (*txscript.Engine, error) {
		return txscript.NewEngine(
			htlcOutput.PkScript, sweepTx, 0,
			txscript.StandardVerifyFlags, nil, nil,
			int64(htlcValue),
		)
	}

	testCases := []struct {
		name    string
		witness func(t *testing.T) wire.TxWitness
		valid   bool
	}{
		{
			name: "claim with valid preimage",
			witness: func(t *testing.T) wire.TxWitness {
				sweepTx.TxIn[0].Sequence = htlc.SuccessSequence()
				sig, err := signTx(claimPubKey, claimSigner)
				require.NoError(t, err)

				witness, err := htlc.GenSuccessWitness(
					sig.Serialize(), testPreimage,
				)
				require.NoError(t, err)

				return witness
			},
			valid: true,
		},
		{
			name: "claim fails with refund key",
			witness: func(t *testing.T) wire.TxWitness {
				sig, err := signTx(refundPubKey, refundSigner)
				require.NoError(t, err)

				witness, err := htlc.GenSuccessWitness(
					sig.Serialize(), testPreimage,
				)
				require.NoError(t, err)

				return witness
			},
			valid: false,
		},
		{
			name: "timeout fails before expiry",
			witness: func(t *testing.T) wire.TxWitness {
				sweepTx.LockTime = testCltvExpiry - 1
				sig, err := signTx(refundPubKey, refundSigner)
				require.NoError(t, err)

				witness, err := htlc.GenTimeoutWitness(sig.Serialize())
				require.NoError(t, err)

				return witness
			},
			valid: false,
		},
		{
			name: "timeout succeeds at expiry",
			witness: func(t *testing.T) wire.TxWitness {
				sweepTx.LockTime = testCltvExpiry
				sig, err := signTx(refundPubKey, refundSigner)
				require.NoError(t, err)

				witness, err := htlc.GenTimeoutWitness(sig.Serialize())
				require.NoError(t, err)

				return witness
			},
			valid: true,
		},
		{
			name: "timeout fails with claim key",
			witness: func(t *testing.T) wire.TxWitness {
				sweepTx.LockTime = testCltvExpiry
				sig, err := signTx(claimPubKey, claimSigner)
				require.NoError(t, err)

				witness, err := htlc.GenTimeoutWitness(sig.Serialize())
				require.NoError(t, err)

				return witness
			},
			valid: false,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			sweepTx.TxIn[0].Witness = tc.witness(t)
			assertEngineExecution(t, tc.valid, newEngine)
		})
	}
}

// TestTaprootHtlcWitnesses asserts the claim and timeout witnesses carry the
// correct leaf script and control-block shape, and that IsSuccessWitness
// discriminates between them.
func TestTaprootHtlcWitnesses(t *testing.T) {
	const testCltvExpiry = 24

	testPreimage := lntypes.Preimage([32]byte{1, 2, 3})
	swapHash := lntypes.Hash(sha256.Sum256(testPreimage[:]))

	_, refundPubKey := test.CreateKey(1)
	_, claimPubKey := test.CreateKey(2)

	htlc, err := NewHtlcScript(
		Taproot, swapHash, claimPubKey, refundPubKey, testCltvExpiry,
	)
	require.NoError(t, err)

	_, pkScript, sigScript, err := htlc.LockingConditions(
		OutputP2TR, &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	require.Nil(t, sigScript)
	require.True(t, txscript.IsPayToTaproot(pkScript))

	claimWitness, err := htlc.GenSuccessWitness([]byte("sig"), testPreimage)
	require.NoError(t, err)
	require.Len(t, claimWitness, 4)
	require.Equal(t, htlc.SuccessScript(), []byte(claimWitness[2]))
	require.True(t, htlc.IsSuccessWitness(claimWitness))

	timeoutWitness, err := htlc.GenTimeoutWitness([]byte("sig"))
	require.NoError(t, err)
	require.Len(t, timeoutWitness, 3)
	require.Equal(t, htlc.TimeoutScript(), []byte(timeoutWitness[1]))
	require.False(t, htlc.IsSuccessWitness(timeoutWitness))

	require.Equal(t, uint32(1), htlc.SuccessSequence())
	require.Equal(t, txscript.SigHashDefault, htlc.SigHash())
}
