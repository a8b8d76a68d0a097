package sweep

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/lnwallet"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/test"
)

func newTestHtlc(t *testing.T, version swap.ScriptVersion) (swap.HtlcScript,
	*btcec.PrivateKey, *btcec.PrivateKey, lntypes.Preimage) {

	t.Helper()

	var preimage lntypes.Preimage
	copy(preimage[:], []byte("sweeper test preimage material!"))
	hash := preimage.Hash()

	claimPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	refundPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	htlc, err := swap.NewHtlcScript(
		version, hash, claimPriv.PubKey(), refundPriv.PubKey(), 600,
	)
	require.NoError(t, err)

	return htlc, claimPriv, refundPriv, preimage
}

func TestSweeperClaimAndRefundLegacy(t *testing.T) {
	defer test.Guard(t)()

	signer := lnwallet.NewFakeSigner()
	sweeper := New(signer)

	htlc, _, _, preimage := newTestHtlc(t, swap.Legacy)

	desc, err := signer.DeriveNextKey(context.Background(), 0)
	require.NoError(t, err)

	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	outpoint := wire.OutPoint{Index: 0}

	claimTx, err := sweeper.ClaimTx(
		context.Background(), swap.Legacy, htlc, outpoint, 100_000,
		preimage, desc.KeyLocator, destAddr, chainfee.SatPerKWeight(253),
	)
	require.NoError(t, err)
	require.Len(t, claimTx.TxIn, 1)
	require.Len(t, claimTx.TxOut, 1)
	require.Less(t, claimTx.TxOut[0].Value, int64(100_000))

	refundTx, err := sweeper.RefundTx(
		context.Background(), swap.Legacy, htlc, outpoint, 100_000,
		desc.KeyLocator, destAddr, 600, chainfee.SatPerKWeight(253),
	)
	require.NoError(t, err)
	require.Equal(t, uint32(600), refundTx.LockTime)
}

func TestSweeperClaimTaproot(t *testing.T) {
	defer test.Guard(t)()

	signer := lnwallet.NewFakeSigner()
	sweeper := New(signer)

	htlc, _, _, preimage := newTestHtlc(t, swap.Taproot)

	desc, err := signer.DeriveNextKey(context.Background(), 0)
	require.NoError(t, err)

	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	outpoint := wire.OutPoint{Index: 0}

	claimTx, err := sweeper.ClaimTx(
		context.Background(), swap.Taproot, htlc, outpoint, 100_000,
		preimage, desc.KeyLocator, destAddr, chainfee.SatPerKWeight(253),
	)
	require.NoError(t, err)
	require.Len(t, claimTx.TxIn[0].Witness, 4)
}
