package swap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/lightningnetwork/lnd/keychain"

	"github.com/swapd-project/swapd/lnwallet"
)

// musig2CombineKeys returns the deterministic MuSig2 key aggregation of
// the two HTLC participants' keys. Key sorting is enabled so that the
// resulting internal key doesn't depend on call order.
func musig2CombineKeys(keyA, keyB *btcec.PublicKey) (*btcec.PublicKey,
	*musig2.AggregateKey, bool, error) {

	agg, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{keyA, keyB}, true,
	)
	if err != nil {
		return nil, nil, false, fmt.Errorf("aggregating musig2 "+
			"keys: %w", err)
	}

	return agg.FinalKey, agg, false, nil
}

// Musig2Session is the local handle returned after starting a cooperative
// signing round with a counterparty, ready to be used once their nonce has
// arrived.
type Musig2Session struct {
	SessionID   [32]byte
	CombinedKey *btcec.PublicKey
	PublicNonce [66]byte
}

// NewMusig2Session opens a cooperative signing session for a taproot HTLC
// spend: ourKey is our own key descriptor (as derived for this swap),
// theirKey is the counterparty's raw 32-byte schnorr key, and
// taprootTweak, when non-nil, is the HTLC's tapscript root hash.
func NewMusig2Session(ctx context.Context, signer lnwallet.Signer,
	ourKey *keychain.KeyDescriptor, theirKey [32]byte,
	taprootTweak *[32]byte) (*Musig2Session, error) {

	info, err := signer.NewMuSig2Session(
		ctx, ourKey.KeyLocator, theirKey, taprootTweak,
	)
	if err != nil {
		return nil, err
	}

	return &Musig2Session{
		SessionID:   info.SessionID,
		CombinedKey: info.CombinedKey,
		PublicNonce: info.PublicNonce,
	}, nil
}
