package swap

import "github.com/lightningnetwork/lnd/keychain"

// KeyFamily is the wallet key family used to derive every swap's claim or
// refund key.
const KeyFamily = keychain.KeyFamily(718)
