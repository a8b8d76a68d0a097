// Package rateprovider defines the pair-metadata collaborator a
// SwapBuilder and TimeoutDeltaProvider consult for exchange rate, amount
// limits, and zero-conf policy. The provider itself (market-data feeds,
// per-currency zero-conf thresholds) lives outside the coordination core.
package rateprovider

import "github.com/btcsuite/btcd/btcutil"

// Limits bounds the amount of a pair's base currency a swap may move.
type Limits struct {
	Minimal btcutil.Amount
	Maximal btcutil.Amount
}

// Provider supplies exchange rate, limits, and zero-conf policy for a
// trading pair.
type Provider interface {
	// Rate returns the current exchange rate for pair, expressed as
	// quote-per-base.
	Rate(pair string) (float64, error)

	// Limits returns the configured amount bounds for pair, in the
	// base currency's smallest unit.
	Limits(pair string) (Limits, error)

	// AcceptZeroConf reports whether an unconfirmed transaction paying
	// amount on chainCurrency may be treated as settled without
	// waiting for a confirmation.
	AcceptZeroConf(chainCurrency string, amount btcutil.Amount) bool
}
