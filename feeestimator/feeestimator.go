// Package feeestimator defines the fee-quoting collaborator a SwapBuilder
// consults when pricing a swap. The estimator itself (market-data feeds,
// miner-fee oracles) lives outside the coordination core.
package feeestimator

import "github.com/btcsuite/btcd/btcutil"

// Quote is the fee breakdown for one pair/direction, expressed in the
// on-chain leg's smallest unit.
type Quote struct {
	// BaseFee is a flat fee charged regardless of amount.
	BaseFee btcutil.Amount

	// PercentageFee is expressed in swap.FeeRateTotalParts fixed-point,
	// applied to the swap amount.
	PercentageFee int64

	// MinerFeeEstimate is the expected on-chain mining fee for the
	// transaction the service must broadcast (lockup or claim,
	// depending on swap kind).
	MinerFeeEstimate btcutil.Amount
}

// Estimator supplies the fee terms a SwapBuilder needs to compute
// `expected`/`onchain` amounts.
type Estimator interface {
	// EstimateFees returns the fee quote for a swap of the given pair
	// and amount.
	EstimateFees(pair string, amount btcutil.Amount) (Quote, error)
}
