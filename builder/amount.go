package builder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"github.com/swapd-project/swapd/rateprovider"
	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapderrors"
	"github.com/swapd-project/swapd/timeout"
)

// convertRate applies rate to amount using exact decimal arithmetic rather
// than float64, since a rate/amount pair that happens to round differently
// in binary floating point than in decimal would otherwise let a swap's
// on-chain leg settle a few satoshis off from what the quoted rate implies.
// roundUp selects ceil (the service must not under-collect) vs floor (the
// service must not over-pay) per call site.
func convertRate(amount btcutil.Amount, rate float64, roundUp bool) btcutil.Amount {
	product := decimal.NewFromInt(int64(amount)).
		Mul(decimal.NewFromFloat(rate))

	if roundUp {
		return btcutil.Amount(product.Ceil().IntPart())
	}

	return btcutil.Amount(product.Floor().IntPart())
}

// verifyAmount enforces spec.md §4.2's verifyAmount: amounts are converted
// into the rate-provider's min/max unit before being bounds-checked, with
// the conversion direction depending on both the order side and whether
// this is a reverse swap's Lightning-denominated amount. SPEC_FULL.md §4.2
// additionally rejects non-positive amounts up front, since the
// distillation is silent on that edge case but a zero or negative amount
// would make the floor/ceil rate conversion below meaningless.
func verifyAmount(limits rateprovider.Limits, rate float64,
	amount btcutil.Amount, side timeout.OrderSide, kind swap.Kind) error {

	if amount <= 0 {
		return swapderrors.New(
			swapderrors.CodeBeneathMinimalAmount,
			"amount must be positive",
		)
	}

	convert := (kind != swap.Reverse && side == timeout.Buy) ||
		(kind == swap.Reverse && side == timeout.Sell)

	if !convert {
		if amount > limits.Maximal {
			return swapderrors.New(
				swapderrors.CodeExceedMaximalAmount,
				fmt.Sprintf("amount %v exceeds maximal %v",
					amount, limits.Maximal),
			)
		}

		if amount < limits.Minimal {
			return swapderrors.New(
				swapderrors.CodeBeneathMinimalAmount,
				fmt.Sprintf("amount %v is beneath minimal %v",
					amount, limits.Minimal),
			)
		}

		return nil
	}

	floored := convertRate(amount, rate, false)

	if floored > limits.Maximal {
		return swapderrors.New(
			swapderrors.CodeExceedMaximalAmount,
			fmt.Sprintf("amount %v exceeds maximal %v",
				floored, limits.Maximal),
		)
	}

	if floored < limits.Minimal {
		return swapderrors.New(
			swapderrors.CodeBeneathMinimalAmount,
			fmt.Sprintf("amount %v is beneath minimal %v",
				floored, limits.Minimal),
		)
	}

	return nil
}
