package feeestimator

import "github.com/btcsuite/btcd/btcutil"

// FakeEstimator is an in-process Estimator for tests: it returns the same
// configured quote regardless of pair or amount.
type FakeEstimator struct {
	Quote Quote
	Err   error
}

// NewFakeEstimator returns a FakeEstimator that always quotes quote.
func NewFakeEstimator(quote Quote) *FakeEstimator {
	return &FakeEstimator{Quote: quote}
}

func (f *FakeEstimator) EstimateFees(_ string,
	_ btcutil.Amount) (Quote, error) {

	if f.Err != nil {
		return Quote{}, f.Err
	}

	return f.Quote, nil
}
