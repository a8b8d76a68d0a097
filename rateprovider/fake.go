package rateprovider

import "github.com/btcsuite/btcd/btcutil"

// FakeProvider is an in-process Provider for tests: a fixed rate and limits
// per pair, with zero-conf acceptance gated by a simple per-currency
// threshold.
type FakeProvider struct {
	rates          map[string]float64
	limits         map[string]Limits
	zeroConfLimits map[string]btcutil.Amount
}

// NewFakeProvider returns an empty FakeProvider; populate it with SetRate
// and SetLimits before use.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		rates:          make(map[string]float64),
		limits:         make(map[string]Limits),
		zeroConfLimits: make(map[string]btcutil.Amount),
	}
}

func (f *FakeProvider) SetRate(pair string, rate float64) {
	f.rates[pair] = rate
}

func (f *FakeProvider) SetLimits(pair string, limits Limits) {
	f.limits[pair] = limits
}

func (f *FakeProvider) SetZeroConfLimit(chainCurrency string,
	limit btcutil.Amount) {

	f.zeroConfLimits[chainCurrency] = limit
}

func (f *FakeProvider) Rate(pair string) (float64, error) {
	rate, ok := f.rates[pair]
	if !ok {
		return 0, errUnknownPair(pair)
	}

	return rate, nil
}

func (f *FakeProvider) Limits(pair string) (Limits, error) {
	limits, ok := f.limits[pair]
	if !ok {
		return Limits{}, errUnknownPair(pair)
	}

	return limits, nil
}

func (f *FakeProvider) AcceptZeroConf(chainCurrency string,
	amount btcutil.Amount) bool {

	limit, ok := f.zeroConfLimits[chainCurrency]

	return ok && amount <= limit
}

type unknownPairError string

func (e unknownPairError) Error() string {
	return "no rate configured for pair " + string(e)
}

func errUnknownPair(pair string) error {
	return unknownPairError(pair)
}
