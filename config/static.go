package config

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/swapd-project/swapd/feeestimator"
	"github.com/swapd-project/swapd/rateprovider"
)

// StaticRateProvider implements rateprovider.Provider from a PairsFile's
// configured rate, limits, and zero-conf terms. It exists for deployments
// that price pairs from a fixed configuration file rather than a live
// market-data feed, which remains external per scope.
type StaticRateProvider struct {
	pairs    *PairsFile
	zeroConf map[string]btcutil.Amount
}

// NewStaticRateProvider builds a StaticRateProvider from pairs.
func NewStaticRateProvider(pairs *PairsFile) *StaticRateProvider {
	zeroConf := make(map[string]btcutil.Amount, len(pairs.Pairs))
	for _, p := range pairs.Pairs {
		zeroConf[p.Base] = btcutil.Amount(p.Limits.ZeroConfMaximal)
	}

	return &StaticRateProvider{pairs: pairs, zeroConf: zeroConf}
}

// Rate implements rateprovider.Provider.
func (s *StaticRateProvider) Rate(pair string) (float64, error) {
	base, quote, err := splitPairID(pair)
	if err != nil {
		return 0, err
	}

	p, err := s.pairs.pair(base, quote)
	if err != nil {
		return 0, err
	}

	if p.Rate == nil {
		return 0, fmt.Errorf("pair %s has no configured rate", pair)
	}

	return *p.Rate, nil
}

// Limits implements rateprovider.Provider.
func (s *StaticRateProvider) Limits(pair string) (rateprovider.Limits, error) {
	base, quote, err := splitPairID(pair)
	if err != nil {
		return rateprovider.Limits{}, err
	}

	p, err := s.pairs.pair(base, quote)
	if err != nil {
		return rateprovider.Limits{}, err
	}

	return rateprovider.Limits{
		Minimal: btcutil.Amount(p.Limits.Minimal),
		Maximal: btcutil.Amount(p.Limits.Maximal),
	}, nil
}

// AcceptZeroConf implements rateprovider.Provider.
func (s *StaticRateProvider) AcceptZeroConf(chainCurrency string,
	amount btcutil.Amount) bool {

	limit, ok := s.zeroConf[chainCurrency]

	return ok && amount <= limit
}

// StaticFeeEstimator implements feeestimator.Estimator from a PairsFile's
// configured fee terms, for deployments that price fees from fixed
// configuration rather than a live fee oracle.
type StaticFeeEstimator struct {
	pairs *PairsFile
}

// NewStaticFeeEstimator builds a StaticFeeEstimator from pairs.
func NewStaticFeeEstimator(pairs *PairsFile) *StaticFeeEstimator {
	return &StaticFeeEstimator{pairs: pairs}
}

// EstimateFees implements feeestimator.Estimator.
func (s *StaticFeeEstimator) EstimateFees(pair string,
	_ btcutil.Amount) (feeestimator.Quote, error) {

	base, quote, err := splitPairID(pair)
	if err != nil {
		return feeestimator.Quote{}, err
	}

	p, err := s.pairs.pair(base, quote)
	if err != nil {
		return feeestimator.Quote{}, err
	}

	return feeestimator.Quote{
		BaseFee:          btcutil.Amount(p.Fee.BaseFee),
		PercentageFee:    p.Fee.PercentageFee,
		MinerFeeEstimate: btcutil.Amount(p.Fee.MinerFeeEstimate),
	}, nil
}

func splitPairID(pair string) (string, string, error) {
	base, quote, ok := strings.Cut(pair, "/")
	if !ok {
		return "", "", fmt.Errorf("malformed pair id %q", pair)
	}

	return base, quote, nil
}
