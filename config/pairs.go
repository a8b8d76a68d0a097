package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/swapd-project/swapd/timeout"
)

// DeltaMinutes is one side's wall-clock timeout configuration, decodable
// from either a bare integer (applied to all three fields) or a TOML table
// naming them individually, per §6.
type DeltaMinutes struct {
	Reverse     uint32
	SwapMinimal uint32
	SwapMaximal uint32
}

// UnmarshalTOML implements toml.Unmarshaler. A bare integer sets all three
// fields to the same value; a table decodes "reverse", "swapMinimal" and
// "swapMaximal" keys individually.
func (d *DeltaMinutes) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case int64:
		d.Reverse = uint32(v)
		d.SwapMinimal = uint32(v)
		d.SwapMaximal = uint32(v)

		return nil

	case map[string]interface{}:
		for key, raw := range v {
			n, ok := raw.(int64)
			if !ok {
				return fmt.Errorf("timeoutDelta.%s: expected an integer",
					key)
			}

			switch strings.ToLower(key) {
			case "reverse":
				d.Reverse = uint32(n)
			case "swapminimal":
				d.SwapMinimal = uint32(n)
			case "swapmaximal":
				d.SwapMaximal = uint32(n)
			default:
				return fmt.Errorf("timeoutDelta: unknown key %q", key)
			}
		}

		return nil

	default:
		return fmt.Errorf("timeoutDelta: expected an integer or a table, "+
			"got %T", value)
	}
}

// FeeConfig is the static fee terms config.StaticFeeEstimator quotes for a
// pair, in the on-chain leg's smallest unit (matching
// feeestimator.Quote).
type FeeConfig struct {
	BaseFee          int64
	PercentageFee    int64
	MinerFeeEstimate int64
}

// LimitsConfig bounds the base-currency amount a swap of the pair may
// move, and the threshold below which an unconfirmed lockup is accepted.
type LimitsConfig struct {
	Minimal         int64
	Maximal         int64
	ZeroConfMaximal int64
}

// PairConfig is one trading pair's static configuration, as loaded from
// the TOML pair configuration file: its exchange rate, fee terms, amount
// limits, and per-side timeout deltas.
type PairConfig struct {
	Base  string
	Quote string

	// Rate is the quote-per-base exchange rate. A nil Rate means the
	// pair is configured for timeout/limits purposes only; an external
	// rateprovider.Provider must be supplied instead of
	// StaticRateProvider.
	Rate *float64

	Fee    FeeConfig
	Limits LimitsConfig

	BaseTimeoutDelta  DeltaMinutes
	QuoteTimeoutDelta DeltaMinutes
}

// ID returns the pair identifier used throughout the core, "BASE/QUOTE".
func (p PairConfig) ID() string {
	return p.Base + "/" + p.Quote
}

// PairsFile is the root of the TOML pair configuration file.
type PairsFile struct {
	Pairs []PairConfig

	path string
}

// LoadPairsFile parses the TOML pair configuration at path.
func LoadPairsFile(path string) (*PairsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pairs file %s: %w", path, err)
	}

	var pf PairsFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing pairs file %s: %w", path, err)
	}

	pf.path = path

	return &pf, nil
}

// pair returns a pointer to the stored PairConfig matching base/quote, so
// callers can mutate it in place.
func (pf *PairsFile) pair(base, quote string) (*PairConfig, error) {
	for i := range pf.Pairs {
		if pf.Pairs[i].Base == base && pf.Pairs[i].Quote == quote {
			return &pf.Pairs[i], nil
		}
	}

	return nil, fmt.Errorf("no configured pair %s/%s", base, quote)
}

// PersistPairTimeout implements timeout.ConfigPersister: it updates the
// timeout delta for one side of a pair in memory and atomically rewrites
// the backing TOML file so the change survives a restart.
func (pf *PairsFile) PersistPairTimeout(pairID string, side timeout.Side,
	minutes timeout.TimeoutMinutes) error {

	base, quote, ok := strings.Cut(pairID, "/")
	if !ok {
		return fmt.Errorf("malformed pair id %q", pairID)
	}

	pair, err := pf.pair(base, quote)
	if err != nil {
		return err
	}

	delta := DeltaMinutes{
		Reverse:     minutes.Reverse,
		SwapMinimal: minutes.SwapMinimal,
		SwapMaximal: minutes.SwapMaximal,
	}

	switch side {
	case timeout.Base:
		pair.BaseTimeoutDelta = delta
	case timeout.Quote:
		pair.QuoteTimeoutDelta = delta
	default:
		return fmt.Errorf("unknown pair side %v", side)
	}

	return pf.save()
}

// save atomically rewrites the backing TOML file: marshal to a temp file
// in the same directory, then rename over the original, so a reader never
// observes a partially written file.
func (pf *PairsFile) save() error {
	data, err := toml.Marshal(pf)
	if err != nil {
		return fmt.Errorf("marshaling pairs file: %w", err)
	}

	dir := filepath.Dir(pf.path)
	tmp, err := os.CreateTemp(dir, "pairs-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp pairs file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp pairs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp pairs file: %w", err)
	}

	if err := os.Rename(tmpPath, pf.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp pairs file: %w", err)
	}

	return nil
}

// ToTimeoutPairConfigs converts every configured pair into the minute
// configuration timeout.New expects.
func (pf *PairsFile) ToTimeoutPairConfigs() []timeout.PairConfig {
	out := make([]timeout.PairConfig, 0, len(pf.Pairs))

	for _, p := range pf.Pairs {
		out = append(out, timeout.PairConfig{
			Base:  p.Base,
			Quote: p.Quote,
			BaseMinutes: timeout.TimeoutMinutes{
				Reverse:     p.BaseTimeoutDelta.Reverse,
				SwapMinimal: p.BaseTimeoutDelta.SwapMinimal,
				SwapMaximal: p.BaseTimeoutDelta.SwapMaximal,
			},
			QuoteMinutes: timeout.TimeoutMinutes{
				Reverse:     p.QuoteTimeoutDelta.Reverse,
				SwapMinimal: p.QuoteTimeoutDelta.SwapMinimal,
				SwapMaximal: p.QuoteTimeoutDelta.SwapMaximal,
			},
		})
	}

	return out
}
