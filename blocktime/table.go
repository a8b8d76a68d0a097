// Package blocktime holds the static currency-to-block-time mapping used to
// convert wall-clock timeout configuration into per-chain block counts.
package blocktime

import "time"

// Generic is the block time assumed for any currency symbol that has no
// entry in a Table. It mirrors the ETH entry, matching the convention that
// unknown tokens are priced like an EVM chain for timeout purposes.
const Generic = "ETH"

// defaults holds the block times shipped with the package. Minutes per
// block, expressed as a time.Duration for direct use in timeout math.
var defaults = Table{
	"BTC":      10 * time.Minute,
	"LTC":      150 * time.Second,
	"ETH":      12 * time.Second,
	"L-BTC":    time.Minute,
	"ELEMENTS": time.Minute,
}

// Table maps a currency symbol to the average time between blocks on that
// chain.
type Table map[string]time.Duration

// NewDefaultTable returns a copy of the built-in block time table so callers
// can mutate it (via SetBlockTime) without affecting other instances.
func NewDefaultTable() Table {
	t := make(Table, len(defaults))
	for symbol, d := range defaults {
		t[symbol] = d
	}

	return t
}

// BlockTime returns the block time for symbol, falling back to the Generic
// entry for symbols the table doesn't know about.
func (t Table) BlockTime(symbol string) time.Duration {
	if d, ok := t[symbol]; ok {
		return d
	}

	return t[Generic]
}

// SetBlockTime installs or overrides the block time for symbol. Used for
// test networks or newly supported chains; never mutated through package-
// level state.
func (t Table) SetBlockTime(symbol string, d time.Duration) {
	t[symbol] = d
}
