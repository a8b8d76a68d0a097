package swap

// Kind indicates which of the three swap variants a record represents.
type Kind uint8

const (
	// Submarine is a chain-to-Lightning swap: the user locks funds
	// on-chain, the service pays a Lightning invoice to claim them.
	Submarine Kind = iota

	// Reverse is a Lightning-to-chain swap: the user pays a Lightning
	// invoice, the service locks funds on-chain for the user to claim.
	Reverse

	// Chain is a chain-to-chain swap: both parties lock funds on their
	// respective chains.
	Chain
)

func (k Kind) String() string {
	switch k {
	case Submarine:
		return "Submarine"
	case Reverse:
		return "Reverse"
	case Chain:
		return "Chain"
	default:
		return "Unknown"
	}
}
