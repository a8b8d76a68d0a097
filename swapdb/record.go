package swapdb

import (
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/timeout"
)

// Envelope holds the fields common to every swap kind (spec.md §3's
// "common fields"), plus the audit/concurrency bookkeeping SPEC_FULL.md §3
// adds on top: CreatedAt/UpdatedAt for the retained audit trail, and
// Version for SwapRepository's optimistic-concurrency status updates.
type Envelope struct {
	ID            string
	Kind          swap.Kind
	Pair          string
	OrderSide     timeout.OrderSide
	ScriptVersion swap.ScriptVersion
	Status        Status
	Fee           int64
	PreimageHash  lntypes.Hash
	Preimage      *lntypes.Preimage
	Label         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// SubmarineSwap is a chain-to-Lightning swap record (spec.md §3).
type SubmarineSwap struct {
	Envelope

	Invoice            string
	InvoiceAmount      int64
	ExpectedAmount     int64
	AcceptZeroConf     bool
	LockupAddress      string
	RedeemScript       []byte
	KeyIndex           uint32
	RefundPublicKey    []byte
	TimeoutBlockHeight uint32
	LockupTransactionID string
	ClaimTransactionID  string
}

// ReverseSwap is a Lightning-to-chain swap record (spec.md §3).
type ReverseSwap struct {
	Envelope

	Invoice            string
	OnchainAmount      int64
	MinerFee           int64
	ClaimPublicKey     []byte
	LockupAddress      string
	RedeemScript       []byte
	KeyIndex           uint32
	TransactionID       string
	RefundTransactionID string
	TimeoutBlockHeight  uint32
}

// ChainSwapLeg is one symmetric side (sendingData or receivingData) of a
// ChainSwap record (spec.md §3), supplemented per SPEC_FULL.md §3 with
// LockupTransactionID/ClaimTransactionID/RefundTransactionID so a chain
// swap's legs carry the same transaction-id bookkeeping as a submarine or
// reverse swap's single leg.
type ChainSwapLeg struct {
	Symbol              string
	LockupAddress       string
	ExpectedAmount      int64
	RedeemScript        []byte
	KeyIndex            uint32
	TimeoutBlockHeight  uint32
	LockupTransactionID string
	ClaimTransactionID  string
	RefundTransactionID string

	// CounterpartyPublicKey is the public key of whichever party does
	// not hold KeyIndex on this leg: the user's refund key on
	// receivingData, the user's claim key on sendingData. Needed to
	// rebuild the leg's HtlcScript after a restart, the same way
	// SubmarineSwap.RefundPublicKey and ReverseSwap.ClaimPublicKey do
	// for their single leg.
	CounterpartyPublicKey []byte
}

// ChainSwap is a chain-to-chain swap record (spec.md §3).
type ChainSwap struct {
	Envelope

	AcceptZeroConf bool
	SendingData    ChainSwapLeg
	ReceivingData  ChainSwapLeg
}
