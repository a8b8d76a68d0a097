package swapdb

import (
	"context"
	"errors"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
)

// ErrNotFound is returned by every Fetch method when no matching record
// exists.
var ErrNotFound = errors.New("swap not found")

// ErrVersionConflict is returned by the Update*Status methods when the
// record's version
// no longer matches the caller's expectation, meaning another observer
// updated it first (spec.md §3's "mutated only inside C7 or C8 under its
// per-kind lock" is enforced here as a compare-and-swap rather than
// trusted to caller discipline).
var ErrVersionConflict = errors.New("swap record changed concurrently")

// StatusUpdate describes a status transition to persist atomically,
// optionally revealing the preimage and/or recording a transaction id
// observed on the leg identified by Field.
type StatusUpdate struct {
	// ExpectedVersion must match the record's current Version or the
	// update is rejected with ErrVersionConflict.
	ExpectedVersion int64

	Status Status

	// Preimage, if non-nil, is persisted alongside the status change
	// (e.g. a submarine swap's invoice settling, or a reverse/chain
	// swap's claim transaction revealing it).
	Preimage *lntypes.Preimage

	// TransactionField names which transaction-id column this update
	// sets, if any. One of the TxField* constants, or "" for none.
	TransactionField string
	TransactionID    string
}

// Transaction-id fields a StatusUpdate can target. Chain swaps have two
// legs, so the field name disambiguates which leg's column to write.
const (
	TxFieldLockup  = "lockup"
	TxFieldClaim   = "claim"
	TxFieldRefund  = "refund"

	// TxFieldSendingLockup etc. disambiguate chain swap legs, which
	// have independent lockup/claim/refund transaction ids per side.
	TxFieldSendingLockup  = "sending_lockup"
	TxFieldSendingClaim   = "sending_claim"
	TxFieldSendingRefund  = "sending_refund"
	TxFieldReceivingLockup = "receiving_lockup"
	TxFieldReceivingClaim  = "receiving_claim"
	TxFieldReceivingRefund = "receiving_refund"
)

// Repository is the persistence surface C5 (SwapRepository) exposes to the
// builder, nursery and cosigner: creation, uniqueness/lookup queries, and
// atomic status transitions. Every swap kind shares the same Status DAG
// validation (see Reachable) and optimistic-concurrency discipline.
type Repository interface {
	// CreateSubmarineSwap persists a newly built submarine swap. Fails
	// with swapderrors.CodeSwapWithPreimageExists or
	// CodeSwapWithInvoiceExists if either uniqueness invariant (I1) is
	// violated.
	CreateSubmarineSwap(ctx context.Context, swp *SubmarineSwap) error

	// CreateReverseSwap persists a newly built reverse swap.
	CreateReverseSwap(ctx context.Context, swp *ReverseSwap) error

	// CreateChainSwap persists a newly built chain swap.
	CreateChainSwap(ctx context.Context, swp *ChainSwap) error

	// FetchSubmarineSwap returns the submarine swap with the given id.
	FetchSubmarineSwap(ctx context.Context, id string) (*SubmarineSwap, error)

	// FetchReverseSwap returns the reverse swap with the given id.
	FetchReverseSwap(ctx context.Context, id string) (*ReverseSwap, error)

	// FetchChainSwap returns the chain swap with the given id.
	FetchChainSwap(ctx context.Context, id string) (*ChainSwap, error)

	// FetchByPreimageHash locates any live swap, of any kind, carrying
	// preimageHash, enforcing I1's uniqueness invariant at creation
	// time and letting the nursery/cosigner resolve an inbound HTLC or
	// invoice event back to its swap without knowing the kind upfront.
	FetchByPreimageHash(ctx context.Context,
		preimageHash lntypes.Hash) (Kind, string, error)

	// FetchByInvoice locates the submarine or reverse swap whose
	// invoice matches invoice, used to reject duplicate invoices before
	// creation.
	FetchByInvoice(ctx context.Context, invoice string) (Kind, string, error)

	// FetchNonTerminal returns every swap of kind that is not yet in a
	// terminal status (claimed or refunded), used by the nursery on
	// startup to rehydrate its in-memory state machines after a
	// restart.
	FetchNonTerminal(ctx context.Context, kind swap.Kind) ([]string, error)

	// UpdateSubmarineStatus atomically applies update to the submarine
	// swap with the given id, validating the transition is reachable
	// per Reachable and the version matches update.ExpectedVersion.
	UpdateSubmarineStatus(ctx context.Context, id string,
		update StatusUpdate) error

	// UpdateReverseStatus is UpdateSubmarineStatus for reverse swaps.
	UpdateReverseStatus(ctx context.Context, id string,
		update StatusUpdate) error

	// UpdateChainStatus is UpdateSubmarineStatus for chain swaps.
	UpdateChainStatus(ctx context.Context, id string,
		update StatusUpdate) error

	// Close releases the repository's underlying connection pool.
	Close() error
}
