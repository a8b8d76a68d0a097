package swapdb

import "github.com/swapd-project/swapd/swap"

// Kind re-exports swap.Kind so callers of this package don't need a
// second import for the discriminator used throughout its API.
type Kind = swap.Kind

const (
	KindSubmarine = swap.Submarine
	KindReverse   = swap.Reverse
	KindChain     = swap.Chain
)

// Status is a swap's lifecycle state. Every value is part of the external
// protocol (persisted records and the EventBus feed expose it verbatim as
// an ASCII string), so these spellings are load-bearing and must never
// change.
type Status string

const (
	SwapCreated          Status = "swap.created"
	TransactionWaiting    Status = "transaction.waiting"
	TransactionMempool    Status = "transaction.mempool"
	TransactionConfirmed  Status = "transaction.confirmed"
	TransactionFailed     Status = "transaction.failed"
	TransactionLockupFailed Status = "transaction.lockupFailed"
	InvoicePending        Status = "invoice.pending"
	InvoicePaid           Status = "invoice.paid"
	InvoiceFailedToPay    Status = "invoice.failedToPay"
	InvoiceSettled        Status = "invoice.settled"
	InvoiceExpired        Status = "invoice.expired"
	ChannelCreated        Status = "channel.created"
	TransactionClaimed    Status = "transaction.claimed"
	TransactionRefunded   Status = "transaction.refunded"
	SwapExpired           Status = "swap.expired"
)

func (s Status) String() string {
	return string(s)
}

// FailedSwapUpdateEvents is the set of statuses from which a swap can only
// be recovered via a refund, never via claim. Used both to decide whether
// to keep watching for a delayed lockup and to gate cooperative refund
// eligibility (spec.md §4.4).
var FailedSwapUpdateEvents = map[Status]bool{
	TransactionFailed:   true,
	InvoiceFailedToPay:  true,
	SwapExpired:         true,
	TransactionRefunded: true,
	InvoiceExpired:      true,
}

// IsFailedSwapUpdate reports whether status is one of FailedSwapUpdateEvents.
func IsFailedSwapUpdate(status Status) bool {
	return FailedSwapUpdateEvents[status]
}

// transitions enumerates the reachable-state DAG per swap kind's initial
// status, used to validate that an incoming ledger/Lightning event moves a
// swap along a legal edge (spec.md §4.3's "transition to a state not
// reachable... is logged and dropped").
// Every pre-claim status can also transition to SwapExpired once a swap's
// timeoutBlockHeight is reached before a claim is seen (spec.md §4.3 "at
// timeoutBlockHeight reached before claim"), not just the status the
// distilled transition lists show arriving there for reverse swaps — a
// submarine or chain swap can expire from any status prior to its claim
// too.
var submarineTransitions = map[Status][]Status{
	SwapCreated:             {TransactionMempool, TransactionLockupFailed, SwapExpired},
	TransactionLockupFailed: {TransactionMempool, SwapExpired},
	TransactionMempool: {
		TransactionConfirmed, InvoicePaid, InvoiceFailedToPay,
		TransactionFailed, SwapExpired,
	},
	TransactionConfirmed: {
		InvoicePaid, InvoiceFailedToPay, SwapExpired,
	},
	InvoicePaid:        {TransactionClaimed, SwapExpired},
	InvoiceFailedToPay: {SwapExpired},
	TransactionFailed:  {SwapExpired},
	TransactionClaimed: {},
	SwapExpired:        {TransactionRefunded},
	TransactionRefunded: {},
}

var reverseTransitions = map[Status][]Status{
	TransactionWaiting:   {TransactionMempool, SwapExpired},
	TransactionMempool:   {TransactionConfirmed, InvoicePending, SwapExpired},
	TransactionConfirmed: {InvoicePending, SwapExpired},
	InvoicePending:       {InvoiceSettled, SwapExpired},
	InvoiceSettled:       {TransactionClaimed},
	TransactionClaimed:   {},
	SwapExpired:          {TransactionRefunded},
	TransactionRefunded:  {},
}

var chainTransitions = map[Status][]Status{
	TransactionWaiting:   {TransactionMempool, SwapExpired},
	TransactionMempool:   {TransactionConfirmed, TransactionClaimed, SwapExpired},
	TransactionConfirmed: {TransactionClaimed, SwapExpired},
	TransactionClaimed:   {},
	SwapExpired:          {TransactionRefunded},
	TransactionRefunded:  {},
}

func transitionsFor(kind Kind) map[Status][]Status {
	switch kind {
	case KindSubmarine:
		return submarineTransitions
	case KindReverse:
		return reverseTransitions
	default:
		return chainTransitions
	}
}

// Reachable reports whether target is a legal next status for a swap of
// kind kind currently in status current. Every status reaches itself
// trivially (a repeated delivery of the same event is a no-op per spec.md
// §4.3's idempotence rule).
func Reachable(kind Kind, current, target Status) bool {
	if current == target {
		return true
	}

	for _, next := range transitionsFor(kind)[current] {
		if next == target {
			return true
		}
	}

	return false
}

// TransitionsFor returns a copy of kind's reachable-state DAG, keyed by
// source status. Used by the nursery to build the per-swap fsm.States table
// its state machines run against, so the DAG is defined exactly once.
func TransitionsFor(kind Kind) map[Status][]Status {
	src := transitionsFor(kind)

	out := make(map[Status][]Status, len(src))
	for status, nexts := range src {
		cp := make([]Status, len(nexts))
		copy(cp, nexts)
		out[status] = cp
	}

	return out
}

// InitialStatus returns the status a freshly created swap of kind kind
// starts in.
func InitialStatus(kind Kind) Status {
	switch kind {
	case KindSubmarine:
		return SwapCreated
	default:
		return TransactionWaiting
	}
}
