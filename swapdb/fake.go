package swapdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapderrors"
)

// FakeRepository is an in-process Repository for tests: every swap kind is
// kept in its own map, guarded by one mutex, with no durability and no
// concurrency beyond what the mutex serializes.
type FakeRepository struct {
	mu sync.Mutex

	submarine map[string]*SubmarineSwap
	reverse   map[string]*ReverseSwap
	chain     map[string]*ChainSwap
}

// NewFakeRepository returns an empty FakeRepository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		submarine: make(map[string]*SubmarineSwap),
		reverse:   make(map[string]*ReverseSwap),
		chain:     make(map[string]*ChainSwap),
	}
}

func (r *FakeRepository) CreateSubmarineSwap(_ context.Context,
	swp *SubmarineSwap) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.submarine {
		if existing.PreimageHash == swp.PreimageHash {
			return swapderrors.New(swapderrors.CodeSwapWithPreimageExists,
				swp.PreimageHash.String())
		}
		if existing.Invoice == swp.Invoice {
			return swapderrors.New(swapderrors.CodeSwapWithInvoiceExists,
				swp.Invoice)
		}
	}

	cp := *swp
	r.submarine[swp.ID] = &cp

	return nil
}

func (r *FakeRepository) CreateReverseSwap(_ context.Context,
	swp *ReverseSwap) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.reverse {
		if existing.PreimageHash == swp.PreimageHash {
			return swapderrors.New(swapderrors.CodeSwapWithPreimageExists,
				swp.PreimageHash.String())
		}
	}

	cp := *swp
	r.reverse[swp.ID] = &cp

	return nil
}

func (r *FakeRepository) CreateChainSwap(_ context.Context,
	swp *ChainSwap) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.chain {
		if existing.PreimageHash == swp.PreimageHash {
			return swapderrors.New(swapderrors.CodeSwapWithPreimageExists,
				swp.PreimageHash.String())
		}
	}

	cp := *swp
	r.chain[swp.ID] = &cp

	return nil
}

func (r *FakeRepository) FetchSubmarineSwap(_ context.Context,
	id string) (*SubmarineSwap, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	swp, ok := r.submarine[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *swp

	return &cp, nil
}

func (r *FakeRepository) FetchReverseSwap(_ context.Context,
	id string) (*ReverseSwap, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	swp, ok := r.reverse[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *swp

	return &cp, nil
}

func (r *FakeRepository) FetchChainSwap(_ context.Context,
	id string) (*ChainSwap, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	swp, ok := r.chain[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *swp

	return &cp, nil
}

func (r *FakeRepository) FetchByPreimageHash(_ context.Context,
	preimageHash lntypes.Hash) (Kind, string, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, swp := range r.submarine {
		if swp.PreimageHash == preimageHash {
			return KindSubmarine, swp.ID, nil
		}
	}
	for _, swp := range r.reverse {
		if swp.PreimageHash == preimageHash {
			return KindReverse, swp.ID, nil
		}
	}
	for _, swp := range r.chain {
		if swp.PreimageHash == preimageHash {
			return KindChain, swp.ID, nil
		}
	}

	return 0, "", ErrNotFound
}

func (r *FakeRepository) FetchByInvoice(_ context.Context,
	invoice string) (Kind, string, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, swp := range r.submarine {
		if swp.Invoice == invoice {
			return KindSubmarine, swp.ID, nil
		}
	}
	for _, swp := range r.reverse {
		if swp.Invoice == invoice {
			return KindReverse, swp.ID, nil
		}
	}

	return 0, "", ErrNotFound
}

func (r *FakeRepository) FetchNonTerminal(_ context.Context,
	kind swap.Kind) ([]string, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string

	switch kind {
	case KindSubmarine:
		for id, swp := range r.submarine {
			if len(submarineTransitions[swp.Status]) > 0 {
				ids = append(ids, id)
			}
		}
	case KindReverse:
		for id, swp := range r.reverse {
			if len(reverseTransitions[swp.Status]) > 0 {
				ids = append(ids, id)
			}
		}
	default:
		for id, swp := range r.chain {
			if len(chainTransitions[swp.Status]) > 0 {
				ids = append(ids, id)
			}
		}
	}

	return ids, nil
}

func (r *FakeRepository) UpdateSubmarineStatus(_ context.Context, id string,
	update StatusUpdate) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	swp, ok := r.submarine[id]
	if !ok {
		return ErrNotFound
	}

	if err := applyUpdate(
		KindSubmarine, &swp.Envelope, update,
	); err != nil {
		return err
	}

	switch update.TransactionField {
	case TxFieldLockup:
		swp.LockupTransactionID = update.TransactionID
	case TxFieldClaim:
		swp.ClaimTransactionID = update.TransactionID
	}

	return nil
}

func (r *FakeRepository) UpdateReverseStatus(_ context.Context, id string,
	update StatusUpdate) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	swp, ok := r.reverse[id]
	if !ok {
		return ErrNotFound
	}

	if err := applyUpdate(KindReverse, &swp.Envelope, update); err != nil {
		return err
	}

	switch update.TransactionField {
	case TxFieldClaim:
		// the service's own lockup id is set at creation time; claim
		// is the user-observed spend of it.
	case TxFieldRefund:
		swp.RefundTransactionID = update.TransactionID
	}

	return nil
}

func (r *FakeRepository) UpdateChainStatus(_ context.Context, id string,
	update StatusUpdate) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	swp, ok := r.chain[id]
	if !ok {
		return ErrNotFound
	}

	if err := applyUpdate(KindChain, &swp.Envelope, update); err != nil {
		return err
	}

	switch update.TransactionField {
	case TxFieldSendingClaim:
		swp.SendingData.ClaimTransactionID = update.TransactionID
	case TxFieldSendingRefund:
		swp.SendingData.RefundTransactionID = update.TransactionID
	case TxFieldReceivingLockup:
		swp.ReceivingData.LockupTransactionID = update.TransactionID
	case TxFieldReceivingClaim:
		swp.ReceivingData.ClaimTransactionID = update.TransactionID
	case TxFieldReceivingRefund:
		swp.ReceivingData.RefundTransactionID = update.TransactionID
	}

	return nil
}

func (r *FakeRepository) Close() error {
	return nil
}

// applyUpdate is the shared status-transition body UpdateSubmarineStatus,
// UpdateReverseStatus and UpdateChainStatus each apply to their own record's
// embedded Envelope.
func applyUpdate(kind Kind, env *Envelope, update StatusUpdate) error {
	if env.Version != update.ExpectedVersion {
		return ErrVersionConflict
	}

	if !Reachable(kind, env.Status, update.Status) {
		return swapderrors.New(swapderrors.CodeSwapNotFound, fmt.Sprintf(
			"status %s is not reachable from %s", update.Status,
			env.Status,
		))
	}

	env.Status = update.Status
	env.Version++

	if update.Preimage != nil {
		env.Preimage = update.Preimage
	}

	return nil
}
