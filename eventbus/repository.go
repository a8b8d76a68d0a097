package eventbus

import (
	"context"
	"time"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

// PublishingRepository wraps a swapdb.Repository so that every status
// transition written through it — by the nursery driving a swap's state
// machine, or by the cosigner settling a reverse swap's invoice
// cooperatively — is published to a Bus after the write succeeds. Every
// other Repository method is promoted unchanged through the embedded
// interface.
type PublishingRepository struct {
	swapdb.Repository

	bus *Bus
}

// NewPublishingRepository wraps repo so its status-changing methods also
// publish to bus.
func NewPublishingRepository(repo swapdb.Repository,
	bus *Bus) *PublishingRepository {

	return &PublishingRepository{Repository: repo, bus: bus}
}

func (r *PublishingRepository) publish(id string, kind swap.Kind,
	update swapdb.StatusUpdate) {

	r.bus.Publish(&Event{
		SwapID:     id,
		Kind:       kind,
		Status:     update.Status,
		Preimage:   update.Preimage,
		OccurredAt: time.Now().UTC(),
	})
}

// UpdateSubmarineStatus implements swapdb.Repository.
func (r *PublishingRepository) UpdateSubmarineStatus(ctx context.Context,
	id string, update swapdb.StatusUpdate) error {

	if err := r.Repository.UpdateSubmarineStatus(ctx, id, update); err != nil {
		return err
	}

	r.publish(id, swap.Submarine, update)

	return nil
}

// UpdateReverseStatus implements swapdb.Repository.
func (r *PublishingRepository) UpdateReverseStatus(ctx context.Context,
	id string, update swapdb.StatusUpdate) error {

	if err := r.Repository.UpdateReverseStatus(ctx, id, update); err != nil {
		return err
	}

	r.publish(id, swap.Reverse, update)

	return nil
}

// UpdateChainStatus implements swapdb.Repository.
func (r *PublishingRepository) UpdateChainStatus(ctx context.Context,
	id string, update swapdb.StatusUpdate) error {

	if err := r.Repository.UpdateChainStatus(ctx, id, update); err != nil {
		return err
	}

	r.publish(id, swap.Chain, update)

	return nil
}

// CreateSubmarineSwap implements swapdb.Repository, additionally
// publishing the swap's initial status so a subscriber attached before any
// transition still observes the swap come into existence.
func (r *PublishingRepository) CreateSubmarineSwap(ctx context.Context,
	swp *swapdb.SubmarineSwap) error {

	if err := r.Repository.CreateSubmarineSwap(ctx, swp); err != nil {
		return err
	}

	r.bus.Publish(&Event{
		SwapID:     swp.ID,
		Kind:       swap.Submarine,
		Status:     swp.Status,
		OccurredAt: time.Now().UTC(),
	})

	return nil
}

// CreateReverseSwap implements swapdb.Repository.
func (r *PublishingRepository) CreateReverseSwap(ctx context.Context,
	swp *swapdb.ReverseSwap) error {

	if err := r.Repository.CreateReverseSwap(ctx, swp); err != nil {
		return err
	}

	r.bus.Publish(&Event{
		SwapID:     swp.ID,
		Kind:       swap.Reverse,
		Status:     swp.Status,
		OccurredAt: time.Now().UTC(),
	})

	return nil
}

// CreateChainSwap implements swapdb.Repository.
func (r *PublishingRepository) CreateChainSwap(ctx context.Context,
	swp *swapdb.ChainSwap) error {

	if err := r.Repository.CreateChainSwap(ctx, swp); err != nil {
		return err
	}

	r.bus.Publish(&Event{
		SwapID:     swp.ID,
		Kind:       swap.Chain,
		Status:     swp.Status,
		OccurredAt: time.Now().UTC(),
	})

	return nil
}
