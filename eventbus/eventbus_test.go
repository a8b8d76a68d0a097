package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

func TestBusFanOut(t *testing.T) {
	bus := New()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	sub1 := bus.Subscribe(ctx1)
	sub2 := bus.Subscribe(ctx2)

	bus.Publish(&Event{
		SwapID: "swap1",
		Kind:   swap.Submarine,
		Status: swapdb.TransactionMempool,
	})

	for _, sub := range []<-chan *Event{sub1, sub2} {
		select {
		case ev := <-sub:
			require.Equal(t, "swap1", ev.SwapID)
			require.Equal(t, swapdb.TransactionMempool, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := New()

	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subscribers) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBusDropsEventWhenSubscriberBacklogFull(t *testing.T) {
	bus := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx)

	for i := 0; i < subscriberBacklog+10; i++ {
		bus.Publish(&Event{
			SwapID: "swap2",
			Kind:   swap.Reverse,
			Status: swapdb.TransactionMempool,
		})
	}

	drained := 0
	for {
		select {
		case <-sub:
			drained++
		default:
			require.Equal(t, subscriberBacklog, drained)
			return
		}
	}
}

func TestPublishingRepositoryPublishesOnStatusUpdate(t *testing.T) {
	bus := New()
	repo := NewPublishingRepository(swapdb.NewFakeRepository(), bus)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := bus.Subscribe(ctx)

	swp := &swapdb.SubmarineSwap{
		Envelope: swapdb.Envelope{
			ID:     "swap3",
			Kind:   swap.Submarine,
			Status: swapdb.SwapCreated,
		},
	}
	require.NoError(t, repo.CreateSubmarineSwap(ctx, swp))

	select {
	case ev := <-sub:
		require.Equal(t, "swap3", ev.SwapID)
		require.Equal(t, swapdb.SwapCreated, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create event")
	}

	err := repo.UpdateSubmarineStatus(ctx, "swap3", swapdb.StatusUpdate{
		ExpectedVersion: swp.Version,
		Status:          swapdb.TransactionMempool,
	})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		require.Equal(t, "swap3", ev.SwapID)
		require.Equal(t, swap.Submarine, ev.Kind)
		require.Equal(t, swapdb.TransactionMempool, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status update event")
	}
}
