// Package eventbus implements the EventBus (C9): an in-process multicast of
// swap status transitions to however many subscribers the façade's
// transport layer attaches, modeled on the register/unregister-channel
// broadcaster shape rather than a request/response API, since a swap can
// transition from a watcher goroutine with no caller waiting on it.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

// subscriberBacklog bounds how many undelivered events a single subscriber
// can accumulate before Publish starts dropping events for it rather than
// blocking every other subscriber on one slow reader.
const subscriberBacklog = 64

// Event is one swap status transition, carrying the wire-stable status
// string spec.md §6 requires the feed to preserve verbatim.
type Event struct {
	SwapID string
	Kind   swap.Kind
	Status swapdb.Status

	// Preimage is set only for the transition that first reveals it,
	// mirroring swapdb.StatusUpdate.Preimage.
	Preimage *lntypes.Preimage

	OccurredAt time.Time
}

// Bus multicasts Events to every currently subscribed channel.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan *Event]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]struct{}),
	}
}

// Subscribe registers a new listener and returns the channel it will
// receive events on. The channel is closed, and the subscription removed,
// when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, subscriberBacklog)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()

		close(ch)
	}()

	return ch
}

// Publish fans event out to every current subscriber. A subscriber whose
// backlog is full has the event dropped for it rather than stalling the
// publisher, which here is always a nursery dispatcher or cosigner call
// that must not block on a slow reader.
func (b *Bus) Publish(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warnf("dropping %s event for swap %s: "+
				"subscriber backlog full", event.Status,
				event.SwapID)
		}
	}
}
