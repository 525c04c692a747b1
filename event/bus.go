// Package event provides the publish/subscribe bus workflows use to wait
// for external signals.
package event

import (
	"context"
	"time"

	"github.com/xraph/flowbridge/id"
)

// Bus provides publish/subscribe over an event Store.
type Bus struct {
	store Store
}

// NewBus creates an event bus backed by the given store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Publish persists a new event, making it available to subscribers.
func (b *Bus) Publish(ctx context.Context, name string, payload []byte) (*Event, error) {
	evt := &Event{
		ID:        id.NewEventID(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.PublishEvent(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Subscribe waits for an unacked event with the given name. Returns nil on
// timeout.
func (b *Bus) Subscribe(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	return b.store.SubscribeEvent(ctx, name, timeout)
}

// Ack acknowledges an event, marking it as consumed.
func (b *Bus) Ack(ctx context.Context, eventID id.EventID) error {
	return b.store.AckEvent(ctx, eventID)
}

// Store returns the underlying event store.
func (b *Bus) Store() Store { return b.store }
