package memory

import (
	"context"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
)

// subscribePoll is how often SubscribeEvent re-checks for a matching event.
const subscribePoll = 10 * time.Millisecond

func copyEvent(evt *event.Event) *event.Event {
	cp := *evt
	if evt.Payload != nil {
		cp.Payload = append([]byte(nil), evt.Payload...)
	}
	return &cp
}

// PublishEvent persists a new event.
func (m *Store) PublishEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.ID.String()
	if _, exists := m.events[key]; !exists {
		m.eventSeq = append(m.eventSeq, key)
	}
	m.events[key] = copyEvent(evt)
	return nil
}

// SubscribeEvent waits for the oldest unacked event with the given name.
func (m *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(subscribePoll)
	defer ticker.Stop()

	for {
		if evt := m.firstUnacked(name); evt != nil {
			return evt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return m.firstUnacked(name), nil
		case <-ticker.C:
		}
	}
}

func (m *Store) firstUnacked(name string) *event.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range m.eventSeq {
		evt := m.events[key]
		if evt.Name == name && !evt.Acked {
			return copyEvent(evt)
		}
	}
	return nil
}

// AckEvent acknowledges an event, marking it as consumed.
func (m *Store) AckEvent(_ context.Context, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return flowbridge.ErrEventNotFound
	}
	evt.Acked = true
	return nil
}
