package event_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/store/memory"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := event.NewBus(memory.New())
	ctx := context.Background()

	evt, err := bus.Publish(ctx, "video.uploaded", []byte(`{"id":"v1"}`))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if evt.Name != "video.uploaded" {
		t.Errorf("Name = %q, want %q", evt.Name, "video.uploaded")
	}

	got, err := bus.Subscribe(ctx, "video.uploaded", time.Second)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got == nil {
		t.Fatal("expected event, got nil")
	}
	if got.ID != evt.ID {
		t.Errorf("event ID = %s, want %s", got.ID, evt.ID)
	}
	if string(got.Payload) != `{"id":"v1"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestBus_SubscribeWaitsForLatePublish(t *testing.T) {
	bus := event.NewBus(memory.New())
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = bus.Publish(ctx, "late", nil)
	}()

	got, err := bus.Subscribe(ctx, "late", 2*time.Second)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got == nil {
		t.Fatal("expected the late event")
	}
}

func TestBus_SubscribeTimeout(t *testing.T) {
	bus := event.NewBus(memory.New())

	got, err := bus.Subscribe(context.Background(), "nonexistent", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil event on timeout, got %+v", got)
	}
}

func TestBus_Ack(t *testing.T) {
	bus := event.NewBus(memory.New())
	ctx := context.Background()

	evt, err := bus.Publish(ctx, "ack-test", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ackErr := bus.Ack(ctx, evt.ID); ackErr != nil {
		t.Fatalf("Ack: %v", ackErr)
	}

	got, err := bus.Subscribe(ctx, "ack-test", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe after ack: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after ack, got %+v", got)
	}
}
