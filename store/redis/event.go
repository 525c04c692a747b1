package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
)

const subscribePoll = 50 * time.Millisecond

// PublishEvent stores the event as a hash and appends it to the name's
// stream.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	eID := evt.ID.String()
	acked := "0"
	if evt.Acked {
		acked = "1"
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.event(eID),
		"id", eID,
		"name", evt.Name,
		"payload", string(evt.Payload),
		"acked", acked,
		"created_at", fmtTime(evt.CreatedAt),
	)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.keys.eventStream(evt.Name),
		Values: map[string]any{"event_id": eID},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("publish event", err)
	}
	return nil
}

// SubscribeEvent waits up to timeout for the oldest unacked event named
// name. It returns nil, nil when none arrives in time. Stream entries of
// acked events are trimmed as the scan passes them.
func (s *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		evt, err := s.firstUnacked(ctx, name)
		if err != nil || evt != nil {
			return evt, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(subscribePoll, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Store) firstUnacked(ctx context.Context, name string) (*event.Event, error) {
	stream := s.keys.eventStream(name)
	msgs, err := s.client.XRangeN(ctx, stream, "-", "+", 32).Result()
	if err != nil {
		return nil, unavailable("subscribe event", err)
	}

	for _, msg := range msgs {
		eID, _ := msg.Values["event_id"].(string)
		vals, hErr := s.client.HGetAll(ctx, s.keys.event(eID)).Result()
		if hErr != nil {
			return nil, unavailable("subscribe event", hErr)
		}
		if len(vals) == 0 || vals["acked"] == "1" {
			s.client.XDel(ctx, stream, msg.ID)
			continue
		}
		return &event.Event{
			ID:        parseID(vals["id"]),
			Name:      vals["name"],
			Payload:   []byte(vals["payload"]),
			CreatedAt: parseTime(vals["created_at"]),
		}, nil
	}
	return nil, nil
}

// AckEvent marks an event consumed.
func (s *Store) AckEvent(ctx context.Context, eventID id.EventID) error {
	key := s.keys.event(eventID.String())
	_, err := s.client.HGet(ctx, key, "acked").Result()
	if errors.Is(err, goredis.Nil) {
		return flowbridge.ErrEventNotFound
	}
	if err != nil {
		return unavailable("ack event", err)
	}
	if err = s.client.HSet(ctx, key, "acked", "1").Err(); err != nil {
		return unavailable("ack event", err)
	}
	return nil
}
