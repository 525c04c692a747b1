package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
)

const subscribePoll = 50 * time.Millisecond

// PublishEvent persists a new event. seq orders events published within
// the same millisecond.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	m := &eventModel{
		ID:        evt.ID.String(),
		Seq:       time.Now().UnixNano(),
		Name:      evt.Name,
		Payload:   evt.Payload,
		Acked:     evt.Acked,
		CreatedAt: evt.CreatedAt,
	}
	if _, err := s.col(colEvents).InsertOne(ctx, m); err != nil {
		return unavailable("publish event", err)
	}
	return nil
}

// SubscribeEvent polls for the oldest unacked event named name. It returns
// nil, nil when none arrives within timeout.
func (s *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)
	findOpts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: 1}})
	for {
		var m eventModel
		err := s.col(colEvents).FindOne(ctx, bson.M{"name": name, "acked": false}, findOpts).Decode(&m)
		switch {
		case err == nil:
			return fromEventModel(&m), nil
		case !isNoDocuments(err):
			return nil, unavailable("subscribe event", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(subscribePoll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// AckEvent marks an event consumed.
func (s *Store) AckEvent(ctx context.Context, eventID id.EventID) error {
	res, err := s.col(colEvents).UpdateByID(ctx, eventID.String(), bson.M{"$set": bson.M{"acked": true}})
	if err != nil {
		return unavailable("ack event", err)
	}
	if res.MatchedCount == 0 {
		return flowbridge.ErrEventNotFound
	}
	return nil
}
