package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
)

const subscribePoll = 50 * time.Millisecond

// PublishEvent persists a new event and sends a NOTIFY on the
// flowbridge_events channel for listeners outside this store.
func (s *Store) PublishEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_events (id, name, payload, acked, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		evt.ID.String(), evt.Name, []byte(evt.Payload), evt.Acked, evt.CreatedAt,
	)
	if err != nil {
		return unavailable("publish event", err)
	}

	if _, notifyErr := s.pool.Exec(ctx, `SELECT pg_notify('flowbridge_events', $1)`, evt.Name); notifyErr != nil {
		// The row is stored; subscribers poll for it.
		s.logger.Warn("failed to notify event subscribers",
			slog.String("event", evt.Name),
			slog.String("error", notifyErr.Error()),
		)
	}
	return nil
}

// SubscribeEvent polls for the oldest unacked event named name. It returns
// nil, nil when none arrives within timeout.
func (s *Store) SubscribeEvent(ctx context.Context, name string, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		evt := &event.Event{}
		var idStr string
		var payload []byte
		err := s.pool.QueryRow(ctx, `
			SELECT id, name, payload, acked, created_at
			FROM flowbridge_events
			WHERE name = $1 AND NOT acked
			ORDER BY seq ASC
			LIMIT 1`,
			name,
		).Scan(&idStr, &evt.Name, &payload, &evt.Acked, &evt.CreatedAt)
		switch {
		case err == nil:
			evt.ID = parseID(idStr)
			evt.Payload = payload
			return evt, nil
		case !isNoRows(err):
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
	tag, err := s.pool.Exec(ctx, `UPDATE flowbridge_events SET acked = TRUE WHERE id = $1`, eventID.String())
	if err != nil {
		return unavailable("ack event", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrEventNotFound
	}
	return nil
}
