package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/id"
)

// Entries are stored as JSON documents without their lock fields; the lock
// is a separate key that expires on its own.

// acquireScript returns -1 when the entry is gone, 1 when KEYS[2] was set
// to ARGV[1] (or already held by it), 0 when another worker holds it.
var acquireScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local holder = redis.call('GET', KEYS[2])
if holder and holder ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RegisterCron stores a new entry. The name index is claimed with HSETNX
// so two registrations of one name cannot both succeed.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	eID := entry.ID.String()

	ok, err := s.client.HSetNX(ctx, s.keys.cronNames(), entry.Name, eID).Result()
	if err != nil {
		return unavailable("register cron", err)
	}
	if !ok {
		return flowbridge.ErrDuplicateCron
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.cron(eID), data, 0)
	pipe.SAdd(ctx, s.keys.cronIDs(), eID)
	if _, err = pipe.Exec(ctx); err != nil {
		return unavailable("register cron", err)
	}
	return nil
}

// GetCron retrieves an entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	return s.loadEntry(ctx, entryID.String())
}

// GetCronByName retrieves an entry by name.
func (s *Store) GetCronByName(ctx context.Context, name string) (*cron.Entry, error) {
	eID, err := s.client.HGet(ctx, s.keys.cronNames(), name).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, flowbridge.ErrCronNotFound
	}
	if err != nil {
		return nil, unavailable("get cron", err)
	}
	return s.loadEntry(ctx, eID)
}

// ListCrons returns all entries, oldest first.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	ids, err := s.client.SMembers(ctx, s.keys.cronIDs()).Result()
	if err != nil {
		return nil, unavailable("list crons", err)
	}
	out := make([]*cron.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.loadEntry(ctx, eID)
		if errors.Is(getErr, flowbridge.ErrCronNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].Name < out[k].Name
	})
	return out, nil
}

// AcquireCronLock takes the firing lock for ttl unless another worker
// holds it.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	eID := entryID.String()
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.keys.cron(eID), s.keys.cronLock(eID)},
		workerID.String(), max(ttl.Milliseconds(), 1),
	).Int()
	if err != nil {
		return false, unavailable("acquire cron lock", err)
	}
	if res < 0 {
		return false, flowbridge.ErrCronNotFound
	}
	return res == 1, nil
}

// ReleaseCronLock drops the lock if workerID holds it.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	if err := releaseScript.Run(ctx, s.client,
		[]string{s.keys.cronLock(entryID.String())}, workerID.String(),
	).Err(); err != nil {
		return unavailable("release cron lock", err)
	}
	return nil
}

// UpdateCronLastRun records when an entry last fired and the job it
// produced.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time, jobID id.JobID) error {
	e, err := s.loadEntry(ctx, entryID.String())
	if err != nil {
		return err
	}
	e.LastRunAt = &at
	e.LastJobID = jobID
	e.UpdatedAt = time.Now().UTC()
	return s.saveEntry(ctx, e)
}

// UpdateCronEntry replaces the mutable fields of an entry. CreatedAt and
// the lock are kept.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	existing, err := s.loadEntry(ctx, entry.ID.String())
	if err != nil {
		return err
	}
	next := *entry
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	if existing.Name != next.Name {
		ok, setErr := s.client.HSetNX(ctx, s.keys.cronNames(), next.Name, next.ID.String()).Result()
		if setErr != nil {
			return unavailable("update cron", setErr)
		}
		if !ok {
			return flowbridge.ErrDuplicateCron
		}
		s.client.HDel(ctx, s.keys.cronNames(), existing.Name)
	}
	return s.saveEntry(ctx, &next)
}

// DeleteCron removes an entry, its name index and its lock.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	e, err := s.loadEntry(ctx, entryID.String())
	if err != nil {
		return err
	}
	eID := entryID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.cron(eID), s.keys.cronLock(eID))
	pipe.SRem(ctx, s.keys.cronIDs(), eID)
	pipe.HDel(ctx, s.keys.cronNames(), e.Name)
	if _, err = pipe.Exec(ctx); err != nil {
		return unavailable("delete cron", err)
	}
	return nil
}

func (s *Store) saveEntry(ctx context.Context, e *cron.Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err = s.client.Set(ctx, s.keys.cron(e.ID.String()), data, 0).Err(); err != nil {
		return unavailable("save cron", err)
	}
	return nil
}

// loadEntry reads an entry and fills its lock fields from the lock key.
func (s *Store) loadEntry(ctx context.Context, eID string) (*cron.Entry, error) {
	pipe := s.client.Pipeline()
	doc := pipe.Get(ctx, s.keys.cron(eID))
	holder := pipe.Get(ctx, s.keys.cronLock(eID))
	ttl := pipe.PTTL(ctx, s.keys.cronLock(eID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("get cron", err)
	}

	data, err := doc.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, flowbridge.ErrCronNotFound
	}
	if err != nil {
		return nil, unavailable("get cron", err)
	}
	var e cron.Entry
	if err = json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("flowbridge/redis: decode cron %s: %w", eID, err)
	}

	if by := holder.Val(); by != "" {
		e.LockedBy = by
		if d := ttl.Val(); d > 0 {
			until := time.Now().UTC().Add(d)
			e.LockedUntil = &until
		}
	}
	return &e, nil
}

func encodeEntry(e *cron.Entry) ([]byte, error) {
	cp := *e
	cp.LockedBy = ""
	cp.LockedUntil = nil
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/redis: encode cron %s: %w", e.Name, err)
	}
	return data, nil
}
