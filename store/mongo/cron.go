package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/id"
)

// RegisterCron persists a new entry. Returns flowbridge.ErrDuplicateCron
// if the name is taken.
func (s *Store) RegisterCron(ctx context.Context, e *cron.Entry) error {
	if _, err := s.col(colCronEntries).InsertOne(ctx, toCronModel(e)); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return flowbridge.ErrDuplicateCron
		}
		return unavailable("register cron", err)
	}
	return nil
}

// GetCron retrieves an entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	return s.getCron(ctx, bson.M{"_id": entryID.String()})
}

// GetCronByName retrieves an entry by name.
func (s *Store) GetCronByName(ctx context.Context, name string) (*cron.Entry, error) {
	return s.getCron(ctx, bson.M{"name": name})
}

func (s *Store) getCron(ctx context.Context, filter bson.M) (*cron.Entry, error) {
	var m cronModel
	if err := s.col(colCronEntries).FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, flowbridge.ErrCronNotFound
		}
		return nil, unavailable("get cron", err)
	}
	return fromCronModel(&m), nil
}

// ListCrons returns all entries, oldest first.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	cursor, err := s.col(colCronEntries).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable("list crons", err)
	}
	var models []cronModel
	if err = cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: list crons: decode: %w", err)
	}
	entries := make([]*cron.Entry, len(models))
	for i := range models {
		entries[i] = fromCronModel(&models[i])
	}
	return entries, nil
}

// AcquireCronLock takes the firing lock unless another worker holds an
// unexpired one.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	t := now()
	filter := bson.M{
		"_id": entryID.String(),
		"$or": bson.A{
			bson.M{"locked_by": ""},
			bson.M{"locked_by": workerID.String()},
			bson.M{"locked_until": nil},
			bson.M{"locked_until": bson.M{"$lte": t}},
		},
	}
	res, err := s.col(colCronEntries).UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"locked_by":    workerID.String(),
		"locked_until": t.Add(ttl),
	}})
	if err != nil {
		return false, unavailable("acquire cron lock", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.col(colCronEntries).CountDocuments(ctx, bson.M{"_id": entryID.String()})
	if err != nil {
		return false, unavailable("acquire cron lock", err)
	}
	if n == 0 {
		return false, flowbridge.ErrCronNotFound
	}
	return false, nil
}

// ReleaseCronLock drops the lock if workerID holds it.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	_, err := s.col(colCronEntries).UpdateOne(ctx,
		bson.M{"_id": entryID.String(), "locked_by": workerID.String()},
		bson.M{"$set": bson.M{"locked_by": "", "locked_until": nil}},
	)
	if err != nil {
		return unavailable("release cron lock", err)
	}
	return nil
}

// UpdateCronLastRun records when an entry last fired and the job it
// produced.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time, jobID id.JobID) error {
	res, err := s.col(colCronEntries).UpdateByID(ctx, entryID.String(), bson.M{"$set": bson.M{
		"last_run_at": at,
		"last_job_id": jobID.String(),
		"updated_at":  now(),
	}})
	if err != nil {
		return unavailable("update cron last run", err)
	}
	if res.MatchedCount == 0 {
		return flowbridge.ErrCronNotFound
	}
	return nil
}

// UpdateCronEntry replaces the mutable fields of an entry. CreatedAt and
// the lock fields are left alone.
func (s *Store) UpdateCronEntry(ctx context.Context, e *cron.Entry) error {
	m := toCronModel(e)
	res, err := s.col(colCronEntries).UpdateByID(ctx, m.ID, bson.M{"$set": bson.M{
		"name":        m.Name,
		"schedule":    m.Schedule,
		"job_name":    m.JobName,
		"queue":       m.Queue,
		"payload":     m.Payload,
		"last_run_at": m.LastRunAt,
		"next_run_at": m.NextRunAt,
		"last_job_id": m.LastJobID,
		"enabled":     m.Enabled,
		"updated_at":  now(),
	}})
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return flowbridge.ErrDuplicateCron
		}
		return unavailable("update cron", err)
	}
	if res.MatchedCount == 0 {
		return flowbridge.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes an entry by ID.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	res, err := s.col(colCronEntries).DeleteOne(ctx, bson.M{"_id": entryID.String()})
	if err != nil {
		return unavailable("delete cron", err)
	}
	if res.DeletedCount == 0 {
		return flowbridge.ErrCronNotFound
	}
	return nil
}
