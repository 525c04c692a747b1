package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/outcome"
)

// PutMapping records that jobID launched instanceID. A previous owner of
// the instance loses its mapping; the job's previous instance is released
// by the replace itself.
func (s *Store) PutMapping(ctx context.Context, jobID, instanceID string) error {
	if err := correlation.CheckMapping(jobID, instanceID); err != nil {
		return err
	}
	m := &correlationModel{JobID: jobID, InstanceID: instanceID, CreatedAt: now()}

	var err error
	// A concurrent writer can claim the instance between the delete and the
	// replace; the unique index rejects the replace and one retry settles it.
	for range 2 {
		if _, err = s.col(colCorrelations).DeleteMany(ctx, bson.M{
			"instance_id": instanceID,
			"_id":         bson.M{"$ne": jobID},
		}); err != nil {
			return unavailable("put mapping", err)
		}
		_, err = s.col(colCorrelations).ReplaceOne(ctx,
			bson.M{"_id": jobID}, m,
			options.Replace().SetUpsert(true),
		)
		if err == nil || !mongod.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return unavailable("put mapping", err)
	}
	return nil
}

// InstanceIDFor returns the instance mapped to jobID, or "".
func (s *Store) InstanceIDFor(ctx context.Context, jobID string) (string, error) {
	m, err := s.findMapping(ctx, "instance for job", bson.M{"_id": jobID})
	if err != nil || m == nil {
		return "", err
	}
	return m.InstanceID, nil
}

// JobIDFor returns the job mapped to instanceID, or "".
func (s *Store) JobIDFor(ctx context.Context, instanceID string) (string, error) {
	m, err := s.findMapping(ctx, "job for instance", bson.M{"instance_id": instanceID})
	if err != nil || m == nil {
		return "", err
	}
	return m.JobID, nil
}

func (s *Store) findMapping(ctx context.Context, op string, filter bson.M) (*correlationModel, error) {
	var m correlationModel
	if err := s.col(colCorrelations).FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, unavailable(op, err)
	}
	return &m, nil
}

// PutResult stores the outcome of instanceID. The filter skips a document
// that already holds a terminal outcome, so the upsert then collides on
// _id and the write is refused.
func (s *Store) PutResult(ctx context.Context, instanceID string, o *outcome.Outcome) error {
	if err := correlation.CheckResult(instanceID, o); err != nil {
		return err
	}
	data, err := s.codec.Encode(o)
	if err != nil {
		return fmt.Errorf("flowbridge/mongo: encode outcome: %w", err)
	}

	_, err = s.col(colOutcomes).UpdateOne(ctx,
		bson.M{"_id": instanceID, "terminal": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"data": data, "terminal": o.Terminal(), "updated_at": now()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: instance %s", flowbridge.ErrOutcomeSealed, instanceID)
		}
		return unavailable("put result", err)
	}
	return nil
}

// ResultFor returns the stored outcome of instanceID, or nil.
func (s *Store) ResultFor(ctx context.Context, instanceID string) (*outcome.Outcome, error) {
	var m outcomeModel
	if err := s.col(colOutcomes).FindOne(ctx, bson.M{"_id": instanceID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, unavailable("result for instance", err)
	}
	o, err := s.codec.Decode(m.Data)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: decode outcome of %s: %w", instanceID, err)
	}
	return o, nil
}

// RemoveMapping deletes jobID's mapping and the instance's outcome.
func (s *Store) RemoveMapping(ctx context.Context, jobID string) (bool, error) {
	return s.unlink(ctx, "remove mapping", bson.M{"_id": jobID})
}

// unlink deletes the mapping matching filter and its outcome.
func (s *Store) unlink(ctx context.Context, op string, filter bson.M) (bool, error) {
	var m correlationModel
	if err := s.col(colCorrelations).FindOneAndDelete(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return false, nil
		}
		return false, unavailable(op, err)
	}
	if _, err := s.col(colOutcomes).DeleteOne(ctx, bson.M{"_id": m.InstanceID}); err != nil {
		return true, unavailable(op, err)
	}
	return true, nil
}

// Mappings returns every job to instance mapping.
func (s *Store) Mappings(ctx context.Context) (map[string]string, error) {
	cursor, err := s.col(colCorrelations).Find(ctx, bson.M{})
	if err != nil {
		return nil, unavailable("mappings", err)
	}
	var models []correlationModel
	if err = cursor.All(ctx, &models); err != nil {
		return nil, unavailable("mappings", err)
	}
	out := make(map[string]string, len(models))
	for _, m := range models {
		out[m.JobID] = m.InstanceID
	}
	return out, nil
}

// PurgeOlderThan removes every mapping created before cutoff together with
// its outcome. Each candidate is re-checked on delete since it may have
// been rewritten after the scan.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = cutoff.UTC()
	cursor, err := s.col(colCorrelations).Find(ctx,
		bson.M{"created_at": bson.M{"$lt": cutoff}},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, unavailable("purge mappings", err)
	}
	var candidates []correlationModel
	if err = cursor.All(ctx, &candidates); err != nil {
		return 0, unavailable("purge mappings", err)
	}

	removed := 0
	for _, c := range candidates {
		ok, unlinkErr := s.unlink(ctx, "purge mappings", bson.M{
			"_id":        c.JobID,
			"created_at": bson.M{"$lt": cutoff},
		})
		if unlinkErr != nil {
			return removed, unlinkErr
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("purged correlation mappings",
			slog.Int("count", removed),
			slog.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}
