package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
)

// EnqueueJob persists a new job in the state it carries.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	if _, err := s.col(colJobs).InsertOne(ctx, toJobModel(j)); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return flowbridge.ErrJobAlreadyExists
		}
		return unavailable("enqueue job", err)
	}
	return nil
}

// DequeueJobs claims up to limit due jobs from queues, one
// FindOneAndUpdate per job so two workers never claim the same document.
func (s *Store) DequeueJobs(ctx context.Context, queues []string, limit int) ([]*job.Job, error) {
	if len(queues) == 0 || limit <= 0 {
		return nil, nil
	}
	t := now()
	filter := bson.M{
		"state":  bson.M{"$in": []string{string(job.StatePending), string(job.StateRetrying)}},
		"queue":  bson.M{"$in": queues},
		"run_at": bson.M{"$lte": t},
	}
	update := bson.M{"$set": bson.M{
		"state":        string(job.StateRunning),
		"started_at":   t,
		"heartbeat_at": t,
		"updated_at":   t,
	}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "run_at", Value: 1}})

	jobs := make([]*job.Job, 0, limit)
	for range limit {
		var m jobModel
		err := s.col(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, unavailable("dequeue jobs", err)
		}
		jobs = append(jobs, fromJobModel(&m))
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.col(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, flowbridge.ErrJobNotFound
		}
		return nil, unavailable("get job", err)
	}
	return fromJobModel(&m), nil
}

// UpdateJob replaces an existing job document. CreatedAt is kept.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = now()
	set := bson.M{
		"name":         m.Name,
		"queue":        m.Queue,
		"payload":      m.Payload,
		"result":       m.Result,
		"state":        m.State,
		"priority":     m.Priority,
		"max_retries":  m.MaxRetries,
		"retry_count":  m.RetryCount,
		"last_error":   m.LastError,
		"parent_id":    m.ParentID,
		"batch_id":     m.BatchID,
		"worker_id":    m.WorkerID,
		"run_at":       m.RunAt,
		"started_at":   m.StartedAt,
		"completed_at": m.CompletedAt,
		"heartbeat_at": m.HeartbeatAt,
		"timeout":      m.Timeout,
		"updated_at":   m.UpdatedAt,
	}
	res, err := s.col(colJobs).UpdateByID(ctx, m.ID, bson.M{"$set": set})
	if err != nil {
		return unavailable("update job", err)
	}
	if res.MatchedCount == 0 {
		return flowbridge.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.col(colJobs).DeleteOne(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return unavailable("delete job", err)
	}
	if res.DeletedCount == 0 {
		return flowbridge.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs in state, oldest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	filter := bson.M{"state": string(state)}
	if opts.Queue != "" {
		filter["queue"] = opts.Queue
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	return s.findJobs(ctx, "list jobs", filter, findOpts)
}

// ListJobsByBatch returns the members of a batch, oldest first.
func (s *Store) ListJobsByBatch(ctx context.Context, batchID id.BatchID) ([]*job.Job, error) {
	return s.findJobs(ctx, "list batch",
		bson.M{"batch_id": batchID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
}

// PromoteAwaiting makes every awaiting child of parentID pending and due.
func (s *Store) PromoteAwaiting(ctx context.Context, parentID id.ID) (int, error) {
	t := now()
	res, err := s.col(colJobs).UpdateMany(ctx,
		bson.M{"parent_id": parentID.String(), "state": string(job.StateAwaiting)},
		bson.M{"$set": bson.M{"state": string(job.StatePending), "run_at": t, "updated_at": t}},
	)
	if err != nil {
		return 0, unavailable("promote awaiting", err)
	}
	return int(res.ModifiedCount), nil
}

// HeartbeatJob records a heartbeat from workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	t := now()
	res, err := s.col(colJobs).UpdateByID(ctx, jobID.String(), bson.M{"$set": bson.M{
		"heartbeat_at": t,
		"worker_id":    workerID.String(),
		"updated_at":   t,
	}})
	if err != nil {
		return unavailable("heartbeat job", err)
	}
	if res.MatchedCount == 0 {
		return flowbridge.ErrJobNotFound
	}
	return nil
}

// ReapStaleJobs returns running jobs whose heartbeat is older than
// threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	return s.findJobs(ctx, "reap stale jobs",
		bson.M{
			"state":        string(job.StateRunning),
			"heartbeat_at": bson.M{"$ne": nil, "$lt": now().Add(-threshold)},
		},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.Queue != "" {
		filter["queue"] = opts.Queue
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	n, err := s.col(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, unavailable("count jobs", err)
	}
	return n, nil
}

func (s *Store) findJobs(ctx context.Context, op string, filter bson.M, opts *options.FindOptionsBuilder) ([]*job.Job, error) {
	cursor, err := s.col(colJobs).Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable(op, err)
	}
	var models []jobModel
	if err = cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: %s: decode: %w", op, err)
	}
	jobs := make([]*job.Job, len(models))
	for i := range models {
		jobs[i] = fromJobModel(&models[i])
	}
	return jobs, nil
}
