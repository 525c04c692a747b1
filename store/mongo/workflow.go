package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	if _, err := s.col(colWorkflowRuns).InsertOne(ctx, toRunModel(run)); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: run %s already exists", flowbridge.ErrInvalidState, run.ID)
		}
		return unavailable("create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	var m runModel
	err := s.col(colWorkflowRuns).FindOne(ctx, bson.M{"_id": runID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, flowbridge.ErrRunNotFound
		}
		return nil, unavailable("get run", err)
	}
	return fromRunModel(&m), nil
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	m := toRunModel(run)
	res, err := s.col(colWorkflowRuns).UpdateByID(ctx, m.ID, bson.M{"$set": bson.M{
		"name":         m.Name,
		"version":      m.Version,
		"state":        m.State,
		"input":        m.Input,
		"output":       m.Output,
		"error":        m.Error,
		"current_step": m.CurrentStep,
		"started_at":   m.StartedAt,
		"completed_at": m.CompletedAt,
		"updated_at":   now(),
	}})
	if err != nil {
		return unavailable("update run", err)
	}
	if res.MatchedCount == 0 {
		return flowbridge.ErrRunNotFound
	}
	return nil
}

// ListRuns returns runs matching opts, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	filter := bson.M{}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		filter["state"] = bson.M{"$in": states}
	}
	if opts.Name != "" {
		filter["name"] = opts.Name
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.col(colWorkflowRuns).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	var models []runModel
	if err = cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: list runs: decode: %w", err)
	}
	runs := make([]*workflow.Run, len(models))
	for i := range models {
		runs[i] = fromRunModel(&models[i])
	}
	return runs, nil
}

// SaveCheckpoint upserts checkpoint data for a step. The first save fixes
// created_at.
func (s *Store) SaveCheckpoint(ctx context.Context, runID id.RunID, stepName string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.col(colCheckpoints).UpdateOne(ctx,
		bson.M{"run_id": runID.String(), "step_name": stepName},
		bson.M{
			"$set":         bson.M{"data": data},
			"$setOnInsert": bson.M{"created_at": now()},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return unavailable("save checkpoint", err)
	}
	return nil
}

// GetCheckpoint returns nil, nil when the step has no checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) ([]byte, error) {
	var m checkpointModel
	err := s.col(colCheckpoints).FindOne(ctx,
		bson.M{"run_id": runID.String(), "step_name": stepName},
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, unavailable("get checkpoint", err)
	}
	if m.Data == nil {
		m.Data = []byte{}
	}
	return m.Data, nil
}

// ListCheckpoints returns a run's checkpoints, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	cursor, err := s.col(colCheckpoints).Find(ctx,
		bson.M{"run_id": runID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "step_name", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable("list checkpoints", err)
	}
	var models []checkpointModel
	if err = cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: list checkpoints: decode: %w", err)
	}
	out := make([]*workflow.Checkpoint, 0, len(models))
	for _, m := range models {
		out = append(out, &workflow.Checkpoint{
			RunID:     runID,
			StepName:  m.StepName,
			Data:      m.Data,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// SaveStep upserts a step record with a single pipeline update. An insert
// fixes seq, the step's first-seen position, and starts attempts at one;
// an update counts another attempt when the step re-enters running.
// Values in a pipeline stage are expressions, so free text goes through
// $literal.
func (s *Store) SaveStep(ctx context.Context, rec *workflow.StepRecord) error {
	running := string(workflow.StepStateRunning)
	attempts := bson.M{"$cond": bson.A{
		bson.M{"$eq": bson.A{bson.M{"$type": "$state"}, "missing"}},
		bson.M{"$max": bson.A{rec.Attempts, 1}},
		bson.M{"$add": bson.A{
			"$attempts",
			bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{string(rec.State), running}},
					bson.M{"$ne": bson.A{"$state", running}},
				}},
				1, 0,
			}},
		}},
	}}
	update := mongod.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "seq", Value: bson.M{"$ifNull": bson.A{"$seq", now().UnixNano()}}},
			{Key: "attempts", Value: attempts},
			{Key: "state", Value: string(rec.State)},
			{Key: "error", Value: bson.M{"$literal": rec.Error}},
			{Key: "started_at", Value: rec.StartedAt},
			{Key: "completed_at", Value: rec.CompletedAt},
		}}},
	}
	_, err := s.col(colSteps).UpdateOne(ctx,
		bson.M{"run_id": rec.RunID.String(), "name": rec.Name},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return unavailable("save step", err)
	}
	return nil
}

// ListSteps returns the step history of a run in first-seen order.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	cursor, err := s.col(colSteps).Find(ctx,
		bson.M{"run_id": runID.String()},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable("list steps", err)
	}
	var models []stepModel
	if err = cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("flowbridge/mongo: list steps: decode: %w", err)
	}
	out := make([]*workflow.StepRecord, 0, len(models))
	for _, m := range models {
		out = append(out, &workflow.StepRecord{
			RunID:       runID,
			Name:        m.Name,
			State:       workflow.StepState(m.State),
			Attempts:    m.Attempts,
			Error:       m.Error,
			StartedAt:   m.StartedAt,
			CompletedAt: m.CompletedAt,
		})
	}
	return out, nil
}
