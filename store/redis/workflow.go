package redis

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/workflow"
)

// saveStepScript upserts a step record. KEYS[1] is the step hash, KEYS[2]
// the run's order list. The first save fixes the position and counts one
// attempt; later saves count another attempt each time the step re-enters
// running.
var saveStepScript = goredis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'state')
local attempts
if not prev then
  attempts = math.max(tonumber(ARGV[3]) or 0, 1)
  redis.call('RPUSH', KEYS[2], ARGV[1])
else
  attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts')) or 0
  if ARGV[2] == 'running' and prev ~= 'running' then
    attempts = attempts + 1
  end
end
redis.call('HSET', KEYS[1], 'name', ARGV[1], 'state', ARGV[2], 'attempts', tostring(attempts),
  'error', ARGV[4], 'started_at', ARGV[5], 'completed_at', ARGV[6])
return attempts
`)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := s.keys.run(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("create run", err)
	}
	if exists > 0 {
		return flowbridge.ErrInvalidState
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, runToMap(run))
	pipe.SAdd(ctx, s.keys.runIDs(), rID)
	if _, err = pipe.Exec(ctx); err != nil {
		return unavailable("create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.run(runID.String())).Result()
	if err != nil {
		return nil, unavailable("get run", err)
	}
	if len(vals) == 0 {
		return nil, flowbridge.ErrRunNotFound
	}
	return mapToRun(vals), nil
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	key := s.keys.run(run.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("update run", err)
	}
	if exists == 0 {
		return flowbridge.ErrRunNotFound
	}

	m := runToMap(run)
	m["updated_at"] = fmtTime(time.Now().UTC())
	if err = s.client.HSet(ctx, key, m).Err(); err != nil {
		return unavailable("update run", err)
	}
	return nil
}

// ListRuns returns runs matching opts, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, s.keys.runIDs()).Result()
	if err != nil {
		return nil, unavailable("list runs", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, rID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.run(rID))
	}
	if len(ids) > 0 {
		if _, err = pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return nil, unavailable("list runs", err)
		}
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		r := mapToRun(vals)
		if len(opts.States) > 0 && !slices.Contains(opts.States, r.State) {
			continue
		}
		if opts.Name != "" && r.Name != opts.Name {
			continue
		}
		runs = append(runs, r)
	}
	sort.SliceStable(runs, func(i, k int) bool {
		if !runs[i].CreatedAt.Equal(runs[k].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[k].CreatedAt)
		}
		return runs[i].ID.String() < runs[k].ID.String()
	})
	return paginate(runs, opts.Offset, opts.Limit), nil
}

// SaveCheckpoint stores step data in the run's checkpoint hash. A second
// hash field keeps the creation time.
func (s *Store) SaveCheckpoint(ctx context.Context, runID id.RunID, stepName string, data []byte) error {
	if err := s.client.HSet(ctx, s.keys.checkpoints(runID.String()),
		stepName, string(data),
		"@"+stepName, fmtTime(time.Now().UTC()),
	).Err(); err != nil {
		return unavailable("save checkpoint", err)
	}
	return nil
}

// GetCheckpoint returns nil, nil when the step has no checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.keys.checkpoints(runID.String()), stepName).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get checkpoint", err)
	}
	return []byte(data), nil
}

// ListCheckpoints returns a run's checkpoints, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.checkpoints(runID.String())).Result()
	if err != nil {
		return nil, unavailable("list checkpoints", err)
	}

	var out []*workflow.Checkpoint
	for field, data := range vals {
		if len(field) > 0 && field[0] == '@' {
			continue
		}
		out = append(out, &workflow.Checkpoint{
			RunID:     runID,
			StepName:  field,
			Data:      []byte(data),
			CreatedAt: parseTime(vals["@"+field]),
		})
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].StepName < out[k].StepName
	})
	return out, nil
}

// SaveStep upserts a step record.
func (s *Store) SaveStep(ctx context.Context, rec *workflow.StepRecord) error {
	rID := rec.RunID.String()
	err := saveStepScript.Run(ctx, s.client,
		[]string{s.keys.step(rID, rec.Name), s.keys.stepOrder(rID)},
		rec.Name, string(rec.State), rec.Attempts, rec.Error,
		fmtTime(rec.StartedAt), fmtTimePtr(rec.CompletedAt),
	).Err()
	if err != nil {
		return unavailable("save step", err)
	}
	return nil
}

// ListSteps returns the step history of a run in first-seen order.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	rID := runID.String()
	names, err := s.client.LRange(ctx, s.keys.stepOrder(rID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list steps", err)
	}
	if len(names) == 0 {
		return []*workflow.StepRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, s.keys.step(rID, name))
	}
	if _, err = pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("list steps", err)
	}

	out := make([]*workflow.StepRecord, 0, len(names))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		out = append(out, &workflow.StepRecord{
			RunID:       runID,
			Name:        m["name"],
			State:       workflow.StepState(m["state"]),
			Attempts:    atoi(m["attempts"]),
			Error:       m["error"],
			StartedAt:   parseTime(m["started_at"]),
			CompletedAt: parseTimePtr(m["completed_at"]),
		})
	}
	return out, nil
}

func runToMap(r *workflow.Run) map[string]any {
	return map[string]any{
		"id":           r.ID.String(),
		"name":         r.Name,
		"version":      strconv.Itoa(r.Version),
		"state":        string(r.State),
		"input":        string(r.Input),
		"output":       string(r.Output),
		"error":        r.Error,
		"current_step": r.CurrentStep,
		"started_at":   fmtTime(r.StartedAt),
		"completed_at": fmtTimePtr(r.CompletedAt),
		"created_at":   fmtTime(r.CreatedAt),
		"updated_at":   fmtTime(r.UpdatedAt),
	}
}

func mapToRun(m map[string]string) *workflow.Run {
	r := &workflow.Run{
		Entity: flowbridge.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:          parseID(m["id"]),
		Name:        m["name"],
		Version:     atoi(m["version"]),
		State:       workflow.RunState(m["state"]),
		Error:       m["error"],
		CurrentStep: m["current_step"],
		StartedAt:   parseTime(m["started_at"]),
		CompletedAt: parseTimePtr(m["completed_at"]),
	}
	if v := m["input"]; v != "" {
		r.Input = []byte(v)
	}
	if v := m["output"]; v != "" {
		r.Output = []byte(v)
	}
	return r
}
