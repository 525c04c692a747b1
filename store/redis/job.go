package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
)

// scanCap bounds how many due members each queue contributes to one claim.
const scanCap = 512

// dequeueScript claims due jobs across the queues in KEYS, highest priority
// first and earliest run_at within a priority. Members whose hash is gone
// are dropped from the queue.
var dequeueScript = goredis.NewScript(`
local limit = tonumber(ARGV[2])
local prefix = ARGV[3]
local stamp = ARGV[4]
local cands = {}
for _, q in ipairs(KEYS) do
  local members = redis.call('ZRANGEBYSCORE', q, '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', '0', ARGV[5])
  for i = 1, #members, 2 do
    local jid = members[i]
    local pri = redis.call('HGET', prefix .. jid, 'priority')
    if pri then
      table.insert(cands, {id = jid, q = q, pri = tonumber(pri) or 0, score = tonumber(members[i + 1])})
    else
      redis.call('ZREM', q, jid)
    end
  end
end
table.sort(cands, function(a, b)
  if a.pri ~= b.pri then return a.pri > b.pri end
  if a.score ~= b.score then return a.score < b.score end
  return a.id < b.id
end)
if limit <= 0 or limit > #cands then limit = #cands end
local out = {}
for i = 1, limit do
  local c = cands[i]
  redis.call('ZREM', c.q, c.id)
  redis.call('HSET', prefix .. c.id, 'state', 'running', 'started_at', stamp, 'heartbeat_at', stamp, 'updated_at', stamp)
  table.insert(out, c.id)
end
return out
`)

// promoteScript moves the awaiting members of KEYS[1] to pending and due.
var promoteScript = goredis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, jid in ipairs(ids) do
  local key = ARGV[1] .. jid
  local f = redis.call('HMGET', key, 'state', 'queue')
  if f[1] == 'awaiting' then
    redis.call('HSET', key, 'state', 'pending', 'run_at', ARGV[4], 'updated_at', ARGV[4])
    redis.call('ZADD', ARGV[2] .. f[2], ARGV[3], jid)
    n = n + 1
  end
end
redis.call('DEL', KEYS[1])
return n
`)

func dueState(s job.State) bool {
	return s == job.StatePending || s == job.StateRetrying
}

// indexJob queues the index writes that follow a job's state.
func (s *Store) indexJob(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	if dueState(j.State) {
		pipe.ZAdd(ctx, s.keys.queue(j.Queue), goredis.Z{Score: score(j.RunAt), Member: jID})
	}
	if j.State == job.StateAwaiting && !j.ParentID.IsNil() {
		pipe.SAdd(ctx, s.keys.awaiting(j.ParentID.String()), jID)
	}
	if !j.BatchID.IsNil() {
		pipe.SAdd(ctx, s.keys.batch(j.BatchID.String()), jID)
	}
}

// EnqueueJob stores the job as a hash. Pending and retrying jobs enter
// their queue's sorted set, awaiting jobs their parent's awaiting set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := s.keys.job(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("enqueue job", err)
	}
	if exists > 0 {
		return flowbridge.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, s.keys.jobIDs(), jID)
	s.indexJob(ctx, pipe, j)
	if _, err = pipe.Exec(ctx); err != nil {
		return unavailable("enqueue job", err)
	}
	return nil
}

// DequeueJobs claims up to limit due jobs from queues and marks them
// running.
func (s *Store) DequeueJobs(ctx context.Context, queues []string, limit int) ([]*job.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	qkeys := make([]string, len(queues))
	for i, q := range queues {
		qkeys[i] = s.keys.queue(q)
	}

	now := time.Now().UTC()
	ids, err := dequeueScript.Run(ctx, s.client, qkeys,
		now.UnixMilli(), limit, s.keys.jobPrefix(), fmtTime(now), scanCap,
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("dequeue jobs", err)
	}
	// loadJobs keeps the claim order the script produced.
	return s.loadJobs(ctx, ids)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.job(jobID.String())).Result()
	if err != nil {
		return nil, unavailable("get job", err)
	}
	if len(vals) == 0 {
		return nil, flowbridge.ErrJobNotFound
	}
	return mapToJob(vals), nil
}

// UpdateJob rewrites the job hash and moves it between indexes to match
// its new state.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := s.keys.job(jID)

	oldQueue, err := s.client.HGet(ctx, key, "queue").Result()
	if errors.Is(err, goredis.Nil) {
		return flowbridge.ErrJobNotFound
	}
	if err != nil {
		return unavailable("update job", err)
	}

	fields := jobToMap(j)
	fields["updated_at"] = fmtTime(time.Now().UTC())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZRem(ctx, s.keys.queue(oldQueue), jID)
	if oldQueue != j.Queue {
		pipe.ZRem(ctx, s.keys.queue(j.Queue), jID)
	}
	s.indexJob(ctx, pipe, j)
	if _, err = pipe.Exec(ctx); err != nil {
		return unavailable("update job", err)
	}
	return nil
}

// DeleteJob removes a job and its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := s.keys.job(jID)

	f, err := s.client.HMGet(ctx, key, "queue", "parent_id", "batch_id").Result()
	if err != nil {
		return unavailable("delete job", err)
	}
	if f[0] == nil {
		return flowbridge.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, s.keys.jobIDs(), jID)
	pipe.ZRem(ctx, s.keys.queue(f[0].(string)), jID)
	if parent, _ := f[1].(string); parent != "" {
		pipe.SRem(ctx, s.keys.awaiting(parent), jID)
	}
	if batch, _ := f[2].(string); batch != "" {
		pipe.SRem(ctx, s.keys.batch(batch), jID)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return unavailable("delete job", err)
	}
	return nil
}

// ListJobsByState returns jobs in state, oldest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	all, err := s.allJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*job.Job, 0)
	for _, j := range all {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		out = append(out, j)
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListJobsByBatch returns the members of a batch, oldest first.
func (s *Store) ListJobsByBatch(ctx context.Context, batchID id.BatchID) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, s.keys.batch(batchID.String())).Result()
	if err != nil {
		return nil, unavailable("list batch", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortJobs(jobs)
	return jobs, nil
}

// PromoteAwaiting makes every awaiting child of parentID pending and due.
func (s *Store) PromoteAwaiting(ctx context.Context, parentID id.ID) (int, error) {
	now := time.Now().UTC()
	n, err := promoteScript.Run(ctx, s.client,
		[]string{s.keys.awaiting(parentID.String())},
		s.keys.jobPrefix(), s.keys.queuePrefix(), now.UnixMilli(), fmtTime(now),
	).Int()
	if err != nil {
		return 0, unavailable("promote awaiting", err)
	}
	return n, nil
}

// HeartbeatJob records a heartbeat from workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	key := s.keys.job(jobID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("heartbeat job", err)
	}
	if exists == 0 {
		return flowbridge.ErrJobNotFound
	}

	now := fmtTime(time.Now().UTC())
	if err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Err(); err != nil {
		return unavailable("heartbeat job", err)
	}
	return nil
}

// ReapStaleJobs returns running jobs whose heartbeat is older than
// threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	all, err := s.allJobs(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, j := range all {
		if j.State == job.StateRunning && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	all, err := s.allJobs(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, j := range all {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) allJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, s.keys.jobIDs()).Result()
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortJobs(jobs)
	return jobs, nil
}

// loadJobs fetches job hashes in one round trip, skipping vanished ones.
func (s *Store) loadJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.job(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("load jobs", err)
	}
	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			jobs = append(jobs, mapToJob(vals))
		}
	}
	return jobs, nil
}

func sortJobs(jobs []*job.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// jobToMap writes every field, so clearing an optional field on update
// overwrites the stored value.
func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":           j.ID.String(),
		"name":         j.Name,
		"queue":        j.Queue,
		"payload":      string(j.Payload),
		"result":       string(j.Result),
		"state":        string(j.State),
		"priority":     strconv.Itoa(j.Priority),
		"max_retries":  strconv.Itoa(j.MaxRetries),
		"retry_count":  strconv.Itoa(j.RetryCount),
		"last_error":   j.LastError,
		"parent_id":    j.ParentID.String(),
		"batch_id":     j.BatchID.String(),
		"worker_id":    j.WorkerID.String(),
		"run_at":       fmtTime(j.RunAt),
		"timeout":      strconv.FormatInt(int64(j.Timeout), 10),
		"started_at":   fmtTimePtr(j.StartedAt),
		"completed_at": fmtTimePtr(j.CompletedAt),
		"heartbeat_at": fmtTimePtr(j.HeartbeatAt),
		"created_at":   fmtTime(j.CreatedAt),
		"updated_at":   fmtTime(j.UpdatedAt),
	}
}

func mapToJob(m map[string]string) *job.Job {
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // trusted store data

	j := &job.Job{
		Entity: flowbridge.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:          parseID(m["id"]),
		Name:        m["name"],
		Queue:       m["queue"],
		State:       job.State(m["state"]),
		Priority:    atoi(m["priority"]),
		MaxRetries:  atoi(m["max_retries"]),
		RetryCount:  atoi(m["retry_count"]),
		LastError:   m["last_error"],
		ParentID:    parseID(m["parent_id"]),
		BatchID:     parseID(m["batch_id"]),
		WorkerID:    parseID(m["worker_id"]),
		RunAt:       parseTime(m["run_at"]),
		Timeout:     time.Duration(timeout),
		StartedAt:   parseTimePtr(m["started_at"]),
		CompletedAt: parseTimePtr(m["completed_at"]),
		HeartbeatAt: parseTimePtr(m["heartbeat_at"]),
	}
	if p := m["payload"]; p != "" {
		j.Payload = []byte(p)
	}
	if r := m["result"]; r != "" {
		j.Result = []byte(r)
	}
	return j
}
