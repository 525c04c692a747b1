package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
)

const jobColumns = `
	id, name, queue, payload, result, state, priority, max_retries, retry_count,
	last_error, parent_id, batch_id, worker_id,
	run_at, started_at, completed_at, heartbeat_at, timeout, created_at, updated_at`

// EnqueueJob persists a new job in the state it carries.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20)`,
		j.ID.String(), j.Name, j.Queue, j.Payload, []byte(j.Result), string(j.State),
		j.Priority, j.MaxRetries, j.RetryCount,
		j.LastError, j.ParentID.String(), j.BatchID.String(), j.WorkerID.String(),
		j.RunAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt, j.Timeout.Nanoseconds(),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return flowbridge.ErrJobAlreadyExists
		}
		return unavailable("enqueue job", err)
	}
	return nil
}

// DequeueJobs claims up to limit due jobs from queues and marks them
// running. SKIP LOCKED lets concurrent workers claim disjoint sets.
func (s *Store) DequeueJobs(ctx context.Context, queues []string, limit int) ([]*job.Job, error) {
	if len(queues) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE flowbridge_jobs
			SET state = 'running', started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM flowbridge_jobs
				WHERE state IN ('pending', 'retrying')
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, run_at ASC`,
		queues, limit,
	)
	if err != nil {
		return nil, unavailable("dequeue jobs", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM flowbridge_jobs WHERE id = $1`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowbridge.ErrJobNotFound
		}
		return nil, unavailable("get job", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_jobs SET
			name = $2, queue = $3, payload = $4, result = $5, state = $6,
			priority = $7, max_retries = $8, retry_count = $9, last_error = $10,
			parent_id = $11, batch_id = $12, worker_id = $13,
			run_at = $14, started_at = $15, completed_at = $16, heartbeat_at = $17,
			timeout = $18, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Name, j.Queue, j.Payload, []byte(j.Result), string(j.State),
		j.Priority, j.MaxRetries, j.RetryCount, j.LastError,
		j.ParentID.String(), j.BatchID.String(), j.WorkerID.String(),
		j.RunAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt, j.Timeout.Nanoseconds(),
	)
	if err != nil {
		return unavailable("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flowbridge_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return unavailable("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs in state, oldest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM flowbridge_jobs WHERE state = $1`
	args := []any{string(state)}
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByBatch returns the members of a batch, oldest first.
func (s *Store) ListJobsByBatch(ctx context.Context, batchID id.BatchID) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM flowbridge_jobs
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC`,
		batchID.String(),
	)
	if err != nil {
		return nil, unavailable("list batch", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// PromoteAwaiting makes every awaiting child of parentID pending and due.
func (s *Store) PromoteAwaiting(ctx context.Context, parentID id.ID) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_jobs
		SET state = 'pending', run_at = NOW(), updated_at = NOW()
		WHERE parent_id = $1 AND state = 'awaiting'`,
		parentID.String(),
	)
	if err != nil {
		return 0, unavailable("promote awaiting", err)
	}
	return int(tag.RowsAffected()), nil
}

// HeartbeatJob records a heartbeat from workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_jobs
		SET heartbeat_at = NOW(), worker_id = $2, updated_at = NOW()
		WHERE id = $1`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return unavailable("heartbeat job", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrJobNotFound
	}
	return nil
}

// ReapStaleJobs returns running jobs whose heartbeat is older than
// threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM flowbridge_jobs
		WHERE state = 'running'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < $1
		ORDER BY created_at ASC, id ASC`,
		time.Now().UTC().Add(-threshold),
	)
	if err != nil {
		return nil, unavailable("reap stale jobs", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM flowbridge_jobs WHERE 1=1`
	var args []any
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if opts.State != "" {
		args = append(args, string(opts.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, unavailable("count jobs", err)
	}
	return count, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                             job.Job
		idStr, state                  string
		parentStr, batchStr, workerID string
		result                        []byte
		timeoutNs                     int64
	)
	err := row.Scan(
		&idStr, &j.Name, &j.Queue, &j.Payload, &result, &state,
		&j.Priority, &j.MaxRetries, &j.RetryCount,
		&j.LastError, &parentStr, &batchStr, &workerID,
		&j.RunAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt, &timeoutNs,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ID = parseID(idStr)
	j.State = job.State(state)
	j.Result = result
	j.ParentID = parseID(parentStr)
	j.BatchID = parseID(batchStr)
	j.WorkerID = parseID(workerID)
	j.Timeout = time.Duration(timeoutNs)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("flowbridge/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate job rows", err)
	}
	return jobs, nil
}
