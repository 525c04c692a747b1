package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/id"
)

const cronColumns = `
	id, name, schedule, job_name, queue, payload, last_run_at, next_run_at,
	last_job_id, locked_by, locked_until, enabled, created_at, updated_at`

// RegisterCron persists a new entry. Returns flowbridge.ErrDuplicateCron
// if the name is taken.
func (s *Store) RegisterCron(ctx context.Context, e *cron.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_cron_entries (`+cronColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID.String(), e.Name, e.Schedule, e.JobName, e.Queue, e.Payload,
		e.LastRunAt, e.NextRunAt, e.LastJobID.String(), e.LockedBy, e.LockedUntil,
		e.Enabled, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return flowbridge.ErrDuplicateCron
		}
		return unavailable("register cron", err)
	}
	return nil
}

// GetCron retrieves an entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	return s.getCron(ctx, `id = $1`, entryID.String())
}

// GetCronByName retrieves an entry by name.
func (s *Store) GetCronByName(ctx context.Context, name string) (*cron.Entry, error) {
	return s.getCron(ctx, `name = $1`, name)
}

func (s *Store) getCron(ctx context.Context, where string, arg any) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cronColumns+` FROM flowbridge_cron_entries WHERE `+where, arg)
	e, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowbridge.ErrCronNotFound
		}
		return nil, unavailable("get cron", err)
	}
	return e, nil
}

// ListCrons returns all entries, oldest first.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cronColumns+` FROM flowbridge_cron_entries
		ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, unavailable("list crons", err)
	}
	defer rows.Close()

	entries := make([]*cron.Entry, 0)
	for rows.Next() {
		e, scanErr := scanCron(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowbridge/postgres: scan cron row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, unavailable("iterate cron rows", err)
	}
	return entries, nil
}

// AcquireCronLock takes the firing lock unless another worker holds an
// unexpired one.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_cron_entries
		SET locked_by = $2, locked_until = $3
		WHERE id = $1
		  AND (locked_by = '' OR locked_by = $2 OR locked_until IS NULL OR locked_until <= $4)`,
		entryID.String(), workerID.String(), now.Add(ttl), now,
	)
	if err != nil {
		return false, unavailable("acquire cron lock", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM flowbridge_cron_entries WHERE id = $1)`, entryID.String(),
	).Scan(&exists); err != nil {
		return false, unavailable("acquire cron lock", err)
	}
	if !exists {
		return false, flowbridge.ErrCronNotFound
	}
	return false, nil
}

// ReleaseCronLock drops the lock if workerID holds it.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_cron_entries
		SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return unavailable("release cron lock", err)
	}
	return nil
}

// UpdateCronLastRun records when an entry last fired and the job it
// produced.
func (s *Store) UpdateCronLastRun(ctx context.Context, entryID id.CronID, at time.Time, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_cron_entries
		SET last_run_at = $2, last_job_id = $3, updated_at = NOW()
		WHERE id = $1`,
		entryID.String(), at, jobID.String(),
	)
	if err != nil {
		return unavailable("update cron last run", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrCronNotFound
	}
	return nil
}

// UpdateCronEntry replaces the mutable fields of an entry. CreatedAt and
// the lock columns are left alone.
func (s *Store) UpdateCronEntry(ctx context.Context, e *cron.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_cron_entries SET
			name = $2, schedule = $3, job_name = $4, queue = $5, payload = $6,
			last_run_at = $7, next_run_at = $8, last_job_id = $9, enabled = $10,
			updated_at = NOW()
		WHERE id = $1`,
		e.ID.String(), e.Name, e.Schedule, e.JobName, e.Queue, e.Payload,
		e.LastRunAt, e.NextRunAt, e.LastJobID.String(), e.Enabled,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return flowbridge.ErrDuplicateCron
		}
		return unavailable("update cron", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes an entry by ID.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flowbridge_cron_entries WHERE id = $1`, entryID.String())
	if err != nil {
		return unavailable("delete cron", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrCronNotFound
	}
	return nil
}

func scanCron(row pgx.Row) (*cron.Entry, error) {
	var (
		e                cron.Entry
		idStr, lastJobID string
	)
	err := row.Scan(
		&idStr, &e.Name, &e.Schedule, &e.JobName, &e.Queue, &e.Payload,
		&e.LastRunAt, &e.NextRunAt, &lastJobID, &e.LockedBy, &e.LockedUntil,
		&e.Enabled, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ID = parseID(idStr)
	e.LastJobID = parseID(lastJobID)
	return &e, nil
}
