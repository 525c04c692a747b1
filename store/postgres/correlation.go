package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/outcome"
)

// PutMapping records that jobID launched instanceID. A previous owner of
// the instance loses its mapping; the job's previous instance is released
// by the upsert itself.
func (s *Store) PutMapping(ctx context.Context, jobID, instanceID string) error {
	if err := correlation.CheckMapping(jobID, instanceID); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM flowbridge_correlations WHERE instance_id = $1 AND job_id <> $2`,
			instanceID, jobID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO flowbridge_correlations (job_id, instance_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (job_id) DO UPDATE SET
				instance_id = EXCLUDED.instance_id,
				created_at = EXCLUDED.created_at`,
			jobID, instanceID, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return unavailable("put mapping", err)
	}
	return nil
}

// InstanceIDFor returns the instance mapped to jobID, or "".
func (s *Store) InstanceIDFor(ctx context.Context, jobID string) (string, error) {
	return s.lookup(ctx, "instance for job",
		`SELECT instance_id FROM flowbridge_correlations WHERE job_id = $1`, jobID)
}

// JobIDFor returns the job mapped to instanceID, or "".
func (s *Store) JobIDFor(ctx context.Context, instanceID string) (string, error) {
	return s.lookup(ctx, "job for instance",
		`SELECT job_id FROM flowbridge_correlations WHERE instance_id = $1`, instanceID)
}

func (s *Store) lookup(ctx context.Context, op, query, arg string) (string, error) {
	var v string
	if err := s.pool.QueryRow(ctx, query, arg).Scan(&v); err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", unavailable(op, err)
	}
	return v, nil
}

// PutResult stores the outcome of instanceID. The upsert skips rows that
// already hold a terminal outcome.
func (s *Store) PutResult(ctx context.Context, instanceID string, o *outcome.Outcome) error {
	if err := correlation.CheckResult(instanceID, o); err != nil {
		return err
	}
	data, err := s.codec.Encode(o)
	if err != nil {
		return fmt.Errorf("flowbridge/postgres: encode outcome: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_outcomes (instance_id, data, terminal, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			data = EXCLUDED.data,
			terminal = EXCLUDED.terminal,
			updated_at = EXCLUDED.updated_at
		WHERE NOT flowbridge_outcomes.terminal`,
		instanceID, data, o.Terminal(),
	)
	if err != nil {
		return unavailable("put result", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance %s", flowbridge.ErrOutcomeSealed, instanceID)
	}
	return nil
}

// ResultFor returns the stored outcome of instanceID, or nil.
func (s *Store) ResultFor(ctx context.Context, instanceID string) (*outcome.Outcome, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM flowbridge_outcomes WHERE instance_id = $1`, instanceID,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, unavailable("result for instance", err)
	}
	o, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/postgres: decode outcome of %s: %w", instanceID, err)
	}
	return o, nil
}

// RemoveMapping deletes jobID's mapping and the instance's outcome.
func (s *Store) RemoveMapping(ctx context.Context, jobID string) (bool, error) {
	n, err := s.unlink(ctx, "remove mapping", `job_id = $1`, jobID)
	return n == 1, err
}

// PurgeOlderThan removes every mapping created before cutoff together with
// its outcome.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.unlink(ctx, "purge mappings", `created_at < $1`, cutoff.UTC())
	if err == nil && n > 0 {
		s.logger.Debug("purged correlation mappings",
			slog.Int("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, err
}

func (s *Store) unlink(ctx context.Context, op, where string, arg any) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM flowbridge_correlations WHERE `+where+` RETURNING instance_id
		), dropped AS (
			DELETE FROM flowbridge_outcomes o USING gone WHERE o.instance_id = gone.instance_id
		)
		SELECT COUNT(*) FROM gone`,
		arg,
	).Scan(&n)
	if err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

// Mappings returns every job to instance mapping.
func (s *Store) Mappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, instance_id FROM flowbridge_correlations`)
	if err != nil {
		return nil, unavailable("mappings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var jobID, instanceID string
		if err = rows.Scan(&jobID, &instanceID); err != nil {
			return nil, unavailable("scan mapping", err)
		}
		out[jobID] = instanceID
	}
	if err = rows.Err(); err != nil {
		return nil, unavailable("iterate mappings", err)
	}
	return out, nil
}
