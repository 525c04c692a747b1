package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/workflow"
)

const runColumns = `
	id, name, version, state, input, output, error, current_step,
	started_at, completed_at, created_at, updated_at`

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID.String(), run.Name, run.Version, string(run.State),
		[]byte(run.Input), []byte(run.Output), run.Error, run.CurrentStep,
		run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: run %s already exists", flowbridge.ErrInvalidState, run.ID)
		}
		return unavailable("create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM flowbridge_workflow_runs WHERE id = $1`, runID.String())
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, flowbridge.ErrRunNotFound
		}
		return nil, unavailable("get run", err)
	}
	return r, nil
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flowbridge_workflow_runs SET
			name = $2, version = $3, state = $4, input = $5, output = $6,
			error = $7, current_step = $8, started_at = $9, completed_at = $10,
			updated_at = NOW()
		WHERE id = $1`,
		run.ID.String(), run.Name, run.Version, string(run.State),
		[]byte(run.Input), []byte(run.Output), run.Error, run.CurrentStep,
		run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return unavailable("update run", err)
	}
	if tag.RowsAffected() == 0 {
		return flowbridge.ErrRunNotFound
	}
	return nil
}

// ListRuns returns runs matching opts, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM flowbridge_workflow_runs WHERE 1=1`
	var args []any
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		args = append(args, states)
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	if opts.Name != "" {
		args = append(args, opts.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
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
		return nil, unavailable("list runs", err)
	}
	defer rows.Close()

	runs := make([]*workflow.Run, 0)
	for rows.Next() {
		r, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("flowbridge/postgres: scan run row: %w", scanErr)
		}
		runs = append(runs, r)
	}
	if err = rows.Err(); err != nil {
		return nil, unavailable("iterate run rows", err)
	}
	return runs, nil
}

// SaveCheckpoint upserts checkpoint data for a step. Empty data is stored
// as an empty value so the step still reads as checkpointed.
func (s *Store) SaveCheckpoint(ctx context.Context, runID id.RunID, stepName string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_checkpoints (run_id, step_name, data, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, step_name) DO UPDATE SET data = EXCLUDED.data`,
		runID.String(), stepName, data,
	)
	if err != nil {
		return unavailable("save checkpoint", err)
	}
	return nil
}

// GetCheckpoint returns nil, nil when the step has no checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM flowbridge_checkpoints WHERE run_id = $1 AND step_name = $2`,
		runID.String(), stepName,
	).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, unavailable("get checkpoint", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// ListCheckpoints returns a run's checkpoints, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_name, data, created_at FROM flowbridge_checkpoints
		WHERE run_id = $1
		ORDER BY created_at ASC, step_name ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, unavailable("list checkpoints", err)
	}
	defer rows.Close()

	var out []*workflow.Checkpoint
	for rows.Next() {
		cp := &workflow.Checkpoint{RunID: runID}
		if err = rows.Scan(&cp.StepName, &cp.Data, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("flowbridge/postgres: scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	if err = rows.Err(); err != nil {
		return nil, unavailable("iterate checkpoint rows", err)
	}
	return out, nil
}

// SaveStep upserts a step record. The insert fixes the step's position
// through seq; an update counts another attempt when the step re-enters
// running.
func (s *Store) SaveStep(ctx context.Context, rec *workflow.StepRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flowbridge_steps (run_id, name, state, attempts, error, started_at, completed_at)
		VALUES ($1, $2, $3, GREATEST($4::int, 1), $5, $6, $7)
		ON CONFLICT (run_id, name) DO UPDATE SET
			attempts = flowbridge_steps.attempts +
				CASE WHEN EXCLUDED.state = 'running' AND flowbridge_steps.state <> 'running' THEN 1 ELSE 0 END,
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		rec.RunID.String(), rec.Name, string(rec.State), rec.Attempts, rec.Error,
		rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return unavailable("save step", err)
	}
	return nil
}

// ListSteps returns the step history of a run in first-seen order.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, state, attempts, error, started_at, completed_at
		FROM flowbridge_steps WHERE run_id = $1 ORDER BY seq ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, unavailable("list steps", err)
	}
	defer rows.Close()

	out := make([]*workflow.StepRecord, 0)
	for rows.Next() {
		rec := &workflow.StepRecord{RunID: runID}
		var state string
		if err = rows.Scan(&rec.Name, &state, &rec.Attempts, &rec.Error, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("flowbridge/postgres: scan step row: %w", err)
		}
		rec.State = workflow.StepState(state)
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, unavailable("iterate step rows", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		r             workflow.Run
		idStr, state  string
		input, output []byte
	)
	err := row.Scan(
		&idStr, &r.Name, &r.Version, &state, &input, &output, &r.Error, &r.CurrentStep,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ID = parseID(idStr)
	r.State = workflow.RunState(state)
	r.Input = input
	r.Output = output
	return &r, nil
}
