package mongo

import (
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/event"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/workflow"
)

// parseID returns id.Nil for an empty or malformed field.
func parseID(s string) id.ID {
	if s == "" {
		return id.Nil
	}
	v, err := id.Parse(s)
	if err != nil {
		return id.Nil
	}
	return v
}

// ── Job ──

type jobModel struct {
	ID          string     `bson:"_id"`
	Name        string     `bson:"name"`
	Queue       string     `bson:"queue"`
	Payload     []byte     `bson:"payload"`
	Result      []byte     `bson:"result,omitempty"`
	State       string     `bson:"state"`
	Priority    int        `bson:"priority"`
	MaxRetries  int        `bson:"max_retries"`
	RetryCount  int        `bson:"retry_count"`
	LastError   string     `bson:"last_error"`
	ParentID    string     `bson:"parent_id"`
	BatchID     string     `bson:"batch_id"`
	WorkerID    string     `bson:"worker_id"`
	RunAt       time.Time  `bson:"run_at"`
	StartedAt   *time.Time `bson:"started_at"`
	CompletedAt *time.Time `bson:"completed_at"`
	HeartbeatAt *time.Time `bson:"heartbeat_at"`
	Timeout     int64      `bson:"timeout"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:          j.ID.String(),
		Name:        j.Name,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Result:      j.Result,
		State:       string(j.State),
		Priority:    j.Priority,
		MaxRetries:  j.MaxRetries,
		RetryCount:  j.RetryCount,
		LastError:   j.LastError,
		ParentID:    j.ParentID.String(),
		BatchID:     j.BatchID.String(),
		WorkerID:    j.WorkerID.String(),
		RunAt:       j.RunAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		HeartbeatAt: j.HeartbeatAt,
		Timeout:     j.Timeout.Nanoseconds(),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) *job.Job {
	return &job.Job{
		Entity:      flowbridge.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          parseID(m.ID),
		Name:        m.Name,
		Queue:       m.Queue,
		Payload:     m.Payload,
		Result:      m.Result,
		State:       job.State(m.State),
		Priority:    m.Priority,
		MaxRetries:  m.MaxRetries,
		RetryCount:  m.RetryCount,
		LastError:   m.LastError,
		ParentID:    parseID(m.ParentID),
		BatchID:     parseID(m.BatchID),
		WorkerID:    parseID(m.WorkerID),
		RunAt:       m.RunAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		HeartbeatAt: m.HeartbeatAt,
		Timeout:     time.Duration(m.Timeout),
	}
}

// ── Workflow ──

type runModel struct {
	ID          string     `bson:"_id"`
	Name        string     `bson:"name"`
	Version     int        `bson:"version"`
	State       string     `bson:"state"`
	Input       []byte     `bson:"input,omitempty"`
	Output      []byte     `bson:"output,omitempty"`
	Error       string     `bson:"error"`
	CurrentStep string     `bson:"current_step"`
	StartedAt   time.Time  `bson:"started_at"`
	CompletedAt *time.Time `bson:"completed_at"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toRunModel(r *workflow.Run) *runModel {
	return &runModel{
		ID:          r.ID.String(),
		Name:        r.Name,
		Version:     r.Version,
		State:       string(r.State),
		Input:       r.Input,
		Output:      r.Output,
		Error:       r.Error,
		CurrentStep: r.CurrentStep,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromRunModel(m *runModel) *workflow.Run {
	return &workflow.Run{
		Entity:      flowbridge.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          parseID(m.ID),
		Name:        m.Name,
		Version:     m.Version,
		State:       workflow.RunState(m.State),
		Input:       m.Input,
		Output:      m.Output,
		Error:       m.Error,
		CurrentStep: m.CurrentStep,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

type checkpointModel struct {
	RunID     string    `bson:"run_id"`
	StepName  string    `bson:"step_name"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
}

type stepModel struct {
	RunID       string     `bson:"run_id"`
	Name        string     `bson:"name"`
	Seq         int64      `bson:"seq"`
	State       string     `bson:"state"`
	Attempts    int        `bson:"attempts"`
	Error       string     `bson:"error"`
	StartedAt   time.Time  `bson:"started_at"`
	CompletedAt *time.Time `bson:"completed_at"`
}

// ── Cron ──

type cronModel struct {
	ID          string     `bson:"_id"`
	Name        string     `bson:"name"`
	Schedule    string     `bson:"schedule"`
	JobName     string     `bson:"job_name"`
	Queue       string     `bson:"queue"`
	Payload     []byte     `bson:"payload,omitempty"`
	LastRunAt   *time.Time `bson:"last_run_at"`
	NextRunAt   *time.Time `bson:"next_run_at"`
	LastJobID   string     `bson:"last_job_id"`
	LockedBy    string     `bson:"locked_by"`
	LockedUntil *time.Time `bson:"locked_until"`
	Enabled     bool       `bson:"enabled"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toCronModel(e *cron.Entry) *cronModel {
	return &cronModel{
		ID:          e.ID.String(),
		Name:        e.Name,
		Schedule:    e.Schedule,
		JobName:     e.JobName,
		Queue:       e.Queue,
		Payload:     e.Payload,
		LastRunAt:   e.LastRunAt,
		NextRunAt:   e.NextRunAt,
		LastJobID:   e.LastJobID.String(),
		LockedBy:    e.LockedBy,
		LockedUntil: e.LockedUntil,
		Enabled:     e.Enabled,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func fromCronModel(m *cronModel) *cron.Entry {
	return &cron.Entry{
		Entity:      flowbridge.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          parseID(m.ID),
		Name:        m.Name,
		Schedule:    m.Schedule,
		JobName:     m.JobName,
		Queue:       m.Queue,
		Payload:     m.Payload,
		LastRunAt:   m.LastRunAt,
		NextRunAt:   m.NextRunAt,
		LastJobID:   parseID(m.LastJobID),
		LockedBy:    m.LockedBy,
		LockedUntil: m.LockedUntil,
		Enabled:     m.Enabled,
	}
}

// ── Event ──

type eventModel struct {
	ID        string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	Name      string    `bson:"name"`
	Payload   []byte    `bson:"payload,omitempty"`
	Acked     bool      `bson:"acked"`
	CreatedAt time.Time `bson:"created_at"`
}

func fromEventModel(m *eventModel) *event.Event {
	return &event.Event{
		ID:        parseID(m.ID),
		Name:      m.Name,
		Payload:   m.Payload,
		Acked:     m.Acked,
		CreatedAt: m.CreatedAt,
	}
}

// ── Correlation ──

type correlationModel struct {
	JobID      string    `bson:"_id"`
	InstanceID string    `bson:"instance_id"`
	CreatedAt  time.Time `bson:"created_at"`
}

type outcomeModel struct {
	InstanceID string    `bson:"_id"`
	Data       []byte    `bson:"data"`
	Terminal   bool      `bson:"terminal"`
	UpdatedAt  time.Time `bson:"updated_at"`
}
