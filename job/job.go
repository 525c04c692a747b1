package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	// A pending job whose RunAt lies in the future is a scheduled job.
	StatePending State = "pending"
	// StateAwaiting means the job is a continuation waiting for its parent
	// job or batch to complete.
	StateAwaiting State = "awaiting"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateRetrying means the job failed but is scheduled for retry.
	StateRetrying State = "retrying"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no worker will pick the job up again without a
// requeue.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	flowbridge.Entity

	ID          id.JobID        `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Payload     []byte          `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	State       State           `json:"state"`
	Priority    int             `json:"priority"`
	MaxRetries  int             `json:"max_retries"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	ParentID    id.ID           `json:"parent_id,omitempty"`
	BatchID     id.BatchID      `json:"batch_id,omitempty"`
	WorkerID    id.WorkerID     `json:"worker_id,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}
