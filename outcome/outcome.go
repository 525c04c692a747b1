// Package outcome defines the normalized result of running a workflow
// instance on behalf of a job.
package outcome

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/flowbridge"
)

// Status is the coarse lifecycle of a workflow instance as seen by a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusComplete   Status = "complete"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status is Complete or Terminated.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusTerminated
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuspended, StatusComplete, StatusTerminated:
		return true
	default:
		return false
	}
}

// Messages used for terminated outcomes produced by flowbridge itself.
const (
	MsgInstanceNotFound   = "instance not found"
	MsgWorkflowTerminated = "workflow terminated"
	MsgWorkflowCancelled  = "workflow cancelled"
	InvalidInputPrefix    = "invalid input: "
)

// Outcome is the normalized result of a workflow instance.
//
// CompletedAt is set exactly when Status is terminal and ErrorMessage is only
// ever set on a terminated outcome. Once stored, a terminal outcome is never
// replaced.
type Outcome struct {
	WorkflowInstanceID string          `json:"workflow_instance_id" msgpack:"workflow_instance_id"`
	Status             Status          `json:"status" msgpack:"status"`
	Data               json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty" msgpack:"error_message,omitempty"`
	CreatedAt          time.Time       `json:"created_at" msgpack:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`
}

// Completed builds a Complete outcome.
func Completed(instanceID string, data json.RawMessage, createdAt, completedAt time.Time) *Outcome {
	at := completedAt.UTC()
	return &Outcome{
		WorkflowInstanceID: instanceID,
		Status:             StatusComplete,
		Data:               data,
		CreatedAt:          createdAt.UTC(),
		CompletedAt:        &at,
	}
}

// Terminated builds a Terminated outcome. instanceID may be empty when the
// instance was never started.
func Terminated(instanceID, message string, createdAt, completedAt time.Time) *Outcome {
	at := completedAt.UTC()
	return &Outcome{
		WorkflowInstanceID: instanceID,
		Status:             StatusTerminated,
		ErrorMessage:       message,
		CreatedAt:          createdAt.UTC(),
		CompletedAt:        &at,
	}
}

// InProgress builds a non-terminal outcome snapshot.
func InProgress(instanceID string, status Status, data json.RawMessage, createdAt time.Time) *Outcome {
	return &Outcome{
		WorkflowInstanceID: instanceID,
		Status:             status,
		Data:               data,
		CreatedAt:          createdAt.UTC(),
	}
}

// Terminal reports whether the outcome is final.
func (o *Outcome) Terminal() bool { return o != nil && o.Status.Terminal() }

// Validate checks the structural invariants of o.
func (o *Outcome) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil outcome", flowbridge.ErrInvalidOutcome)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", flowbridge.ErrInvalidOutcome, o.Status)
	}
	if o.Status.Terminal() && o.CompletedAt == nil {
		return fmt.Errorf("%w: %s outcome without completed_at", flowbridge.ErrInvalidOutcome, o.Status)
	}
	if !o.Status.Terminal() && o.CompletedAt != nil {
		return fmt.Errorf("%w: %s outcome with completed_at", flowbridge.ErrInvalidOutcome, o.Status)
	}
	if o.ErrorMessage != "" && o.Status != StatusTerminated {
		return fmt.Errorf("%w: error message on %s outcome", flowbridge.ErrInvalidOutcome, o.Status)
	}
	return nil
}

// Clone returns a deep copy of o.
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Data != nil {
		cp.Data = append(json.RawMessage(nil), o.Data...)
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
