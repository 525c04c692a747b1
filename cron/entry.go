package cron

import (
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
)

// Entry is a recurring job. Name is the caller-chosen recurring id and is
// unique across entries.
type Entry struct {
	flowbridge.Entity

	ID          id.CronID  `json:"id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	JobName     string     `json:"job_name"`
	Queue       string     `json:"queue,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastJobID   id.JobID   `json:"last_job_id,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Enabled     bool       `json:"enabled"`
}
