// Package stream fans lifecycle events out to live subscribers. The Broker
// is an ext.Extension: register it with the engine and every job, workflow
// run and bridge outcome is published on topic channels that HTTP clients
// can follow over Server-Sent Events.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCancelled EventType = "job.cancelled"

	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowStepCompleted EventType = "workflow.step_completed"
	EventWorkflowStepFailed    EventType = "workflow.step_failed"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowCancelled     EventType = "workflow.cancelled"

	EventOutcomeRecorded EventType = "outcome.recorded"
	EventCronFired       EventType = "cron.fired"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Topic     string          `json:"topic,omitempty"` // entity topic, if any
	Data      json.RawMessage `json:"data"`
}

// JobEventData is the payload of job.* events.
type JobEventData struct {
	JobID     string `json:"job_id"`
	JobName   string `json:"job_name"`
	Queue     string `json:"queue"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`
}

// RunEventData is the payload of workflow.* events.
type RunEventData struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Version    int    `json:"version"`
	Step       string `json:"step,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OutcomeEventData is the payload of outcome.recorded.
type OutcomeEventData struct {
	JobID      string `json:"job_id"`
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// CronEventData is the payload of cron.fired.
type CronEventData struct {
	Entry string `json:"entry"`
	JobID string `json:"job_id"`
}
