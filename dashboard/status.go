package dashboard

import (
	"math"
	"time"

	"github.com/xraph/flowbridge/outcome"
)

// StatusInfo is derived from WorkflowData at a given instant.
type StatusInfo struct {
	Status                  outcome.Status `json:"status"`
	ProgressPercentage      int            `json:"progress_percentage"`
	Duration                time.Duration  `json:"duration"`
	IsCompleted             bool           `json:"is_completed"`
	IsRunning               bool           `json:"is_running"`
	HasError                bool           `json:"has_error"`
	ErrorMessage            string         `json:"error_message,omitempty"`
	EstimatedCompletionTime *time.Time     `json:"estimated_completion_time,omitempty"`
	Performance             Performance    `json:"performance"`
}

// Performance summarizes step timings.
type Performance struct {
	AverageStepDuration time.Duration `json:"average_step_duration"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	TotalWaitTime       time.Duration `json:"total_wait_time"`
	CompletedSteps      int           `json:"completed_steps"`
	TotalSteps          int           `json:"total_steps"`
}

// CalculateStatus computes progress, timing and an estimated completion
// time for d as seen at now.
func CalculateStatus(d *WorkflowData, now time.Time) StatusInfo {
	info := StatusInfo{
		Status:       d.Status,
		ErrorMessage: d.ErrorMessage,
		IsCompleted:  d.Status.Terminal(),
		IsRunning:    d.Status == outcome.StatusPending || d.Status == outcome.StatusRunning,
		HasError:     d.Status == outcome.StatusTerminated || d.ErrorMessage != "",
	}

	end := now
	if d.CompletedAt != nil {
		end = *d.CompletedAt
	}
	info.Duration = end.Sub(d.CreatedAt)

	info.Performance.TotalSteps = len(d.Steps)
	var processing time.Duration
	timed := 0
	for _, s := range d.Steps {
		if s.Status != outcome.StatusComplete {
			continue
		}
		info.Performance.CompletedSteps++
		if s.StartedAt != nil && s.CompletedAt != nil {
			processing += s.CompletedAt.Sub(*s.StartedAt)
			timed++
		}
	}
	if timed > 0 {
		info.Performance.TotalProcessingTime = processing
		info.Performance.AverageStepDuration = processing / time.Duration(timed)
	}
	info.Performance.TotalWaitTime = waitTime(d.Steps)

	switch {
	case info.Performance.TotalSteps > 0:
		ratio := float64(info.Performance.CompletedSteps) / float64(info.Performance.TotalSteps)
		info.ProgressPercentage = int(math.Round(ratio * 100))
	case info.IsCompleted:
		info.ProgressPercentage = 100
	}

	if info.IsRunning {
		info.EstimatedCompletionTime = estimate(d, &info, now)
	}
	return info
}

// waitTime sums the positive gaps between one step completing and the next
// one starting.
func waitTime(steps []StepInfo) time.Duration {
	var total time.Duration
	for i := 1; i < len(steps); i++ {
		prev, cur := steps[i-1], steps[i]
		if prev.CompletedAt == nil || cur.StartedAt == nil {
			continue
		}
		if gap := cur.StartedAt.Sub(*prev.CompletedAt); gap > 0 {
			total += gap
		}
	}
	return total
}

func estimate(d *WorkflowData, info *StatusInfo, now time.Time) *time.Time {
	remaining := 0
	for _, s := range d.Steps {
		if !s.Status.Terminal() {
			remaining++
		}
	}

	var at time.Time
	switch {
	case remaining == 0:
		at = now
	case info.Performance.AverageStepDuration > 0:
		at = now.Add(info.Performance.AverageStepDuration * time.Duration(remaining))
	case info.ProgressPercentage > 0:
		age := now.Sub(d.CreatedAt)
		total := time.Duration(float64(age) * 100 / float64(info.ProgressPercentage))
		at = now.Add(total - age)
	default:
		return nil
	}
	return &at
}
