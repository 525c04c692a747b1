package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/instance"
	"github.com/xraph/flowbridge/outcome"
)

// WorkflowData describes the workflow instance started for a job.
type WorkflowData struct {
	JobID              string          `json:"job_id"`
	WorkflowInstanceID string          `json:"workflow_instance_id"`
	Workflow           string          `json:"workflow"`
	Status             outcome.Status  `json:"status"`
	Data               json.RawMessage `json:"data,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Steps              []StepInfo      `json:"steps"`
}

// StepInfo is one step of the instance's history. Order starts at 1.
type StepInfo struct {
	Name         string         `json:"name"`
	Status       outcome.Status `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Order        int            `json:"order"`
}

// Provider assembles WorkflowData from the correlation store and the
// instance reader.
type Provider struct {
	store  correlation.Store
	reader instance.Reader
	logger *slog.Logger
}

// NewProvider returns a Provider. A nil logger means slog.Default().
func NewProvider(store correlation.Store, reader instance.Reader, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{store: store, reader: reader, logger: logger}
}

// WorkflowData returns the workflow behind jobID, or nil when the job has no
// mapping or its instance no longer exists. A stored outcome supplies the
// error message and completion time when it has them.
func (p *Provider) WorkflowData(ctx context.Context, jobID string) (*WorkflowData, error) {
	if jobID == "" {
		return nil, nil
	}

	instanceID, err := p.store.InstanceIDFor(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/dashboard: look up instance of job %s: %w", jobID, err)
	}
	if instanceID == "" {
		p.logger.Debug("no workflow mapped to job", slog.String("job_id", jobID))
		return nil, nil
	}

	view, err := p.reader.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/dashboard: read instance %s: %w", instanceID, err)
	}
	if view == nil {
		p.logger.Warn("mapped workflow instance not found",
			slog.String("job_id", jobID),
			slog.String("instance_id", instanceID),
		)
		return nil, nil
	}

	stored, err := p.store.ResultFor(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("flowbridge/dashboard: look up outcome of %s: %w", instanceID, err)
	}
	return buildData(jobID, view, stored), nil
}

func buildData(jobID string, view *instance.View, stored *outcome.Outcome) *WorkflowData {
	d := &WorkflowData{
		JobID:              jobID,
		WorkflowInstanceID: view.ID,
		Workflow:           view.Workflow,
		Status:             view.Status,
		Data:               view.Data,
		ErrorMessage:       view.Error,
		CreatedAt:          view.CreatedAt,
		CompletedAt:        view.CompletedAt,
		Steps:              make([]StepInfo, 0, len(view.Steps)),
	}
	// A sealed outcome replaces the live status as a whole.
	if stored.Terminal() {
		d.Status = stored.Status
		d.ErrorMessage = stored.ErrorMessage
		d.CompletedAt = stored.CompletedAt
		if len(stored.Data) > 0 {
			d.Data = stored.Data
		}
	}
	for i, s := range view.Steps {
		info := StepInfo{
			Name:         s.Name,
			Status:       s.Status,
			CompletedAt:  s.CompletedAt,
			ErrorMessage: s.Error,
			Order:        i + 1,
		}
		if !s.StartedAt.IsZero() {
			started := s.StartedAt
			info.StartedAt = &started
		}
		d.Steps = append(d.Steps, info)
	}
	return d
}
