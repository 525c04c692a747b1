package audithook

import (
	"context"
	"log/slog"
	"time"
)

// Event is one audit trail entry.
type Event struct {
	Action     string         `json:"action"`
	Category   string         `json:"category"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Severity   string         `json:"severity"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	At         time.Time      `json:"at"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, evt *Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, evt *Event) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, evt *Event) error { return f(ctx, evt) }

// LogRecorder writes each event as one structured log record, at Warn or
// Error for the matching severities.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder records to logger, or slog.Default when nil.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, evt *Event) error {
	level := slog.LevelInfo
	switch evt.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("action", evt.Action),
		slog.String("category", evt.Category),
		slog.String("resource", evt.Resource),
		slog.String("resource_id", evt.ResourceID),
		slog.String("outcome", evt.Outcome),
	}
	if evt.Reason != "" {
		attrs = append(attrs, slog.String("reason", evt.Reason))
	}
	if len(evt.Metadata) > 0 {
		meta := make([]any, 0, len(evt.Metadata))
		for k, v := range evt.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("meta", meta...))
	}
	r.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}
