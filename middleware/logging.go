package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/flowbridge/bridge"
	"github.com/xraph/flowbridge/job"
)

// Logging logs the start and end of every job. Jobs that run a workflow
// through the bridge carry the workflow name.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := jobAttrs(j)
		logger.LogAttrs(ctx, slog.LevelInfo, "job started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
			logger.LogAttrs(ctx, slog.LevelError, "job failed", attrs...)
			return err
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "job completed", attrs...)
		return nil
	}
}

func jobAttrs(j *job.Job) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("queue", j.Queue),
		slog.Int("attempt", j.RetryCount+1),
	}
	if wf, ok := strings.CutPrefix(j.Name, bridge.JobPrefix); ok {
		attrs = append(attrs, slog.String("workflow", wf))
	}
	return attrs
}
