package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/flowbridge/job"
)

// Timeout bounds the handler by the job's Timeout. A job without one runs
// until its handler returns. The error of a job that overran wraps
// context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		err := next(ctx)
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			logger.Warn("job exceeded its timeout",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", j.Timeout),
			)
			return fmt.Errorf("job %s timed out after %s: %w", j.Name, j.Timeout, context.DeadlineExceeded)
		}
		return err
	}
}
