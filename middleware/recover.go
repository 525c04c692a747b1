package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/flowbridge/job"
)

// PanicError is returned by Recover when the handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Recover turns a panic anywhere below it into a *PanicError so the worker
// can fail or retry the job normally.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			logger.Error("job handler panicked",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.Any("panic", r),
				slog.String("stack", string(pe.Stack)),
			)
			err = fmt.Errorf("job %s: %w", j.Name, pe)
		}()
		return next(ctx)
	}
}
