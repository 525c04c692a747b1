// Package middleware wraps job execution with cross-cutting behavior.
package middleware

import (
	"context"

	"github.com/xraph/flowbridge/job"
)

// Handler runs the job itself once every middleware has been applied.
type Handler func(ctx context.Context) error

// Middleware wraps one job execution. It must call next unless it decides
// to short-circuit with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes mws into one Middleware. The first element is the
// outermost wrapper, so Chain(a, b) runs a → b → handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			h = wrap(mws[i], j, h)
		}
		return h(ctx)
	}
}

func wrap(mw Middleware, j *job.Job, next Handler) Handler {
	return func(ctx context.Context) error { return mw(ctx, j, next) }
}
