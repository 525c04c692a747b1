package middleware

import (
	"context"
	"encoding/json"

	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/snapshot"
)

// RestoreSnapshot makes the request snapshot carried in an enveloped job
// payload visible through snapshot.FromContext while the job runs. Payloads
// without one pass through untouched.
func RestoreSnapshot() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if s := payloadSnapshot(j.Payload); s != nil {
			ctx = snapshot.WithSnapshot(ctx, s)
		}
		return next(ctx)
	}
}

func payloadSnapshot(payload []byte) *snapshot.ContextSnapshot {
	var probe struct {
		Context *snapshot.ContextSnapshot `json:"context"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	return probe.Context
}
