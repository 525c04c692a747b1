package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/flowbridge/job"
)

// Metrics records job executions on the global MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter records job executions on meter:
//
//   - flowbridge.job.duration: handler time in seconds
//   - flowbridge.job.executions: number of executions
//
// Both carry job_name, queue and status ("ok", "error" or "cancelled").
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instrument errors still yield usable noop instruments.
	duration, _ := meter.Float64Histogram("flowbridge.job.duration",
		metric.WithDescription("Job handler duration"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter("flowbridge.job.executions",
		metric.WithDescription("Job handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		set := metric.WithAttributes(
			attribute.String("job_name", j.Name),
			attribute.String("queue", j.Queue),
			attribute.String("status", executionStatus(err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), set)
		executions.Add(ctx, 1, set)
		return err
	}
}

func executionStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
