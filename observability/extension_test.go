package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/flowbridge/ext"
	"github.com/xraph/flowbridge/id"
	"github.com/xraph/flowbridge/job"
	"github.com/xraph/flowbridge/observability"
	"github.com/xraph/flowbridge/outcome"
	"github.com/xraph/flowbridge/workflow"
)

func setup(t *testing.T) (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

// totals sums every counter by name, keyed additionally by the given
// attribute when present.
func totals(t *testing.T, reader *sdkmetric.ManualReader, attr string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
				if attr == "" {
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(attr)); ok {
					out[m.Name+"/"+v.Emit()] += dp.Value
				}
			}
		}
	}
	return out
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := setup(t)
	if e.Name() != "observability-metrics" {
		t.Errorf("Name = %q", e.Name())
	}
}

func TestMetricsExtension_CountsThroughRegistry(t *testing.T) {
	e, reader := setup(t)
	r := ext.NewRegistry(nil)
	r.Register(e)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Name: "workflow:checkout", Queue: "default"}
	run := &workflow.Run{ID: id.NewRunID(), Name: "checkout"}

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobEnqueued(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobFailed(ctx, j, errors.New("x"))
	r.EmitJobCancelled(ctx, j)
	r.EmitWorkflowStarted(ctx, run)
	r.EmitWorkflowCompleted(ctx, run, time.Second)
	r.EmitWorkflowFailed(ctx, run, errors.New("x"))
	r.EmitCronFired(ctx, "nightly", id.NewJobID())

	got := totals(t, reader, "")
	want := map[string]int64{
		"flowbridge.job.enqueued":       2,
		"flowbridge.job.completed":      1,
		"flowbridge.job.retried":        1,
		"flowbridge.job.failed":         1,
		"flowbridge.job.cancelled":      1,
		"flowbridge.workflow.started":   1,
		"flowbridge.workflow.completed": 1,
		"flowbridge.workflow.failed":    1,
		"flowbridge.cron.fired":         1,
	}
	for name, n := range want {
		if got[name] != n {
			t.Errorf("%s = %d, want %d", name, got[name], n)
		}
	}
}

func TestMetricsExtension_OutcomeStatus(t *testing.T) {
	e, reader := setup(t)
	ctx := context.Background()
	now := time.Now()

	_ = e.OnOutcomeRecorded(ctx, "job_1", outcome.Completed("wf_1", nil, now, now))
	_ = e.OnOutcomeRecorded(ctx, "job_2", outcome.Completed("wf_2", nil, now, now))
	_ = e.OnOutcomeRecorded(ctx, "job_3", outcome.Terminated("wf_3", outcome.MsgWorkflowCancelled, now, now))

	got := totals(t, reader, "status")
	if got["flowbridge.outcome.recorded/complete"] != 2 {
		t.Errorf("complete = %d, want 2", got["flowbridge.outcome.recorded/complete"])
	}
	if got["flowbridge.outcome.recorded/terminated"] != 1 {
		t.Errorf("terminated = %d, want 1", got["flowbridge.outcome.recorded/terminated"])
	}
}
