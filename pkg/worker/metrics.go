package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments holds the worker's OTel metrics.
type instruments struct {
	jobsClaimed   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	processingMs  metric.Float64Histogram
	activeJobs    metric.Int64UpDownCounter
	emptyPolls    metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	if ins.jobsClaimed, err = meter.Int64Counter("opsdeck.worker.jobs_claimed",
		metric.WithDescription("Tool calls claimed from the queue")); err != nil {
		return nil, err
	}
	if ins.jobsCompleted, err = meter.Int64Counter("opsdeck.worker.jobs_completed",
		metric.WithDescription("Tool calls finished with a receipt")); err != nil {
		return nil, err
	}
	if ins.jobsFailed, err = meter.Int64Counter("opsdeck.worker.jobs_failed",
		metric.WithDescription("Tool calls finished with a failed receipt")); err != nil {
		return nil, err
	}
	if ins.processingMs, err = meter.Float64Histogram("opsdeck.worker.processing_ms",
		metric.WithDescription("Per-job processing time"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if ins.activeJobs, err = meter.Int64UpDownCounter("opsdeck.worker.active_jobs",
		metric.WithDescription("Jobs currently executing")); err != nil {
		return nil, err
	}
	if ins.emptyPolls, err = meter.Int64Counter("opsdeck.worker.empty_polls",
		metric.WithDescription("Claim attempts that found no queued call")); err != nil {
		return nil, err
	}
	return &ins, nil
}

func (ins *instruments) recordFinish(ctx context.Context, toolName string, status string, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("status", status),
	)
	ins.jobsCompleted.Add(ctx, 1, attrs)
	if status == "failed" {
		ins.jobsFailed.Add(ctx, 1, attrs)
	}
	ins.processingMs.Record(ctx, float64(time.Since(started))/float64(time.Millisecond), attrs)
}
