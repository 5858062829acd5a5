package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of worker metrics.
const meterName = "github.com/dmitrymomot/jobkit"

// Execution outcomes recorded in the status attribute.
const (
	statusCompleted = "completed"
	statusRetry     = "retry"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
	statusLeaseLost = "lease_lost"
)

// workerMetrics records per-execution metrics:
//   - jobkit.job.duration (Float64Histogram): execution time in seconds
//   - jobkit.job.executions (Int64Counter): executions
//
// both with attributes task_type, queue and status.
type workerMetrics struct {
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

func newWorkerMetrics(meter metric.Meter) *workerMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	// The API hands out noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"jobkit.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"jobkit.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return &workerMetrics{duration: duration, executions: executions}
}

func (m *workerMetrics) record(ctx context.Context, job *Job, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task_type", job.TaskType),
		attribute.String("queue", job.Queue),
		attribute.String("status", status),
	)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	m.executions.Add(ctx, 1, attrs)
}
