package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/MacJediWizard/keldris-sub016/observability"

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobEnqueued     = (*MetricsExtension)(nil)
	_ ext.JobStarted      = (*MetricsExtension)(nil)
	_ ext.JobCompleted    = (*MetricsExtension)(nil)
	_ ext.JobFailed       = (*MetricsExtension)(nil)
	_ ext.JobRetrying     = (*MetricsExtension)(nil)
	_ ext.JobDeadLettered = (*MetricsExtension)(nil)
	_ ext.JobCanceled     = (*MetricsExtension)(nil)
	_ ext.ScheduleFired   = (*MetricsExtension)(nil)
)

// MetricsExtension records queue-wide lifecycle counters. Register it as
// an extension to track enqueue rates, completion counts, failure rates,
// retry and dead-letter volume, cancels, and schedule fires per org and
// job type.
type MetricsExtension struct {
	enqueued     metric.Int64Counter
	started      metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	canceled     metric.Int64Counter
	fired        metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this variant to inject a test MeterProvider.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		_ = err // noop fallback guaranteed by OTel API contract
		return c
	}
	return &MetricsExtension{
		enqueued:     counter("keldris.job.enqueued", "Jobs accepted into the queue"),
		started:      counter("keldris.job.started", "Jobs claimed and started"),
		completed:    counter("keldris.job.completed", "Jobs finished successfully"),
		failed:       counter("keldris.job.failed", "Failed job attempts"),
		retried:      counter("keldris.job.retried", "Failed jobs scheduled for retry"),
		deadLettered: counter("keldris.job.dead_lettered", "Jobs escalated to dead_letter"),
		canceled:     counter("keldris.job.canceled", "Jobs canceled by operators"),
		fired:        counter("keldris.schedule.fired", "Schedule fires that enqueued a job"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("job_type", string(j.Type)),
		attribute.String("org_id", j.OrgID),
	)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.completed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(ctx context.Context, j *job.Job, _ error) error {
	m.deadLettered.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCanceled implements ext.JobCanceled.
func (m *MetricsExtension) OnJobCanceled(ctx context.Context, j *job.Job, _ bool) error {
	m.canceled.Add(ctx, 1, jobAttrs(j))
	return nil
}

// ── Schedule lifecycle hooks ────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (m *MetricsExtension) OnScheduleFired(ctx context.Context, scheduleID id.ScheduleID, _ id.JobID) error {
	m.fired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schedule_id", scheduleID.String()),
	))
	return nil
}
