// Package engine wires all Keldris subsystems together. It creates the
// extension registry, job registry, middleware chain, worker pool,
// maintenance sweeps, and scheduler, and provides the operator surface:
// Register, Enqueue, Cancel, Replay, Summary.
//
// This package exists to break the import cycle: the root keldris package
// defines Config and the error taxonomy (imported by job, worker, etc.)
// and so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/backoff"
	"github.com/MacJediWizard/keldris-sub016/dlq"
	"github.com/MacJediWizard/keldris-sub016/ext"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
	mw "github.com/MacJediWizard/keldris-sub016/middleware"
	"github.com/MacJediWizard/keldris-sub016/observability"
	"github.com/MacJediWizard/keldris-sub016/queue"
	"github.com/MacJediWizard/keldris-sub016/schedule"
	"github.com/MacJediWizard/keldris-sub016/worker"
)

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d          *keldris.Dispatcher
	extensions *ext.Registry
	registry   *job.Registry
	jobStore   job.Store
	dlqService *dlq.Service
	policy     backoff.Policy
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Maintenance subsystem (retry sweep, stale sweep, retention GC).
	maintenance *worker.Maintenance
	maintCancel context.CancelFunc
	maintDone   chan error

	// Schedule subsystem.
	scheduler *schedule.Scheduler

	// Queue subsystem.
	queueLimits  []queue.Limits
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff policy for the engine.
// If not set, backoff.DefaultPolicy() (exponential with jitter) is used.
func WithBackoff(p backoff.Policy) Option {
	return func(eng *Engine) {
		eng.policy = p
	}
}

// WithQueueLimits registers per-org rate limiting and concurrency caps.
// Orgs not listed have no limits.
func WithQueueLimits(limits ...queue.Limits) Option {
	return func(eng *Engine) {
		eng.queueLimits = append(eng.queueLimits, limits...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement job.Store.
func Build(d *keldris.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	store := d.Store()

	if store == nil {
		return nil, keldris.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("keldris/engine: store does not implement job.Store")
	}

	eng := &Engine{
		d:          d,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		jobStore:   js,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.policy == nil {
		eng.policy = backoff.DefaultPolicy()
	}

	eng.dlqService = dlq.NewService(js, logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/MacJediWizard/keldris-sub016")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/MacJediWizard/keldris-sub016")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/MacJediWizard/keldris-sub016/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → tenant → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Tenant(),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	config := d.Config()
	executor := worker.NewExecutor(eng.registry, eng.extensions, eng.jobStore, eng.policy, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolOrgs(config.Orgs),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
	}

	if len(eng.queueLimits) > 0 {
		eng.queueManager = queue.NewManager(eng.queueLimits...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(
		eng.jobStore,
		executor,
		eng.extensions,
		logger,
		poolOpts...,
	)

	// Wire back into the Dispatcher.
	d.SetPool(eng.pool)
	d.SetExtensions(eng.extensions)

	eng.maintenance = worker.NewMaintenance(eng.jobStore, eng.extensions, eng.policy, logger, config)

	enqueueFunc := func(ctx context.Context, orgID string, typ job.Type, payload json.RawMessage, jobOpts ...job.Option) (*job.Job, error) {
		return eng.EnqueueRaw(ctx, orgID, typ, payload, jobOpts...)
	}
	eng.scheduler = schedule.NewScheduler(enqueueFunc, eng.extensions, logger)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue creates and enqueues a job with a typed payload.
func Enqueue[T any](ctx context.Context, eng *Engine, orgID string, typ job.Type, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("keldris/engine: marshal payload for %q: %w", typ, err)
	}
	return eng.EnqueueRaw(ctx, orgID, typ, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, orgID string, typ job.Type, payload json.RawMessage, opts ...job.Option) (*job.Job, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("keldris/engine: enqueue %q: %w", typ, keldris.ErrPayloadEncode)
	}

	j := job.New(orgID, typ, payload, opts...)
	if err := eng.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return j, nil
}

// Cancel moves a pending or running job to canceled. A running job's
// in-flight attempt is interrupted via context cancellation; its handler
// result is discarded when it returns.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	prior, err := eng.jobStore.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}

	wasRunning := prior == job.StatusRunning
	if wasRunning {
		eng.pool.Interrupt(jobID)
	}

	j, err := eng.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	eng.extensions.EmitJobCanceled(ctx, j, wasRunning)

	eng.logger.Info("job canceled",
		slog.String("job_id", jobID.String()),
		slog.String("prior_status", string(prior)),
	)
	return nil
}

// Replay clones a dead-lettered job as a fresh pending job.
func (eng *Engine) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	fresh, err := eng.dlqService.Replay(ctx, jobID)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobEnqueued(ctx, fresh)
	return fresh, nil
}

// Summary computes the org's queue snapshot.
func (eng *Engine) Summary(ctx context.Context, orgID string) (*job.Summary, error) {
	return eng.jobStore.Summary(ctx, orgID, time.Now().UTC())
}

// ListDeadLetter returns the org's dead-lettered jobs, newest first.
func (eng *Engine) ListDeadLetter(ctx context.Context, orgID string, limit int) ([]*job.Job, error) {
	return eng.dlqService.List(ctx, orgID, limit)
}

// RegisterSchedule registers a typed schedule definition with the engine.
func RegisterSchedule[T any](eng *Engine, def schedule.Definition[T]) error {
	entry, err := def.Entry()
	if err != nil {
		return fmt.Errorf("keldris/engine: schedule %q: %w", def.Name, err)
	}
	if err := eng.scheduler.Register(entry); err != nil {
		return err
	}
	eng.logger.Info("schedule registered",
		slog.String("name", def.Name),
		slog.String("expr", def.Expr),
		slog.String("job_type", string(def.JobType)),
	)
	return nil
}

// Start begins job processing: the worker pool, the maintenance sweeps,
// and the scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("keldris/engine: start scheduler: %w", err)
	}

	maintCtx, cancel := context.WithCancel(context.Background())
	eng.maintCancel = cancel
	eng.maintDone = make(chan error, 1)
	go func() {
		eng.maintDone <- eng.maintenance.Run(maintCtx)
	}()

	return eng.d.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	if eng.maintCancel != nil {
		eng.maintCancel()
		select {
		case err := <-eng.maintDone:
			if err != nil {
				eng.logger.Error("maintenance stop error", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			eng.logger.Warn("maintenance did not stop before deadline")
		}
	}

	return eng.d.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *keldris.Dispatcher { return eng.d }

// DLQService returns the dead-letter service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// Scheduler returns the schedule scheduler.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// Maintenance returns the maintenance sweeps.
func (eng *Engine) Maintenance() *worker.Maintenance { return eng.maintenance }

// QueueManager returns the queue manager, or nil if no limits were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }
