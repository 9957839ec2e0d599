package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/backoff"
	"github.com/fossawork/fossawork/ext"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
	mw "github.com/fossawork/fossawork/middleware"
	"github.com/fossawork/fossawork/queue"
	"github.com/fossawork/fossawork/schedule"
	"github.com/fossawork/fossawork/stream"
	"github.com/fossawork/fossawork/worker"
)

// Engine wraps a Controller with typed subsystem access.
// Use Build() to create one from a Controller.
type Engine struct {
	c          *fossawork.Controller
	extensions *ext.Registry
	registry   *job.Registry
	jobStore   job.Store
	broker     *stream.Broker
	bo         backoff.Strategy
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Schedule subsystem.
	scheduleStore schedule.Store
	scheduler     *schedule.Scheduler

	// Queue subsystem.
	queueConfigs   []queue.Config
	stationConfigs []queue.StationConfig
	queueManager   *queue.Manager

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

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultRetry() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithStationConfig registers per-station limits within a queue. Regulator
// portals typically allow one session per station, so most deployments cap
// station concurrency at 1.
func WithStationConfig(configs ...queue.StationConfig) Option {
	return func(eng *Engine) {
		eng.stationConfigs = append(eng.stationConfigs, configs...)
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
// When set, the metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

const instrumentationName = "github.com/fossawork/fossawork"

// Build creates an Engine from an existing Controller.
// The Controller's store must implement job.Store and schedule.Store.
func Build(c *fossawork.Controller, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	store := c.Store()

	if store == nil {
		return nil, fossawork.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("fossawork: store does not implement job.Store")
	}

	ss, ok := store.(schedule.Store)
	if !ok {
		return nil, fmt.Errorf("fossawork: store does not implement schedule.Store")
	}

	eng := &Engine{
		c:          c,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		jobStore:   js,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategy if none provided.
	if eng.bo == nil {
		eng.bo = backoff.DefaultRetry()
	}

	// Create the stream broker and register it so lifecycle hooks fan out
	// to subscribed connections.
	eng.broker = stream.NewBroker(logger)
	eng.extensions.Register(eng.broker)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create executor and pool.
	config := c.Config()
	executor := worker.NewExecutor(eng.registry, eng.extensions, eng.jobStore, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleJobThreshold(config.StaleJobThreshold),
	}

	// Create queue manager if queue or station configs were provided.
	if len(eng.queueConfigs) > 0 || len(eng.stationConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		for _, sc := range eng.stationConfigs {
			eng.queueManager.SetStationConfig(sc)
		}
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(
		eng.jobStore,
		executor,
		eng.extensions,
		logger,
		poolOpts...,
	)

	// Wire back into the Controller.
	c.SetPool(eng.pool)
	c.SetHooks(eng.extensions)

	// Create the scheduler.
	eng.scheduleStore = ss
	enqueueFunc := func(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := eng.EnqueueRaw(ctx, name, payload, opts...)
		if err != nil {
			return id.JobID{}, err
		}
		return j.ID, nil
	}
	eng.scheduler = schedule.NewScheduler(ss, enqueueFunc, eng.extensions, eng.pool.WorkerID(), logger)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue creates and enqueues a job with a typed payload.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}

	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. The job name
// must have a registered definition.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if _, ok := eng.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %q", fossawork.ErrNoHandlerForJob, name)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:      id.NewJobID(),
		Name:    name,
		Payload: payload,
		State:   job.StatePending,
		RunAt:   now,
	}
	j.Touch()

	// Apply functional options.
	jobOpts := job.DefaultOptions()
	for _, opt := range opts {
		opt(&jobOpts)
	}
	j.Queue = jobOpts.Queue
	j.Priority = jobOpts.Priority
	j.MaxRetries = jobOpts.MaxRetries
	j.Timeout = jobOpts.Timeout
	j.WorkOrderID = jobOpts.WorkOrderID
	j.StationID = jobOpts.StationID
	j.Dispensers = jobOpts.Dispensers
	if !jobOpts.RunAt.IsZero() {
		j.RunAt = jobOpts.RunAt
	}

	if err := eng.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return j, nil
}

// GetJob retrieves a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// ListJobs returns jobs in the given state.
func (eng *Engine) ListJobs(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	return eng.jobStore.ListJobsByState(ctx, state, opts)
}

// Progress returns a job's progress events in sequence order.
func (eng *Engine) Progress(ctx context.Context, jobID id.JobID) ([]*job.Progress, error) {
	return eng.jobStore.ListProgress(ctx, jobID)
}

// CancelJob cancels a job. Pending jobs are cancelled in the store
// directly. Running jobs have their in-flight context cancelled; the
// executor then persists the terminal state and emits the cancelled
// hook. A job.cancelled event is always published exactly once.
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if j.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", fossawork.ErrJobAlreadyTerminal, j.State)
	}

	// Running here: interrupt the handler and let the executor finish the
	// transition. The in-flight context cancel covers progress suppression.
	if j.State == job.StateRunning && eng.pool.Cancel(jobID) {
		j.State = job.StateCancelled
		return j, nil
	}

	// Pending, queued, retrying, or a running job that already left the
	// pool: cancel directly in the store.
	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	if err := eng.jobStore.UpdateJob(ctx, j); err != nil {
		return nil, err
	}

	eng.extensions.EmitJobCancelled(ctx, j)

	eng.logger.Info("job cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)

	return j, nil
}

// Stats returns per-state job counts plus a total.
func (eng *Engine) Stats(ctx context.Context) (map[string]int64, error) {
	states := []job.State{
		job.StatePending, job.StateQueued, job.StateRunning,
		job.StateCompleted, job.StateFailed, job.StateRetrying,
		job.StateCancelled,
	}

	counts := make([]int64, len(states))
	g, gctx := errgroup.WithContext(ctx)
	for i, state := range states {
		g.Go(func() error {
			n, err := eng.jobStore.CountJobs(gctx, job.CountOpts{State: state})
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(states)+1)
	var total int64
	for i, state := range states {
		out[string(state)] = counts[i]
		total += counts[i]
	}
	out["total"] = total
	return out, nil
}

// Start begins job processing by starting the scheduler and worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return eng.c.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	return eng.c.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Controller returns the underlying Controller.
func (eng *Engine) Controller() *fossawork.Controller { return eng.c }

// Broker returns the stream broker bridging lifecycle hooks to
// subscribed connections.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// ScheduleStore returns the schedule store.
func (eng *Engine) ScheduleStore() schedule.Store { return eng.scheduleStore }

// Scheduler returns the schedule scheduler.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// RegisterSchedule registers a typed schedule definition with the engine.
// It validates the cron expression, computes the initial NextRunAt, and
// persists the entry. Re-registration of the same name is idempotent.
func RegisterSchedule[T any](ctx context.Context, eng *Engine, def *schedule.Definition[T]) error {
	sched, err := schedule.ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", def.Schedule, err)
	}

	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload: %w", err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	entry := &schedule.Entry{
		ID:        id.NewScheduleID(),
		Name:      def.Name,
		Schedule:  def.Schedule,
		JobName:   def.JobName,
		Queue:     def.Queue,
		StationID: def.StationID,
		Payload:   payload,
		NextRunAt: &next,
		Enabled:   true,
	}
	entry.Touch()

	if err := eng.scheduleStore.RegisterSchedule(ctx, entry); err != nil {
		// Idempotent: ignore duplicate schedule entries.
		if errors.Is(err, fossawork.ErrDuplicateSchedule) {
			return nil
		}
		return fmt.Errorf("register schedule %q: %w", def.Name, err)
	}

	eng.logger.Info("schedule registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.String("job_name", def.JobName),
		slog.Time("next_run_at", next),
	)

	return nil
}
