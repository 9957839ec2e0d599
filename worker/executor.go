// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines polling for jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/backoff"
	"github.com/fossawork/fossawork/ext"
	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/middleware"
)

// Executor runs a single job through middleware and the registered handler,
// then handles progress persistence, retry logic, state updates, and
// lifecycle events.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs a job through the middleware chain and handler.
// On success: marks completed, emits JobCompleted.
// On cancellation: marks cancelled, emits JobCancelled.
// On failure with retries remaining: marks retrying with backoff, emits JobRetrying.
// On failure with retries exhausted: marks failed, emits JobFailed.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		return fmt.Errorf("%w: %q", fossawork.ErrNoHandlerForJob, j.Name)
	}

	report := e.reporter(j)
	start := time.Now()

	// The terminal handler that calls the registered job handler.
	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload, report)
	}

	// Run through middleware chain.
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	j.UpdatedAt = now

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return e.handleCancelled(j, err, now)
		}
		return e.handleFailure(ctx, j, err, now)
	}

	return e.handleSuccess(ctx, j, now, elapsed)
}

// reporter builds the ReportFunc handed to the job handler. Percentages
// are clamped, the event is persisted (assigning the monotonic Seq), and
// the progress hook fires so the stream broker fans it out. Reporting is
// best-effort: appends to an already-terminal job are dropped silently,
// and store errors are logged but never fail the job.
func (e *Executor) reporter(j *job.Job) job.ReportFunc {
	return func(ctx context.Context, p job.Progress) {
		p.JobID = j.ID.String()
		p.Percent = job.ClampPercent(p.Percent)
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now().UTC()
		}

		if err := e.store.AppendProgress(ctx, j.ID, &p); err != nil {
			if errors.Is(err, fossawork.ErrJobAlreadyTerminal) {
				return
			}
			e.logger.Warn("failed to persist progress event",
				slog.String("job_id", j.ID.String()),
				slog.String("phase", p.Phase),
				slog.String("error", err.Error()),
			)
			return
		}

		j.ProgressSeq = p.Seq
		e.extensions.EmitJobProgress(ctx, j, &p)
	}
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, now time.Time, elapsed time.Duration) error {
	j.State = job.StateCompleted
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleCancelled marks the job as cancelled. Store and hook calls use a
// fresh context since the job's own context is already cancelled.
func (e *Executor) handleCancelled(j *job.Job, cause error, now time.Time) error {
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.LastError = cause.Error()

	ctx := context.Background()
	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after cancellation",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobCancelled(ctx, j)

	e.logger.Info("job cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)

	return cause
}

// handleFailure increments the retry counter and either retries or fails.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.RetryCount++
	j.LastError = handlerErr.Error()

	if j.RetryCount <= j.MaxRetries {
		return e.scheduleRetry(ctx, j, now)
	}

	return e.markFailed(ctx, j, handlerErr)
}

// scheduleRetry sets the job to StateRetrying with a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, now time.Time) error {
	delay := e.backoff.Delay(j.RetryCount)
	nextRunAt := now.Add(delay)
	j.RunAt = nextRunAt
	j.State = job.StateRetrying

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobRetrying(ctx, j, j.RetryCount, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.RetryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s retry %d/%d: %w", j.Name, j.RetryCount, j.MaxRetries, fmt.Errorf("%s", j.LastError))
}

// markFailed marks the job as failed after exhausting retries.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, handlerErr error) error {
	j.State = job.StateFailed
	now := time.Now().UTC()
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
