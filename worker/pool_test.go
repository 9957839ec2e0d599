package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fossawork/fossawork/backoff"
	"github.com/fossawork/fossawork/ext"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/middleware"
	"github.com/fossawork/fossawork/store/memory"
	"github.com/fossawork/fossawork/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration) (
	*worker.Pool, *memory.Store, *job.Registry,
) {
	t.Helper()
	logger := testLogger()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)

	bo := backoff.NewConstant(10 * time.Millisecond)

	executor := worker.NewExecutor(
		reg, extensions, s, bo, logger,
		middleware.Recover(logger),
	)

	pool := worker.NewPool(s, executor, extensions, logger,
		worker.WithPoolConcurrency(concurrency),
		worker.WithPollInterval(pollInterval),
		worker.WithPoolQueues([]string{"inspections"}),
	)

	return pool, s, reg
}

func enqueueTestJob(t *testing.T, s *memory.Store, name string, payload []byte, maxRetries int) *job.Job {
	t.Helper()
	j := &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      "inspections",
		Payload:    payload,
		State:      job.StatePending,
		MaxRetries: maxRetries,
		RunAt:      time.Now().UTC(),
	}
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt

	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	return j
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestPool_StartStop(t *testing.T) {
	pool, _, _ := setupTestPool(t, 2, 50*time.Millisecond)

	err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	err = pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	type inspectPayload struct {
		WorkOrderID string `json:"work_order_id"`
	}

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("compliance.inspect",
		func(_ context.Context, p inspectPayload, _ job.ReportFunc) error {
			if p.WorkOrderID != "wo-1042" {
				t.Errorf("payload.WorkOrderID = %q, want %q", p.WorkOrderID, "wo-1042")
			}
			processed.Store(true)
			return nil
		}))

	payload, _ := json.Marshal(inspectPayload{WorkOrderID: "wo-1042"})
	j := enqueueTestJob(t, s, "compliance.inspect", payload, 3)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	waitFor(t, processed.Load, "timed out waiting for job to be processed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("job state = %q, want %q", got.State, job.StateCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestPool_FailedJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("portal.submit",
		func(_ context.Context, _ struct{}, _ job.ReportFunc) error {
			processed.Store(true)
			return errors.New("portal returned 503")
		}))

	j := enqueueTestJob(t, s, "portal.submit", nil, 0)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	waitFor(t, processed.Load, "timed out waiting for job to be processed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StateFailed {
		t.Errorf("job state = %q, want %q", got.State, job.StateFailed)
	}
	if got.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestPool_ProgressReporting(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var done atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("compliance.inspect",
		func(ctx context.Context, _ struct{}, report job.ReportFunc) error {
			report(ctx, job.Progress{Phase: job.PhaseLogin, Percent: 10})
			report(ctx, job.Progress{Phase: job.PhaseFormFill, Percent: 55, DispenserID: "disp-3"})
			// Overshoot at the submission boundary must be clamped.
			report(ctx, job.Progress{Phase: job.PhaseSubmission, Percent: 104})
			done.Store(true)
			return nil
		}))

	j := enqueueTestJob(t, s, "compliance.inspect", nil, 0)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	waitFor(t, done.Load, "timed out waiting for job")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	events, err := s.ListProgress(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("list progress error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d progress events, want 3", len(events))
	}
	for i, evt := range events {
		if evt.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, evt.Seq, i+1)
		}
	}
	if events[1].Phase != job.PhaseFormFill || events[1].Percent != 55 {
		t.Errorf("event 1 = %s/%.0f, want form_fill/55", events[1].Phase, events[1].Percent)
	}
	if events[1].DispenserID != "disp-3" {
		t.Errorf("event 1 dispenser = %q, want %q", events[1].DispenserID, "disp-3")
	}
	if events[2].Percent != 100 {
		t.Errorf("event 2 percent = %.0f, want 100 (clamped)", events[2].Percent)
	}
}

func TestPool_CancelActiveJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	started := make(chan struct{})
	job.RegisterDefinition(reg, job.NewDefinition("portal.watch",
		func(ctx context.Context, _ struct{}, _ job.ReportFunc) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))

	j := enqueueTestJob(t, s, "portal.watch", nil, 3)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to start")
	}

	if !pool.Cancel(j.ID) {
		t.Fatal("expected Cancel to find the active job")
	}

	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateCancelled
	}, "timed out waiting for cancelled state")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	// Cancel on a job that is no longer active reports false.
	if pool.Cancel(j.ID) {
		t.Error("expected Cancel to miss after job finished")
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool, _, _ := setupTestPool(t, 4, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Allow workers to start polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := pool.Stop(ctx)
	if err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
}

func TestPool_ExtensionFires(t *testing.T) {
	logger := testLogger()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)

	tracker := &trackingExt{}
	extensions.Register(tracker)

	bo := backoff.NewConstant(10 * time.Millisecond)

	executor := worker.NewExecutor(reg, extensions, s, bo, logger)
	pool := worker.NewPool(s, executor, extensions, logger,
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithPoolQueues([]string{"inspections"}),
	)

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("compliance.inspect",
		func(ctx context.Context, _ struct{}, report job.ReportFunc) error {
			report(ctx, job.Progress{Phase: job.PhaseLogin, Percent: 10})
			processed.Store(true)
			return nil
		}))

	enqueueTestJob(t, s, "compliance.inspect", nil, 0)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	waitFor(t, processed.Load, "timed out waiting for job")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if !tracker.started.Load() {
		t.Error("expected OnJobStarted to fire")
	}
	if !tracker.progressed.Load() {
		t.Error("expected OnJobProgress to fire")
	}
	if !tracker.completed.Load() {
		t.Error("expected OnJobCompleted to fire")
	}
}

func TestPool_RetryUsesBackoff(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var attempts atomic.Int64
	job.RegisterDefinition(reg, job.NewDefinition("portal.submit",
		func(_ context.Context, _ struct{}, _ job.ReportFunc) error {
			if attempts.Add(1) < 2 {
				return errors.New("transient portal error")
			}
			return nil
		}))

	j := enqueueTestJob(t, s, "portal.submit", nil, 3)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateCompleted
	}, "timed out waiting for retried job to complete")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

// trackingExt records which hooks fired.
type trackingExt struct {
	started    atomic.Bool
	progressed atomic.Bool
	completed  atomic.Bool
	failed     atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnJobProgress(_ context.Context, _ *job.Job, _ *job.Progress) error {
	e.progressed.Store(true)
	return nil
}

func (e *trackingExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *trackingExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.failed.Store(true)
	return nil
}
