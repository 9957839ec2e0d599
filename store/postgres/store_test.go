//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/schedule"
	"github.com/fossawork/fossawork/store/postgres"
)

// setupTestStore creates a Postgres container and returns a connected Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("fossawork_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newTestJob(name string) *job.Job {
	j := &job.Job{
		ID:         id.NewJobID(),
		Name:       name,
		Queue:      "default",
		Payload:    []byte(`{}`),
		State:      job.StatePending,
		MaxRetries: 3,
		RunAt:      time.Now().UTC(),
	}
	j.Touch()
	return j
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second migrate should be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job store tests
// ──────────────────────────────────────────────────

func TestJobStore_EnqueueAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("enqueue-test")
	j.Priority = 5
	j.WorkOrderID = "wo-1042"
	j.StationID = "st-17"
	j.Dispensers = []string{"d-1", "d-2"}

	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Duplicate should fail.
	if dupErr := s.EnqueueJob(ctx, j); !errors.Is(dupErr, fossawork.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got: %v", dupErr)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "enqueue-test" {
		t.Fatalf("expected name enqueue-test, got %s", got.Name)
	}
	if got.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", got.Priority)
	}
	if got.WorkOrderID != "wo-1042" || got.StationID != "st-17" {
		t.Fatalf("work order fields not persisted: %+v", got)
	}
	if len(got.Dispensers) != 2 {
		t.Fatalf("expected 2 dispensers, got %d", len(got.Dispensers))
	}
}

func TestJobStore_DequeueSkipLocked(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := newTestJob(fmt.Sprintf("job-%d", i))
		j.Priority = i // 0, 1, 2
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue job-%d: %v", i, err)
		}
	}

	// Dequeue 2 — should get highest priority first.
	dequeued, err := s.DequeueJobs(ctx, []string{"default"}, 2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(dequeued) != 2 {
		t.Fatalf("expected 2 dequeued, got %d", len(dequeued))
	}
	if dequeued[0].Priority != 2 {
		t.Fatalf("expected first dequeued priority 2, got %d", dequeued[0].Priority)
	}
	if dequeued[0].State != job.StateRunning {
		t.Fatalf("expected running after dequeue, got %s", dequeued[0].State)
	}

	remaining, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("dequeue remaining: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining, got %d", len(remaining))
	}
}

func TestJobStore_DequeueHonorsRunAt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("future-job")
	j.RunAt = time.Now().UTC().Add(1 * time.Hour)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dequeued, err := s.DequeueJobs(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(dequeued) != 0 {
		t.Fatalf("expected 0 dequeued before run_at, got %d", len(dequeued))
	}
}

func TestJobStore_UpdateAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("update-test")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j.State = job.StateCompleted
	now := time.Now().UTC()
	j.CompletedAt = &now
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}

	if err = s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, getErr := s.GetJob(ctx, j.ID)
	if !errors.Is(getErr, fossawork.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got: %v", getErr)
	}
}

func TestJobStore_ListByState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := newTestJob(fmt.Sprintf("list-job-%d", i))
		if i >= 3 {
			j.State = job.StateCompleted
		}
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pending, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}

	limited, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 limited, got %d", len(limited))
	}
}

func TestJobStore_Progress(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("progress-test")
	j.State = job.StateRunning
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p1 := &job.Progress{Phase: job.PhaseLogin, Percent: 10, Message: "logging in"}
	if err := s.AppendProgress(ctx, j.ID, p1); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if p1.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", p1.Seq)
	}

	p2 := &job.Progress{Phase: job.PhaseFormFill, Percent: 55, DispenserID: "d-1"}
	if err := s.AppendProgress(ctx, j.ID, p2); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if p2.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", p2.Seq)
	}

	events, err := s.ListProgress(ctx, j.ID)
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("events out of order: %d, %d", events[0].Seq, events[1].Seq)
	}
	if events[1].DispenserID != "d-1" {
		t.Fatalf("expected dispenser d-1, got %q", events[1].DispenserID)
	}

	// Terminal jobs reject further progress.
	j.State = job.StateCompleted
	if err = s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	appendErr := s.AppendProgress(ctx, j.ID, &job.Progress{Percent: 99})
	if !errors.Is(appendErr, fossawork.ErrJobAlreadyTerminal) {
		t.Fatalf("expected ErrJobAlreadyTerminal, got: %v", appendErr)
	}

	// Unknown job.
	unknownErr := s.AppendProgress(ctx, id.NewJobID(), &job.Progress{})
	if !errors.Is(unknownErr, fossawork.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got: %v", unknownErr)
	}
}

func TestJobStore_HeartbeatAndReap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob("heartbeat-test")
	j.State = job.StateRunning
	now := time.Now().UTC()
	j.StartedAt = &now
	old := now.Add(-2 * time.Minute)
	j.HeartbeatAt = &old

	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stale, err := s.ReapStaleJobs(ctx, 1*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale, got %d", len(stale))
	}

	if err = s.HeartbeatJob(ctx, j.ID, id.NewWorkerID()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	stale, err = s.ReapStaleJobs(ctx, 1*time.Minute)
	if err != nil {
		t.Fatalf("reap after heartbeat: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected 0 stale after heartbeat, got %d", len(stale))
	}
}

func TestJobStore_CountJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnqueueJob(ctx, newTestJob("count-test")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	count, err := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
}

// ──────────────────────────────────────────────────
// Schedule store tests
// ──────────────────────────────────────────────────

func newTestSchedule(name string) *schedule.Entry {
	e := &schedule.Entry{
		ID:       id.NewScheduleID(),
		Name:     name,
		Schedule: "*/5 * * * *",
		JobName:  "compliance.inspect",
		Enabled:  true,
	}
	e.Touch()
	return e
}

func TestScheduleStore_RegisterAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := newTestSchedule("nightly-inspection")
	entry.StationID = "st-17"
	next := time.Now().Add(1 * time.Hour).UTC()
	entry.NextRunAt = &next

	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Duplicate name should fail.
	dup := newTestSchedule("nightly-inspection")
	if dupErr := s.RegisterSchedule(ctx, dup); !errors.Is(dupErr, fossawork.ErrDuplicateSchedule) {
		t.Fatalf("expected ErrDuplicateSchedule, got: %v", dupErr)
	}

	got, err := s.GetSchedule(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "nightly-inspection" {
		t.Fatalf("expected nightly-inspection, got %s", got.Name)
	}
	if got.StationID != "st-17" {
		t.Fatalf("expected station st-17, got %s", got.StationID)
	}
	if !got.Enabled {
		t.Fatal("expected enabled")
	}
}

func TestScheduleStore_ListAndDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.RegisterSchedule(ctx, newTestSchedule(fmt.Sprintf("sched-%d", i))); err != nil {
			t.Fatalf("register sched-%d: %v", i, err)
		}
	}

	entries, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3, got %d", len(entries))
	}

	if err = s.DeleteSchedule(ctx, entries[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entries, err = s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2, got %d", len(entries))
	}
}

func TestScheduleStore_LockAndRelease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := newTestSchedule("lock-test")
	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	worker1 := id.NewWorkerID()
	worker2 := id.NewWorkerID()

	// Worker1 acquires lock.
	acquired, err := s.AcquireScheduleLock(ctx, entry.ID, worker1, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired")
	}

	// Worker2 cannot acquire (lock held by worker1).
	acquired, err = s.AcquireScheduleLock(ctx, entry.ID, worker2, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire by worker2: %v", err)
	}
	if acquired {
		t.Fatal("expected not acquired by worker2")
	}

	// Worker1 can re-acquire (idempotent).
	acquired, err = s.AcquireScheduleLock(ctx, entry.ID, worker1, 30*time.Second)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected re-acquired by worker1")
	}

	// Release.
	if err = s.ReleaseScheduleLock(ctx, entry.ID, worker1); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Now worker2 can acquire.
	acquired, err = s.AcquireScheduleLock(ctx, entry.ID, worker2, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired by worker2 after release")
	}
}

func TestScheduleStore_LockExpiry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := newTestSchedule("expiry-test")
	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	worker1 := id.NewWorkerID()
	worker2 := id.NewWorkerID()

	acquired, err := s.AcquireScheduleLock(ctx, entry.ID, worker1, 1*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired")
	}

	time.Sleep(50 * time.Millisecond)

	acquired, err = s.AcquireScheduleLock(ctx, entry.ID, worker2, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire by worker2: %v", err)
	}
	if !acquired {
		t.Fatal("expected acquired by worker2 after expiry")
	}
}

func TestScheduleStore_UpdateEntryPreservesLock(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := newTestSchedule("update-test")
	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	worker := id.NewWorkerID()
	if _, err := s.AcquireScheduleLock(ctx, entry.ID, worker, 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	entry.Enabled = false
	if err := s.UpdateScheduleEntry(ctx, entry); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSchedule(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected disabled")
	}
	if got.LockedBy != worker.String() {
		t.Fatalf("update clobbered lock holder: %q", got.LockedBy)
	}
}

func TestScheduleStore_UpdateLastRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := newTestSchedule("lastrun-test")
	if err := s.RegisterSchedule(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Now().UTC()
	if err := s.UpdateScheduleLastRun(ctx, entry.ID, now); err != nil {
		t.Fatalf("update last run: %v", err)
	}

	got, err := s.GetSchedule(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastRunAt == nil {
		t.Fatal("expected last_run_at to be set")
	}
}
