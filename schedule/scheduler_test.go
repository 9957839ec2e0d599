package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/schedule"
	"github.com/fossawork/fossawork/store/memory"
)

// stubEmitter records EmitScheduleFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	calls []firedCall
}

type firedCall struct {
	EntryName string
	JobID     id.JobID
}

func (e *stubEmitter) EmitScheduleFired(_ context.Context, entryName string, jobID id.JobID) {
	e.mu.Lock()
	e.calls = append(e.calls, firedCall{EntryName: entryName, JobID: jobID})
	e.mu.Unlock()
}

func (e *stubEmitter) getCalls() []firedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]firedCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// enqueueSpy tracks enqueue calls with thread safety.
type enqueueSpy struct {
	mu    sync.Mutex
	calls []enqueueCall
}

type enqueueCall struct {
	Name    string
	Payload []byte
	Opts    []job.Option
}

func (e *enqueueSpy) Fn() schedule.EnqueueFunc {
	return func(_ context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error) {
		e.mu.Lock()
		e.calls = append(e.calls, enqueueCall{Name: name, Payload: payload, Opts: opts})
		e.mu.Unlock()
		return id.NewJobID(), nil
	}
}

func (e *enqueueSpy) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *enqueueSpy) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Name
	}
	return out
}

func registerDueEntry(t *testing.T, s *memory.Store, name, jobName string) *schedule.Entry {
	t.Helper()

	past := time.Now().UTC().Add(-1 * time.Second)
	entry := &schedule.Entry{
		ID:        id.NewScheduleID(),
		Name:      name,
		Schedule:  "@every 1s",
		JobName:   jobName,
		Payload:   []byte(`{}`),
		NextRunAt: &past,
		Enabled:   true,
	}
	entry.Touch()

	if err := s.RegisterSchedule(context.Background(), entry); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	return entry
}

func newTestScheduler(t *testing.T) (
	*schedule.Scheduler,
	*memory.Store,
	*stubEmitter,
	*enqueueSpy,
) {
	t.Helper()

	s := memory.New()
	emitter := &stubEmitter{}
	spy := &enqueueSpy{}

	sched := schedule.NewScheduler(
		s, spy.Fn(), emitter, id.NewWorkerID(), nil,
		schedule.WithTickInterval(50*time.Millisecond),
	)

	return sched, s, emitter, spy
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	sched, s, emitter, spy := newTestScheduler(t)

	registerDueEntry(t, s, "nightly-inspection", "compliance.inspect")

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for schedule to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	names := spy.Names()
	if len(names) == 0 {
		t.Fatal("expected at least one enqueue call")
	}
	if names[0] != "compliance.inspect" {
		t.Errorf("enqueued job name = %q, want %q", names[0], "compliance.inspect")
	}

	calls := emitter.getCalls()
	if len(calls) == 0 {
		t.Error("expected at least one EmitScheduleFired call")
	}
	if len(calls) > 0 && calls[0].EntryName != "nightly-inspection" {
		t.Errorf("emitter entry name = %q, want %q", calls[0].EntryName, "nightly-inspection")
	}
}

func TestScheduler_SkipsDisabled(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	entry := registerDueEntry(t, s, "disabled-schedule", "noop-job")

	entry.Enabled = false
	if err := s.UpdateScheduleEntry(context.Background(), entry); err != nil {
		t.Fatalf("UpdateScheduleEntry: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait a bit; the disabled entry must not fire.
	time.Sleep(300 * time.Millisecond)

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if spy.Count() != 0 {
		t.Errorf("expected 0 enqueue calls for disabled entry, got %d", spy.Count())
	}
}

func TestScheduler_ComputesNextRunAt(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	entry := registerDueEntry(t, s, "update-next", "compliance.inspect")
	entryID := entry.ID

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for schedule to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	updated, err := s.GetSchedule(context.Background(), entryID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if updated.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be set")
	}
	if updated.NextRunAt.Before(time.Now().UTC().Add(-2 * time.Second)) {
		t.Errorf("NextRunAt = %v, expected recent/future time", updated.NextRunAt)
	}
	if updated.LastRunAt == nil {
		t.Error("expected LastRunAt to be set after firing")
	}
}

func TestScheduler_RoutesStationAndQueue(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	past := time.Now().UTC().Add(-1 * time.Second)
	entry := &schedule.Entry{
		ID:        id.NewScheduleID(),
		Name:      "station-145-weekly",
		Schedule:  "@every 1s",
		JobName:   "compliance.inspect",
		Queue:     "inspections",
		StationID: "st-145",
		Payload:   []byte(`{"work_order_id":"wo-1"}`),
		NextRunAt: &past,
		Enabled:   true,
	}
	entry.Touch()
	if err := s.RegisterSchedule(context.Background(), entry); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for schedule to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	spy.mu.Lock()
	call := spy.calls[0]
	spy.mu.Unlock()

	// Queue + station options are forwarded to the enqueue callback.
	if len(call.Opts) != 2 {
		t.Fatalf("got %d enqueue options, want 2", len(call.Opts))
	}
	opts := job.Options{}
	for _, opt := range call.Opts {
		opt(&opts)
	}
	if opts.Queue != "inspections" {
		t.Errorf("queue = %q, want %q", opts.Queue, "inspections")
	}
	if opts.StationID != "st-145" {
		t.Errorf("station = %q, want %q", opts.StationID, "st-145")
	}
}

func TestScheduler_LockPreventsDoubleFire(t *testing.T) {
	s := memory.New()
	emitter := &stubEmitter{}
	spy := &enqueueSpy{}
	workerID := id.NewWorkerID()

	ctx := context.Background()

	entry := registerDueEntry(t, s, "locked-entry", "locked-job")

	// Pre-acquire the lock for this entry with a different worker.
	otherWorkerID := id.NewWorkerID()
	locked, lockErr := s.AcquireScheduleLock(ctx, entry.ID, otherWorkerID, 30*time.Second)
	if lockErr != nil {
		t.Fatalf("AcquireScheduleLock: %v", lockErr)
	}
	if !locked {
		t.Fatal("expected to acquire schedule lock")
	}

	sched := schedule.NewScheduler(
		s, spy.Fn(), emitter, workerID, nil,
		schedule.WithTickInterval(50*time.Millisecond),
	)

	if startErr := sched.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	// The scheduler should try but fail to acquire the lock.
	time.Sleep(300 * time.Millisecond)

	if stopErr := sched.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	if spy.Count() != 0 {
		t.Errorf("expected 0 fires with pre-locked entry, got %d", spy.Count())
	}
}

func TestParseSchedule(t *testing.T) {
	// Descriptor format.
	sched, err := schedule.ParseSchedule("@every 30s")
	if err != nil {
		t.Fatalf("ParseSchedule(@every 30s): %v", err)
	}
	now := time.Now().UTC()
	next := sched.Next(now)
	if !next.After(now) {
		t.Errorf("Next(%v) = %v, expected future time", now, next)
	}

	// Standard 5-field expression.
	sched2, err := schedule.ParseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule(*/5 * * * *): %v", err)
	}
	next2 := sched2.Next(now)
	if !next2.After(now) {
		t.Errorf("Next(%v) = %v, expected future time", now, next2)
	}

	// Invalid expression.
	_, err = schedule.ParseSchedule("not-a-cron")
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
