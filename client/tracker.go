package client

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/stream"
)

// DispenserProgress is the per-dispenser sub-target of a fuel station
// inspection job.
type DispenserProgress struct {
	DispenserID string
	Percent     float64
	Message     string
	Done        bool
	UpdatedAt   time.Time
}

// JobEntry is the tracker's view of one job, reconciled from lifecycle
// events.
type JobEntry struct {
	JobID       string
	Name        string
	Queue       string
	WorkOrderID string
	State       job.State
	Phase       string
	Percent     float64
	Message     string
	Seq         uint64
	Error       string
	Dispensers  map[string]*DispenserProgress
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// CancelPending is set when the user requested a cancel that the
	// server has not yet acknowledged with a terminal event. Progress
	// events are suppressed while it holds.
	CancelPending bool

	cancelMarkedAt time.Time
}

// Terminal reports whether the entry reached a final state.
func (e *JobEntry) Terminal() bool { return e.State.Terminal() }

// Tracker reconciles job lifecycle events into a bounded local job
// table. Terminal states are sticky, stale sequence numbers are
// rejected, and terminal entries are evicted past a count and an age
// bound.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*JobEntry

	maxTerminal      int
	maxTerminalAge   time.Duration
	cancelPendingTTL time.Duration
	logger           *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithMaxTerminal bounds how many terminal entries are retained.
func WithMaxTerminal(n int) TrackerOption {
	return func(t *Tracker) { t.maxTerminal = n }
}

// WithMaxTerminalAge bounds how long terminal entries are retained.
func WithMaxTerminalAge(age time.Duration) TrackerOption {
	return func(t *Tracker) { t.maxTerminalAge = age }
}

// WithCancelPendingTimeout bounds how long progress events are
// suppressed after MarkCancelPending when no terminal event arrives.
func WithCancelPendingTimeout(timeout time.Duration) TrackerOption {
	return func(t *Tracker) { t.cancelPendingTTL = timeout }
}

// WithTrackerLogger sets the structured logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a job state tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		entries:          make(map[string]*JobEntry),
		maxTerminal:      256,
		maxTerminalAge:   30 * time.Minute,
		cancelPendingTTL: 10 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply reconciles one lifecycle event into the job table. Malformed
// payloads are logged and dropped without touching any entry.
func (t *Tracker) Apply(evt *stream.Event) {
	switch evt.Type {
	case stream.EventJobEnqueued, stream.EventJobStarted, stream.EventJobProgress,
		stream.EventJobCompleted, stream.EventJobFailed, stream.EventJobRetrying,
		stream.EventJobCancelled:
	default:
		return // Not a job lifecycle event.
	}

	var data stream.JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.logger.Warn("tracker: dropping malformed event payload",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()))
		return
	}
	if data.JobID == "" {
		t.logger.Warn("tracker: dropping event without job id",
			slog.String("type", string(evt.Type)))
		return
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.lookupLocked(data.JobID)
	entry.fill(&data)

	// Terminal is sticky: once a job completes, fails, or is
	// cancelled, no later event may change it.
	if entry.State.Terminal() {
		return
	}

	switch evt.Type {
	case stream.EventJobEnqueued:
		// A late enqueued event must not demote a job that already
		// started running or retrying.
		if entry.State == job.StateRunning || entry.State == job.StateRetrying {
			return
		}
		entry.State = job.StatePending
	case stream.EventJobStarted:
		entry.State = job.StateRunning
	case stream.EventJobRetrying:
		entry.State = job.StateRetrying
		entry.Error = data.Error
	case stream.EventJobProgress:
		if !t.applyProgressLocked(entry, &data, ts) {
			return
		}
	case stream.EventJobCompleted:
		t.completeLocked(entry, ts)
	case stream.EventJobFailed:
		entry.State = job.StateFailed
		entry.Error = data.Error
		entry.CompletedAt = &ts
		entry.CancelPending = false
	case stream.EventJobCancelled:
		entry.State = job.StateCancelled
		entry.CompletedAt = &ts
		entry.CancelPending = false
	}

	entry.UpdatedAt = ts
	if entry.State.Terminal() {
		t.evictLocked(ts)
	}
}

// applyProgressLocked applies one progress event. Returns false when
// the event is rejected (stale sequence or cancel-pending suppression).
func (t *Tracker) applyProgressLocked(entry *JobEntry, data *stream.JobEventData, ts time.Time) bool {
	if data.Seq <= entry.Seq {
		return false
	}

	if entry.CancelPending {
		if time.Since(entry.cancelMarkedAt) < t.cancelPendingTTL {
			return false
		}
		// The cancel was never acknowledged; stop suppressing.
		entry.CancelPending = false
	}

	entry.State = job.StateRunning
	entry.Seq = data.Seq
	entry.Phase = data.Phase
	entry.Percent = job.ClampPercent(data.Percent)
	entry.Message = data.Message

	if data.DispenserID != "" {
		if entry.Dispensers == nil {
			entry.Dispensers = make(map[string]*DispenserProgress)
		}
		dp, ok := entry.Dispensers[data.DispenserID]
		if !ok {
			dp = &DispenserProgress{DispenserID: data.DispenserID}
			entry.Dispensers[data.DispenserID] = dp
		}
		dp.Percent = job.ClampPercent(data.Percent)
		dp.Message = data.Message
		dp.Done = dp.Percent >= 100
		dp.UpdatedAt = ts
	}
	return true
}

// completeLocked finalizes an entry as completed: percent forced to
// 100 and open dispenser sub-targets closed out.
func (t *Tracker) completeLocked(entry *JobEntry, ts time.Time) {
	entry.State = job.StateCompleted
	entry.Percent = 100
	entry.CompletedAt = &ts
	entry.CancelPending = false
	for _, dp := range entry.Dispensers {
		if !dp.Done {
			dp.Percent = 100
			dp.Done = true
			dp.UpdatedAt = ts
		}
	}
}

// MarkCancelPending records that the user requested a cancel for the
// job. Until the server acknowledges with a terminal event or the
// cancel-pending timeout elapses, progress events for the job are
// suppressed.
func (t *Tracker) MarkCancelPending(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.lookupLocked(jobID)
	if entry.State.Terminal() {
		return
	}
	entry.CancelPending = true
	entry.cancelMarkedAt = time.Now().UTC()
}

// Get returns a snapshot of one tracked job.
func (t *Tracker) Get(jobID string) (JobEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[jobID]
	if !ok {
		return JobEntry{}, false
	}
	return entry.snapshot(), true
}

// Jobs returns snapshots of all tracked jobs, most recently updated
// first.
func (t *Tracker) Jobs() []JobEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]JobEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) lookupLocked(jobID string) *JobEntry {
	entry, ok := t.entries[jobID]
	if !ok {
		entry = &JobEntry{
			JobID:     jobID,
			State:     job.StatePending,
			UpdatedAt: time.Now().UTC(),
		}
		t.entries[jobID] = entry
	}
	return entry
}

// evictLocked drops terminal entries older than the age bound, then the
// oldest beyond the count bound.
func (t *Tracker) evictLocked(now time.Time) {
	var terminal []*JobEntry
	for jobID, entry := range t.entries {
		if !entry.State.Terminal() {
			continue
		}
		if now.Sub(entry.UpdatedAt) > t.maxTerminalAge {
			delete(t.entries, jobID)
			continue
		}
		terminal = append(terminal, entry)
	}

	if len(terminal) <= t.maxTerminal {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
	})
	for _, entry := range terminal[:len(terminal)-t.maxTerminal] {
		delete(t.entries, entry.JobID)
	}
}

// fill copies identifying fields that may arrive on any event.
func (e *JobEntry) fill(data *stream.JobEventData) {
	if data.JobName != "" {
		e.Name = data.JobName
	}
	if data.Queue != "" {
		e.Queue = data.Queue
	}
	if data.WorkOrderID != "" {
		e.WorkOrderID = data.WorkOrderID
	}
}

// snapshot returns a deep copy safe to hand out.
func (e *JobEntry) snapshot() JobEntry {
	cp := *e
	if e.Dispensers != nil {
		cp.Dispensers = make(map[string]*DispenserProgress, len(e.Dispensers))
		for dispenserID, dp := range e.Dispensers {
			dpCopy := *dp
			cp.Dispensers[dispenserID] = &dpCopy
		}
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		cp.CompletedAt = &at
	}
	return cp
}
