package job

import (
	"fmt"
	"time"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
)

// State represents the lifecycle state of an automation job.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateQueued means the job was accepted but its queue is at capacity.
	StateQueued State = "queued"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateRetrying means the job failed but is scheduled for retry.
	StateRetrying State = "retrying"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// ParseState validates a state string from the wire.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateQueued, StateRunning, StateCompleted,
		StateFailed, StateRetrying, StateCancelled:
		return State(s), nil
	default:
		return "", fmt.Errorf("job: unknown state %q", s)
	}
}

// Terminal reports whether no further progress is expected for a job in
// this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job represents a unit of automation work: one inspection run against a
// work order, possibly fanning out across multiple dispensers.
type Job struct {
	fossawork.Entity

	ID          id.JobID      `json:"id"`
	Name        string        `json:"name"`
	Queue       string        `json:"queue"`
	Payload     []byte        `json:"payload"`
	State       State         `json:"state"`
	Priority    int           `json:"priority"`
	WorkOrderID string        `json:"work_order_id,omitempty"`
	StationID   string        `json:"station_id,omitempty"`
	Dispensers  []string      `json:"dispensers,omitempty"`
	ProgressSeq uint64        `json:"progress_seq"`
	MaxRetries  int           `json:"max_retries"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`
	RunAt       time.Time     `json:"run_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}
