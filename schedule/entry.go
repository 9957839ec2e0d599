package schedule

import (
	"time"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
)

// Entry represents a recurring inspection schedule.
type Entry struct {
	fossawork.Entity

	ID          id.ScheduleID `json:"id"`
	Name        string        `json:"name"`
	Schedule    string        `json:"schedule"`
	JobName     string        `json:"job_name"`
	Queue       string        `json:"queue,omitempty"`
	Payload     []byte        `json:"payload,omitempty"`
	StationID   string        `json:"station_id,omitempty"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time    `json:"next_run_at,omitempty"`
	LockedBy    string        `json:"locked_by,omitempty"`
	LockedUntil *time.Time    `json:"locked_until,omitempty"`
	Enabled     bool          `json:"enabled"`
}

// Definition is a typed schedule definition. T is the payload type
// (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this schedule.
	Name string

	// Schedule is a cron expression (e.g., "0 6 * * *" or "@every 4h").
	Schedule string

	// JobName is the name of the job to enqueue on each firing.
	JobName string

	// Payload is the default payload to enqueue with the job.
	Payload T

	// Queue overrides the default job queue (optional).
	Queue string

	// StationID scopes triggered jobs to a station (optional).
	StationID string
}
