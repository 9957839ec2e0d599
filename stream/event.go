// Package stream provides the real-time event broker for FossaWork job
// lifecycle events. It bridges the ext hook system to connected clients
// via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCancelled EventType = "job.cancelled"

	EventScheduleFired EventType = "schedule.fired"
)

// Terminal reports whether this event type ends a job's lifecycle.
// Terminal events are sticky: clients must not let a later stale
// progress event overwrite them.
func (t EventType) Terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	default:
		return false
	}
}

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events. Progress events
// additionally carry the phase/percent/sequence fields.
type JobEventData struct {
	JobID       string  `json:"job_id"`
	JobName     string  `json:"job_name"`
	Queue       string  `json:"queue"`
	WorkOrderID string  `json:"work_order_id,omitempty"`
	Seq         uint64  `json:"seq,omitempty"`
	Phase       string  `json:"phase,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
	Message     string  `json:"message,omitempty"`
	DispenserID string  `json:"dispenser_id,omitempty"`
	ElapsedMs   int64   `json:"elapsed_ms,omitempty"`
	Error       string  `json:"error,omitempty"`
	Attempt     int     `json:"attempt,omitempty"`
	NextRunAt   string  `json:"next_run_at,omitempty"`
}

// ScheduleEventData is the payload for schedule lifecycle events.
type ScheduleEventData struct {
	ScheduleName string `json:"schedule_name"`
	JobID        string `json:"job_id"`
}
