package job

import (
	"context"
	"time"
)

// Well-known automation phases reported by inspection handlers.
const (
	PhaseLogin        = "login"
	PhaseNavigation   = "navigation"
	PhaseFormFill     = "form_fill"
	PhaseVerification = "verification"
	PhaseSubmission   = "submission"
)

// Progress is a single progress notification for a job. The Seq field is
// assigned by the store on append and is strictly monotonic per job, so
// consumers can reject stale or reordered events.
type Progress struct {
	JobID       string    `json:"job_id"`
	Seq         uint64    `json:"seq"`
	Phase       string    `json:"phase"`
	Percent     float64   `json:"percent"`
	Message     string    `json:"message,omitempty"`
	DispenserID string    `json:"dispenser_id,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// ClampPercent bounds a reported percentage to [0, 100]. Automation
// handlers compute percentages from form counts and can overshoot at
// phase boundaries.
func ClampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ReportFunc is how a running handler publishes progress. The executor
// provides an implementation that persists the event (assigning Seq) and
// fans it out to subscribed connections. Errors in the reporting path are
// logged, not surfaced: progress is best-effort and must never fail a job.
type ReportFunc func(ctx context.Context, p Progress)
