package fossawork

import "time"

// Entity carries the audit timestamps shared by all persisted records.
// Subsystem models (job.Job, schedule.Entry) embed it.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch sets UpdatedAt to now, initializing CreatedAt on first use.
func (e *Entity) Touch() {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}
