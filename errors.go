package fossawork

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("fossawork: no store configured")
	ErrStoreClosed = errors.New("fossawork: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("fossawork: job not found")
	ErrScheduleNotFound = errors.New("fossawork: schedule not found")
	ErrWorkerNotFound   = errors.New("fossawork: worker not found")

	// Conflict errors.
	ErrJobAlreadyExists   = errors.New("fossawork: job already exists")
	ErrDuplicateSchedule  = errors.New("fossawork: duplicate schedule")
	ErrNoHandlerForJob    = errors.New("fossawork: no handler registered for job")
	ErrJobAlreadyTerminal = errors.New("fossawork: job is in a terminal state")

	// State errors.
	ErrInvalidState       = errors.New("fossawork: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("fossawork: max retries exceeded")
)
