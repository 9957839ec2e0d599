package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/schedule"
)

const scheduleColumns = `
	id, name, schedule, job_name, queue, payload, station_id,
	last_run_at, next_run_at, locked_by, locked_until,
	enabled, created_at, updated_at`

// RegisterSchedule persists a new schedule entry. Returns an error if
// the name already exists.
func (s *Store) RegisterSchedule(ctx context.Context, entry *schedule.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fossawork_schedules (
			id, name, schedule, job_name, queue, payload, station_id,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.JobName, entry.Queue,
		entry.Payload, nilIfEmpty(entry.StationID),
		entry.LastRunAt, entry.NextRunAt, nilIfEmpty(entry.LockedBy), entry.LockedUntil,
		entry.Enabled, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fossawork.ErrDuplicateSchedule
		}
		return fmt.Errorf("fossawork/postgres: register schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM fossawork_schedules WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fossawork.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("fossawork/postgres: get schedule: %w", err)
	}
	return e, nil
}

// ListSchedules returns all schedule entries.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM fossawork_schedules ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("fossawork/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*schedule.Entry
	for rows.Next() {
		e, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("fossawork/postgres: scan schedule row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("fossawork/postgres: iterate schedule rows: %w", err)
	}
	return entries, nil
}

// AcquireScheduleLock attempts to acquire the firing lock for an entry.
// Succeeds if no lock is held, the lock has expired, or this worker
// already holds it.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	wID := workerID.String()

	tag, err := s.pool.Exec(ctx, `
		UPDATE fossawork_schedules
		SET locked_by = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_until < $4 OR locked_by = $2)`,
		entryID.String(), wID, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("fossawork/postgres: acquire schedule lock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		existErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM fossawork_schedules WHERE id = $1)`,
			entryID.String(),
		).Scan(&exists)
		if existErr != nil {
			return false, fmt.Errorf("fossawork/postgres: check schedule exists: %w", existErr)
		}
		if !exists {
			return false, fossawork.ErrScheduleNotFound
		}
		// Entry exists but the lock is held by another worker.
		return false, nil
	}

	return true, nil
}

// ReleaseScheduleLock releases the firing lock for an entry. Releasing
// a lock held by another worker is a no-op.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE fossawork_schedules
		SET locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: release schedule lock: %w", err)
	}
	return nil
}

// UpdateScheduleLastRun records when a schedule entry last fired.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, entryID id.ScheduleID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fossawork_schedules
		SET last_run_at = $2, updated_at = NOW()
		WHERE id = $1`,
		entryID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: update schedule last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fossawork.ErrScheduleNotFound
	}
	return nil
}

// UpdateScheduleEntry updates a schedule entry (Enabled, NextRunAt,
// etc.). The lock columns are store-owned and left untouched.
func (s *Store) UpdateScheduleEntry(ctx context.Context, entry *schedule.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fossawork_schedules SET
			name = $2, schedule = $3, job_name = $4, queue = $5,
			payload = $6, station_id = $7,
			last_run_at = $8, next_run_at = $9,
			enabled = $10, updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.JobName, entry.Queue,
		entry.Payload, nilIfEmpty(entry.StationID),
		entry.LastRunAt, entry.NextRunAt,
		entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: update schedule entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fossawork.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fossawork_schedules WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("fossawork/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fossawork.ErrScheduleNotFound
	}
	return nil
}

// scanSchedule scans a single schedule entry row.
func scanSchedule(row pgx.Row) (*schedule.Entry, error) {
	var (
		e       schedule.Entry
		idStr   string
		station *string
		lockBy  *string
	)
	err := row.Scan(
		&idStr, &e.Name, &e.Schedule, &e.JobName, &e.Queue, &e.Payload, &station,
		&e.LastRunAt, &e.NextRunAt, &lockBy, &e.LockedUntil,
		&e.Enabled, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseScheduleID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("fossawork/postgres: parse schedule id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	if station != nil {
		e.StationID = *station
	}
	if lockBy != nil {
		e.LockedBy = *lockBy
	}

	return &e, nil
}
