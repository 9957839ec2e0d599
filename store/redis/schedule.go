package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/schedule"
)

// ── JSON model for KV storage ──

type scheduleEntity struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	JobName     string     `json:"job_name"`
	Queue       string     `json:"queue"`
	Payload     []byte     `json:"payload,omitempty"`
	StationID   string     `json:"station_id,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LockedBy    string     `json:"locked_by"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toScheduleEntity(e *schedule.Entry) *scheduleEntity {
	return &scheduleEntity{
		ID:          e.ID.String(),
		Name:        e.Name,
		Schedule:    e.Schedule,
		JobName:     e.JobName,
		Queue:       e.Queue,
		Payload:     e.Payload,
		StationID:   e.StationID,
		LastRunAt:   e.LastRunAt,
		NextRunAt:   e.NextRunAt,
		LockedBy:    e.LockedBy,
		LockedUntil: e.LockedUntil,
		Enabled:     e.Enabled,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func fromScheduleEntity(e *scheduleEntity) (*schedule.Entry, error) {
	eID, err := id.ParseScheduleID(e.ID)
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: parse schedule id: %w", err)
	}

	return &schedule.Entry{
		Entity: fossawork.Entity{
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		},
		ID:          eID,
		Name:        e.Name,
		Schedule:    e.Schedule,
		JobName:     e.JobName,
		Queue:       e.Queue,
		Payload:     e.Payload,
		StationID:   e.StationID,
		LastRunAt:   e.LastRunAt,
		NextRunAt:   e.NextRunAt,
		LockedBy:    e.LockedBy,
		LockedUntil: e.LockedUntil,
		Enabled:     e.Enabled,
	}, nil
}

// RegisterSchedule persists a new schedule entry.
func (s *Store) RegisterSchedule(ctx context.Context, entry *schedule.Entry) error {
	eID := entry.ID.String()
	key := scheduleKey(eID)

	// Check for duplicate name.
	existing, err := s.client.HGet(ctx, scheduleNamesKey, entry.Name).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("fossawork/redis: register schedule check name: %w", err)
	}
	if existing != "" {
		return fossawork.ErrDuplicateSchedule
	}

	if setErr := s.setEntity(ctx, key, toScheduleEntity(entry)); setErr != nil {
		return fmt.Errorf("fossawork/redis: register schedule set: %w", setErr)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, scheduleIDsKey, eID)
	pipe.HSet(ctx, scheduleNamesKey, entry.Name, eID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fossawork/redis: register schedule indexes: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	var e scheduleEntity
	if err := s.getEntity(ctx, scheduleKey(entryID.String()), &e); err != nil {
		if errors.Is(err, errEntityNotFound) {
			return nil, fossawork.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("fossawork/redis: get schedule: %w", err)
	}
	return fromScheduleEntity(&e)
}

// ListSchedules returns all schedule entries.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	ids, err := s.client.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: list schedules: %w", err)
	}

	entries := make([]*schedule.Entry, 0, len(ids))
	for _, eID := range ids {
		var e scheduleEntity
		if getErr := s.getEntity(ctx, scheduleKey(eID), &e); getErr != nil {
			continue
		}
		entry, convErr := fromScheduleEntity(&e)
		if convErr != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AcquireScheduleLock attempts to acquire the firing lock for an entry.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	key := scheduleKey(entryID.String())
	wID := workerID.String()
	now := time.Now().UTC()
	until := now.Add(ttl)

	var e scheduleEntity
	if err := s.getEntity(ctx, key, &e); err != nil {
		if errors.Is(err, errEntityNotFound) {
			return false, fossawork.ErrScheduleNotFound
		}
		return false, fmt.Errorf("fossawork/redis: acquire schedule lock get: %w", err)
	}

	// Another worker holds an unexpired lock.
	if e.LockedBy != "" && e.LockedBy != wID {
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			return false, nil
		}
	}

	e.LockedBy = wID
	e.LockedUntil = &until
	e.UpdatedAt = now
	if err := s.setEntity(ctx, key, &e); err != nil {
		return false, fmt.Errorf("fossawork/redis: acquire schedule lock set: %w", err)
	}
	return true, nil
}

// ReleaseScheduleLock releases the firing lock for an entry. Releasing a
// lock held by another worker is a no-op.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	key := scheduleKey(entryID.String())

	var e scheduleEntity
	if err := s.getEntity(ctx, key, &e); err != nil {
		if errors.Is(err, errEntityNotFound) {
			return nil // entry gone, no-op
		}
		return fmt.Errorf("fossawork/redis: release schedule lock get: %w", err)
	}
	if e.LockedBy != workerID.String() {
		return nil
	}

	e.LockedBy = ""
	e.LockedUntil = nil
	e.UpdatedAt = time.Now().UTC()
	return s.setEntity(ctx, key, &e)
}

// UpdateScheduleLastRun records when a schedule entry last fired.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, entryID id.ScheduleID, at time.Time) error {
	key := scheduleKey(entryID.String())

	var e scheduleEntity
	if err := s.getEntity(ctx, key, &e); err != nil {
		if errors.Is(err, errEntityNotFound) {
			return fossawork.ErrScheduleNotFound
		}
		return fmt.Errorf("fossawork/redis: update last run get: %w", err)
	}

	e.LastRunAt = &at
	e.UpdatedAt = time.Now().UTC()
	return s.setEntity(ctx, key, &e)
}

// UpdateScheduleEntry updates a schedule entry. The lock fields are
// store-owned and preserved from the stored entity.
func (s *Store) UpdateScheduleEntry(ctx context.Context, entry *schedule.Entry) error {
	key := scheduleKey(entry.ID.String())

	var existing scheduleEntity
	if err := s.getEntity(ctx, key, &existing); err != nil {
		if errors.Is(err, errEntityNotFound) {
			return fossawork.ErrScheduleNotFound
		}
		return fmt.Errorf("fossawork/redis: update schedule get: %w", err)
	}

	e := toScheduleEntity(entry)
	e.LockedBy = existing.LockedBy
	e.LockedUntil = existing.LockedUntil
	e.UpdatedAt = time.Now().UTC()
	return s.setEntity(ctx, key, e)
}

// DeleteSchedule removes a schedule entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	eID := entryID.String()
	key := scheduleKey(eID)

	var e scheduleEntity
	if err := s.getEntity(ctx, key, &e); err != nil {
		if errors.Is(err, errEntityNotFound) {
			return fossawork.ErrScheduleNotFound
		}
		return fmt.Errorf("fossawork/redis: delete schedule get: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, scheduleIDsKey, eID)
	if e.Name != "" {
		pipe.HDel(ctx, scheduleNamesKey, e.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fossawork/redis: delete schedule: %w", err)
	}
	return nil
}
