package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
)

const jobColumns = `
	id, name, queue, payload, state, priority,
	work_order_id, station_id, dispensers, progress_seq,
	max_retries, retry_count, last_error, worker_id,
	run_at, started_at, completed_at, heartbeat_at, timeout,
	created_at, updated_at`

// EnqueueJob persists a new job in pending state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fossawork_jobs (
			id, name, queue, payload, state, priority,
			work_order_id, station_id, dispensers, progress_seq,
			max_retries, retry_count, last_error, worker_id,
			run_at, started_at, completed_at, heartbeat_at, timeout,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21
		)`,
		j.ID.String(), j.Name, j.Queue, j.Payload, string(j.State), j.Priority,
		nilIfEmpty(j.WorkOrderID), nilIfEmpty(j.StationID), j.Dispensers, int64(j.ProgressSeq),
		j.MaxRetries, j.RetryCount, j.LastError, j.WorkerID.String(),
		j.RunAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt, j.Timeout.Nanoseconds(),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fossawork.ErrJobAlreadyExists
		}
		return fmt.Errorf("fossawork/postgres: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs atomically claims up to limit pending jobs from the given
// queues, sets them to running, and returns them. Uses SELECT FOR UPDATE
// SKIP LOCKED for concurrent-safe dequeue.
func (s *Store) DequeueJobs(ctx context.Context, queues []string, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH dequeued AS (
			UPDATE fossawork_jobs
			SET state = 'running', started_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM fossawork_jobs
				WHERE state IN ('pending', 'retrying')
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM dequeued ORDER BY priority DESC, run_at ASC`,
		queues, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fossawork/postgres: dequeue jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM fossawork_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fossawork.ErrJobNotFound
		}
		return nil, fmt.Errorf("fossawork/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job. The progress sequence
// counter is store-owned and never written here.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fossawork_jobs SET
			name = $2, queue = $3, payload = $4, state = $5,
			priority = $6, work_order_id = $7, station_id = $8,
			dispensers = $9, max_retries = $10, retry_count = $11,
			last_error = $12, worker_id = $13, run_at = $14,
			started_at = $15, completed_at = $16, heartbeat_at = $17,
			timeout = $18, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Name, j.Queue, j.Payload, string(j.State),
		j.Priority, nilIfEmpty(j.WorkOrderID), nilIfEmpty(j.StationID),
		j.Dispensers, j.MaxRetries, j.RetryCount,
		j.LastError, j.WorkerID.String(), j.RunAt,
		j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		j.Timeout.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fossawork.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID. Progress rows cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fossawork_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("fossawork/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fossawork.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM fossawork_jobs WHERE state = $1`
	args := []interface{}{string(state)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fossawork/postgres: list jobs by state: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// AppendProgress records a progress event for a job, assigning the next
// sequence number from the job's store-owned counter. The counter bump
// and the insert run in one transaction so readers never observe a gap.
func (s *Store) AppendProgress(ctx context.Context, jobID id.JobID, p *job.Progress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: append progress begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var stateStr string
	err = tx.QueryRow(ctx,
		`SELECT state FROM fossawork_jobs WHERE id = $1 FOR UPDATE`,
		jobID.String(),
	).Scan(&stateStr)
	if err != nil {
		if isNoRows(err) {
			return fossawork.ErrJobNotFound
		}
		return fmt.Errorf("fossawork/postgres: append progress state: %w", err)
	}
	if job.State(stateStr).Terminal() {
		return fossawork.ErrJobAlreadyTerminal
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		UPDATE fossawork_jobs
		SET progress_seq = progress_seq + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING progress_seq`,
		jobID.String(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: append progress seq: %w", err)
	}

	p.JobID = jobID.String()
	p.Seq = uint64(seq)
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO fossawork_job_progress (
			job_id, seq, phase, percent, message, dispenser_id, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		jobID.String(), seq, p.Phase, p.Percent, p.Message, p.DispenserID, p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: append progress insert: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("fossawork/postgres: append progress commit: %w", err)
	}
	return nil
}

// ListProgress returns a job's progress events in sequence order.
func (s *Store) ListProgress(ctx context.Context, jobID id.JobID) ([]*job.Progress, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM fossawork_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("fossawork/postgres: list progress check: %w", err)
	}
	if !exists {
		return nil, fossawork.ErrJobNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, phase, percent, message, dispenser_id, recorded_at
		FROM fossawork_job_progress
		WHERE job_id = $1
		ORDER BY seq ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("fossawork/postgres: list progress: %w", err)
	}
	defer rows.Close()

	var events []*job.Progress
	for rows.Next() {
		var (
			p   job.Progress
			seq int64
		)
		if scanErr := rows.Scan(&seq, &p.Phase, &p.Percent, &p.Message, &p.DispenserID, &p.Timestamp); scanErr != nil {
			return nil, fmt.Errorf("fossawork/postgres: scan progress row: %w", scanErr)
		}
		p.JobID = jobID.String()
		p.Seq = uint64(seq)
		events = append(events, &p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("fossawork/postgres: iterate progress rows: %w", err)
	}
	return events, nil
}

// HeartbeatJob updates the heartbeat timestamp for a running job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, _ id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fossawork_jobs SET heartbeat_at = NOW(), updated_at = NOW() WHERE id = $1`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("fossawork/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fossawork.ErrJobNotFound
	}
	return nil
}

// ReapStaleJobs returns running jobs whose last heartbeat is older than
// the given threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM fossawork_jobs
		WHERE state = 'running'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $1::interval`,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("fossawork/postgres: reap stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM fossawork_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("fossawork/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		stateStr    string
		workOrder   *string
		station     *string
		workerStr   string
		progressSeq int64
		timeoutNs   int64
	)
	err := row.Scan(
		&idStr, &j.Name, &j.Queue, &j.Payload, &stateStr, &j.Priority,
		&workOrder, &station, &j.Dispensers, &progressSeq,
		&j.MaxRetries, &j.RetryCount, &j.LastError, &workerStr,
		&j.RunAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt, &timeoutNs,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.ProgressSeq = uint64(progressSeq)
	j.Timeout = time.Duration(timeoutNs)
	if workOrder != nil {
		j.WorkOrderID = *workOrder
	}
	if station != nil {
		j.StationID = *station
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("fossawork/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("fossawork/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fossawork/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
