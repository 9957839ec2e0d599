package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
)

// EnqueueJob stores the job as a Hash and adds it to the queue's Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fossawork/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return fossawork.ErrJobAlreadyExists
	}

	fields := jobToMap(j)
	fields["progress_seq"] = "0"

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
		Score:  jobScore(j.Priority, j.RunAt),
		Member: jID,
	})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fossawork/redis: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs pops up to limit due jobs from the given queues and marks
// them running. Popped jobs that are not yet due (future RunAt) are
// pushed back and picked up by a later poll.
func (s *Store) DequeueJobs(ctx context.Context, queues []string, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()
	var jobs []*job.Job

	for _, q := range queues {
		if len(jobs) >= limit {
			break
		}
		remaining := limit - len(jobs)
		qk := queueKey(q)

		members, err := s.client.ZPopMin(ctx, qk, int64(remaining)).Result()
		if err != nil {
			return nil, fmt.Errorf("fossawork/redis: dequeue zpopmin: %w", err)
		}

		for _, z := range members {
			jID, ok := z.Member.(string)
			if !ok {
				continue
			}
			key := jobKey(jID)

			j, getErr := s.getJobByKey(ctx, key)
			if getErr != nil {
				continue // hash gone, drop the queue member
			}
			claimable := j.State == job.StatePending || j.State == job.StateRetrying
			if !claimable || j.RunAt.After(now) {
				if claimable {
					s.client.ZAdd(ctx, qk, goredis.Z{Score: z.Score, Member: jID})
				}
				continue
			}

			if _, hErr := s.client.HSet(ctx, key,
				"state", string(job.StateRunning),
				"started_at", now.Format(time.RFC3339Nano),
				"updated_at", now.Format(time.RFC3339Nano),
			).Result(); hErr != nil {
				return nil, fmt.Errorf("fossawork/redis: dequeue claim: %w", hErr)
			}

			j.State = job.StateRunning
			startedAt := now
			j.StartedAt = &startedAt
			j.UpdatedAt = now
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job. Jobs moved back to a
// runnable state (pending or retrying) are re-added to their queue's
// sorted set; jobs leaving a runnable state are removed from it.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fossawork/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return fossawork.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	switch j.State {
	case job.StatePending, job.StateRetrying:
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
			Score:  jobScore(j.Priority, j.RunAt),
			Member: jID,
		})
	default:
		pipe.ZRem(ctx, queueKey(j.Queue), jID)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fossawork/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job, its queue membership, and its progress events.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return fossawork.ErrJobNotFound
		}
		return fmt.Errorf("fossawork/redis: delete job get queue: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, progressKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, queueKey(q), jID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fossawork/redis: delete job: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		jobs = append(jobs, j)
	}

	if opts.Offset >= len(jobs) {
		return nil, nil
	}
	if opts.Offset > 0 {
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// AppendProgress assigns the next sequence number via HIncrBy on the job
// hash and pushes the event onto the job's progress list.
func (s *Store) AppendProgress(ctx context.Context, jobID id.JobID, p *job.Progress) error {
	jID := jobID.String()
	key := jobKey(jID)

	state, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return fossawork.ErrJobNotFound
		}
		return fmt.Errorf("fossawork/redis: append progress get state: %w", err)
	}
	if job.State(state).Terminal() {
		return fossawork.ErrJobAlreadyTerminal
	}

	seq, err := s.client.HIncrBy(ctx, key, "progress_seq", 1).Result()
	if err != nil {
		return fmt.Errorf("fossawork/redis: append progress seq: %w", err)
	}

	p.JobID = jID
	p.Seq = uint64(seq)
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("fossawork/redis: marshal progress: %w", err)
	}
	if err := s.client.RPush(ctx, progressKey(jID), data).Err(); err != nil {
		return fmt.Errorf("fossawork/redis: append progress push: %w", err)
	}
	return nil
}

// ListProgress returns a job's progress events in sequence order.
func (s *Store) ListProgress(ctx context.Context, jobID id.JobID) ([]*job.Progress, error) {
	jID := jobID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: list progress exists: %w", err)
	}
	if exists == 0 {
		return nil, fossawork.ErrJobNotFound
	}

	raw, err := s.client.LRange(ctx, progressKey(jID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: list progress: %w", err)
	}

	events := make([]*job.Progress, 0, len(raw))
	for _, item := range raw {
		var p job.Progress
		if unmarshalErr := json.Unmarshal([]byte(item), &p); unmarshalErr != nil {
			continue // skip corrupt entries
		}
		events = append(events, &p)
	}
	return events, nil
}

// HeartbeatJob updates the heartbeat timestamp for a running job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	key := jobKey(jobID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fossawork/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return fossawork.ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("fossawork/redis: heartbeat job: %w", err)
	}
	return nil
}

// ReapStaleJobs returns running jobs whose last heartbeat is older than
// the threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: reap smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.State != job.StateRunning {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fossawork/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// jobScore computes a sorted-set score from priority and run_at. Lower
// score dequeues first: priority is negated so higher priority sorts
// first, with a fractional time component for FIFO within a priority.
func jobScore(priority int, runAt time.Time) float64 {
	return float64(-priority) + float64(runAt.UnixMilli())/1e15
}

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":            j.ID.String(),
		"name":          j.Name,
		"queue":         j.Queue,
		"payload":       string(j.Payload),
		"state":         string(j.State),
		"priority":      strconv.Itoa(j.Priority),
		"work_order_id": j.WorkOrderID,
		"station_id":    j.StationID,
		"dispensers":    marshalJSON(j.Dispensers),
		"max_retries":   strconv.Itoa(j.MaxRetries),
		"retry_count":   strconv.Itoa(j.RetryCount),
		"last_error":    j.LastError,
		"worker_id":     j.WorkerID.String(),
		"run_at":        j.RunAt.Format(time.RFC3339Nano),
		"timeout":       strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, fossawork.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("fossawork/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])               //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	progressSeq, _ := strconv.ParseUint(m["progress_seq"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: fossawork.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          jID,
		Name:        m["name"],
		Queue:       m["queue"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		Priority:    priority,
		WorkOrderID: m["work_order_id"],
		StationID:   m["station_id"],
		Dispensers:  unmarshalStrings(m["dispensers"]),
		ProgressSeq: progressSeq,
		MaxRetries:  maxRetries,
		RetryCount:  retryCount,
		LastError:   m["last_error"],
		RunAt:       runAt,
		Timeout:     time.Duration(timeout),
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}

	return j, nil
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
