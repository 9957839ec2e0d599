package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fossawork/fossawork/fwp"
	"github.com/fossawork/fossawork/job"
)

// SubmitResult contains the result of a job submission.
type SubmitResult struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
	State string `json:"state"`
}

// JobDetail is a job together with its progress history.
type JobDetail struct {
	Job      *job.Job        `json:"job"`
	Progress []*job.Progress `json:"progress"`
}

// SubmitJob submits an automation job to the remote server.
func (c *Client) SubmitJob(ctx context.Context, name string, payload any, opts ...SubmitOption) (*SubmitResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req := fwp.JobSubmitRequest{
		Name:    name,
		Payload: raw,
	}
	for _, opt := range opts {
		opt(&req)
	}

	resp, reqErr := c.request(ctx, fwp.MethodJobSubmit, req)
	if reqErr != nil {
		return nil, reqErr
	}

	var result SubmitResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	resp, err := c.request(ctx, fwp.MethodJobGet, fwp.JobGetRequest{
		JobID: jobID,
	})
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(resp.Data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// GetJobWithProgress retrieves a job and its full progress history.
func (c *Client) GetJobWithProgress(ctx context.Context, jobID string) (*JobDetail, error) {
	resp, err := c.request(ctx, fwp.MethodJobGet, fwp.JobGetRequest{
		JobID:        jobID,
		WithProgress: true,
	})
	if err != nil {
		return nil, err
	}
	var detail JobDetail
	if err := json.Unmarshal(resp.Data, &detail); err != nil {
		return nil, fmt.Errorf("unmarshal job detail: %w", err)
	}
	return &detail, nil
}

// ListJobs lists jobs in the given state.
func (c *Client) ListJobs(ctx context.Context, state string, opts ...ListOption) ([]*job.Job, error) {
	req := fwp.JobListRequest{State: state}
	for _, opt := range opts {
		opt(&req)
	}

	resp, err := c.request(ctx, fwp.MethodJobList, req)
	if err != nil {
		return nil, err
	}
	var jobs []*job.Job
	if err := json.Unmarshal(resp.Data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob cancels a job by ID. The tracker's cancel-pending state is
// entered before the request goes out, so a progress frame racing the
// cancel cannot repaint the job as running.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	c.tracker.MarkCancelPending(jobID)

	_, err := c.request(ctx, fwp.MethodJobCancel, fwp.JobCancelRequest{
		JobID: jobID,
	})
	return err
}

// Stats retrieves broker and job statistics from the server.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.request(ctx, fwp.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SubmitOption configures a job submission.
type SubmitOption func(*fwp.JobSubmitRequest)

// WithQueue sets the target queue.
func WithQueue(queue string) SubmitOption {
	return func(r *fwp.JobSubmitRequest) { r.Queue = queue }
}

// WithPriority sets the job priority.
func WithPriority(priority int) SubmitOption {
	return func(r *fwp.JobSubmitRequest) { r.Priority = priority }
}

// WithWorkOrder links the job to a work order.
func WithWorkOrder(workOrderID string) SubmitOption {
	return func(r *fwp.JobSubmitRequest) { r.WorkOrderID = workOrderID }
}

// WithStation routes the job to a fuel station.
func WithStation(stationID string) SubmitOption {
	return func(r *fwp.JobSubmitRequest) { r.StationID = stationID }
}

// WithDispensers sets the dispensers the job covers.
func WithDispensers(dispensers ...string) SubmitOption {
	return func(r *fwp.JobSubmitRequest) { r.Dispensers = dispensers }
}

// ListOption configures a job list request.
type ListOption func(*fwp.JobListRequest)

// WithListQueue filters the listing by queue.
func WithListQueue(queue string) ListOption {
	return func(r *fwp.JobListRequest) { r.Queue = queue }
}

// WithListLimit bounds the number of jobs returned.
func WithListLimit(limit int) ListOption {
	return func(r *fwp.JobListRequest) { r.Limit = limit }
}

// WithListOffset skips the first n jobs.
func WithListOffset(offset int) ListOption {
	return func(r *fwp.JobListRequest) { r.Offset = offset }
}
