package fwp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/engine"
	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/job"
	"github.com/fossawork/fossawork/stream"
)

// Handler dispatches FWP request frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	broker *stream.Broker
	logger *slog.Logger
}

// NewHandler creates a new FWP method handler.
func NewHandler(eng *engine.Engine, broker *stream.Broker, logger *slog.Logger) *Handler {
	return &Handler{eng: eng, broker: broker, logger: logger}
}

// Handle processes a single FWP request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodJobSubmit:
		return h.handleJobSubmit(ctx, frame)
	case MethodJobGet:
		return h.handleJobGet(ctx, frame)
	case MethodJobList:
		return h.handleJobList(ctx, frame)
	case MethodJobCancel:
		return h.handleJobCancel(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(ctx, frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

func (h *Handler) handleJobSubmit(ctx context.Context, frame *Frame) *Frame {
	var req JobSubmitRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if req.Name == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "job name required")
	}

	opts := make([]job.Option, 0, 4)
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority > 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.WorkOrderID != "" {
		opts = append(opts, job.WithWorkOrder(req.WorkOrderID))
	}
	if req.StationID != "" {
		opts = append(opts, job.WithStation(req.StationID))
	}
	if len(req.Dispensers) > 0 {
		opts = append(opts, job.WithDispensers(req.Dispensers...))
	}

	j, err := h.eng.EnqueueRaw(ctx, req.Name, req.Payload, opts...)
	if err != nil {
		if errors.Is(err, fossawork.ErrNoHandlerForJob) {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
		}
		return NewErrorFrame(frame.ID, ErrCodeInternal, "submit failed: "+err.Error())
	}

	return mustResponseFrame(frame.ID, JobSubmitResponse{
		JobID: j.ID.String(),
		Queue: j.Queue,
		State: string(j.State),
	})
}

func (h *Handler) handleJobGet(ctx context.Context, frame *Frame) *Frame {
	var req JobGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}

	j, err := h.eng.GetJob(ctx, jobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeNotFound, "job not found: "+err.Error())
	}

	if !req.WithProgress {
		return mustResponseFrame(frame.ID, j)
	}

	progress, err := h.eng.Progress(ctx, jobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "load progress: "+err.Error())
	}
	return mustResponseFrame(frame.ID, struct {
		Job      *job.Job        `json:"job"`
		Progress []*job.Progress `json:"progress"`
	}{Job: j, Progress: progress})
}

func (h *Handler) handleJobList(ctx context.Context, frame *Frame) *Frame {
	var req JobListRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	state, err := job.ParseState(req.State)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	jobs, err := h.eng.ListJobs(ctx, state, job.ListOpts{
		Limit:  req.Limit,
		Offset: req.Offset,
		Queue:  req.Queue,
	})
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "list failed: "+err.Error())
	}

	return mustResponseFrame(frame.ID, jobs)
}

func (h *Handler) handleJobCancel(ctx context.Context, frame *Frame) *Frame {
	var req JobCancelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}

	j, err := h.eng.CancelJob(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, fossawork.ErrJobNotFound):
			return NewErrorFrame(frame.ID, ErrCodeNotFound, "job not found")
		case errors.Is(err, fossawork.ErrJobAlreadyTerminal):
			return NewErrorFrame(frame.ID, ErrCodeConflict, err.Error())
		default:
			return NewErrorFrame(frame.ID, ErrCodeInternal, "cancel failed: "+err.Error())
		}
	}

	return mustResponseFrame(frame.ID, JobCancelResponse{
		JobID: j.ID.String(),
		State: string(j.State),
	})
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	// Actual subscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	// Actual unsubscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleStats(ctx context.Context, frame *Frame) *Frame {
	engStats, err := h.eng.Stats(ctx)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "stats failed: "+err.Error())
	}

	return mustResponseFrame(frame.ID, map[string]any{
		"broker": h.broker.Stats(),
		"jobs":   engStats,
	})
}
