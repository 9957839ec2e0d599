// Package fwp implements the FossaWork Wire Protocol (FWP) — a
// message-based protocol for dashboard↔server communication, transported
// over WebSocket with an HTTP RPC fallback for one-shot requests.
package fwp

import (
	"encoding/json"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Valid reports whether t is a known frame type. Codecs reject frames
// with unknown types at decode time so they surface as protocol errors
// instead of silently misrouting.
func (t FrameType) Valid() bool {
	switch t {
	case FrameRequest, FrameResponse, FrameEvent, FrameErr, FramePing, FramePong:
		return true
	}
	return false
}

// Frame is the FWP message envelope. Every message exchanged over the
// protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "job.submit").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription channel for event/subscribe frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Auth methods.
	MethodAuth = "auth"

	// Job methods.
	MethodJobSubmit = "job.submit"
	MethodJobGet    = "job.get"
	MethodJobList   = "job.list"
	MethodJobCancel = "job.cancel"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodStats = "stats"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeInternal       = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// JobSubmitRequest submits a new automation job.
type JobSubmitRequest struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Queue       string          `json:"queue,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	WorkOrderID string          `json:"work_order_id,omitempty"`
	StationID   string          `json:"station_id,omitempty"`
	Dispensers  []string        `json:"dispensers,omitempty"`
}

// JobSubmitResponse confirms job creation.
type JobSubmitResponse struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
	State string `json:"state"`
}

// JobGetRequest retrieves a job by ID. When WithProgress is set, the
// response includes the job's progress history.
type JobGetRequest struct {
	JobID        string `json:"job_id"`
	WithProgress bool   `json:"with_progress,omitempty"`
}

// JobListRequest lists jobs by state.
type JobListRequest struct {
	State  string `json:"state"`
	Queue  string `json:"queue,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// JobCancelRequest cancels a job.
type JobCancelRequest struct {
	JobID string `json:"job_id"`
}

// JobCancelResponse reports the job's state after cancellation.
type JobCancelResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// SubscribeRequest subscribes to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Credits int    `json:"credits,omitempty"` // Initial credits (0 = use default)
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewPingFrame creates a liveness probe frame.
func NewPingFrame() *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FramePing,
		Timestamp: time.Now().UTC(),
	}
}

// NewPongFrame answers a ping. CorrelID carries the ping's frame ID.
func NewPongFrame(pingID string) *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FramePong,
		CorrelID:  pingID,
		Timestamp: time.Now().UTC(),
	}
}

// GenerateFrameID returns a new unique frame ID.
// Uses a simple timestamp + counter approach for performance.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}
