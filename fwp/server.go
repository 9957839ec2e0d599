package fwp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fossawork/fossawork/id"
	"github.com/fossawork/fossawork/stream"
)

// Server is the FWP server. It handles WebSocket connections (primary),
// SSE (read-only fallback), and one-shot HTTP RPC, bridging clients to
// the engine via the stream broker.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	basePath     string
}

// NewServer creates a new FWP server.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		basePath:     "/fwp",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// RegisterRoutes mounts FWP endpoints on a chi router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get(s.basePath, s.handleWebSocket)
	r.Get(s.basePath+"/sse", s.handleSSE)
	r.Post(s.basePath+"/rpc", s.handleHTTPRPC)
}

// wsSession wraps a raw WebSocket connection with a write lock: the
// frame loop and the event-forwarding goroutine both write.
type wsSession struct {
	conn net.Conn
	mu   sync.Mutex
}

func (w *wsSession) write(codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpText
	if codec.Binary() {
		op = ws.OpBinary
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsutil.WriteServerMessage(w.conn, op, data)
}

// handleWebSocket upgrades the request and runs the frame loop for the
// connection's lifetime.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close() //nolint:errcheck // nothing to do on close failure

	sess := &wsSession{conn: conn}
	connID := id.NewSessionID().String()
	s.logger.Info("fwp connected", slog.String("conn_id", connID))

	// Wait for auth frame. Auth frames are always JSON (before codec
	// negotiation).
	authData, _, readErr := wsutil.ReadClientData(conn)
	if readErr != nil {
		return
	}

	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		_ = sess.write(s.defaultCodec, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return
	}
	if authFrame.Method != MethodAuth {
		_ = sess.write(s.defaultCodec, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			_ = sess.write(s.defaultCodec, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(r.Context(), token)
	if authErr != nil {
		_ = sess.write(s.defaultCodec, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return
	}

	// Negotiate codec.
	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	fwpConn := NewConnection(connID, identity, codec)
	s.conns.Add(fwpConn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("fwp disconnected", slog.String("conn_id", connID))
	}()

	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if respErr != nil {
		return
	}
	if err := sess.write(codec, resp); err != nil {
		return
	}

	s.logger.Info("fwp authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	// Forward broker events to the socket for this connection.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(sess, codec, sub)

	// Frame processing loop.
	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return // Connection closed.
		}

		fwpConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			if writeErr := sess.write(codec, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())); writeErr != nil {
				return
			}
			continue
		}

		// Protocol-level liveness probe.
		if frame.Type == FramePing {
			if writeErr := sess.write(codec, NewPongFrame(frame.ID)); writeErr != nil {
				return
			}
			continue
		}

		// Check authorization for the method.
		if frame.Method != "" {
			reqScope := RequiredScope(frame.Method)
			if reqScope != "" && !identity.HasScope(reqScope) {
				if writeErr := sess.write(codec, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")); writeErr != nil {
					return
				}
				continue
			}
		}

		// Credits replenishment.
		if frame.Credits > 0 {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		respFrame := s.handler.Handle(r.Context(), frame, fwpConn)
		if respFrame == nil {
			continue
		}

		// Subscribe/unsubscribe take effect after a successful response.
		if frame.Method == MethodSubscribe && respFrame.Type == FrameResponse {
			var subReq SubscribeRequest
			if json.Unmarshal(frame.Data, &subReq) == nil {
				s.broker.SubscribeTo(connID, subReq.Channel)
				fwpConn.AddSubscription(subReq.Channel)
				if subReq.Credits > 0 {
					sub.AddCredits(int64(subReq.Credits))
				}
				s.logger.Debug("subscription added",
					slog.String("conn_id", connID),
					slog.String("channel", subReq.Channel),
					slog.Int("watched_jobs", len(fwpConn.WatchedJobs())),
					slog.Int("watched_queues", len(fwpConn.WatchedQueues())),
				)
			}
		} else if frame.Method == MethodUnsubscribe && respFrame.Type == FrameResponse {
			var unsubReq UnsubscribeRequest
			if json.Unmarshal(frame.Data, &unsubReq) == nil {
				s.broker.Unsubscribe(connID, unsubReq.Channel)
				fwpConn.RemoveSubscription(unsubReq.Channel)
			}
		}

		if writeErr := sess.write(codec, respFrame); writeErr != nil {
			return
		}
	}
}

// forwardEvents reads from the subscriber channel and writes event
// frames to the WebSocket connection.
func (s *Server) forwardEvents(sess *wsSession, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := sess.write(codec, evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}

// handleSSE serves read-only Server-Sent Events for clients that cannot
// establish WebSocket connections.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	identity, err := s.auth.Authenticate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !identity.HasScope(ScopeSubscribe) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	if err := stream.ValidateTopic(channel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Flush the headers so the client sees the stream start before the
	// first event arrives.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connID := "sse-" + id.NewSessionID().String()
	sub := s.broker.Subscribe(connID, channel)
	defer s.broker.RemoveSubscriber(connID)

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, marshalErr := json.Marshal(evt)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleHTTPRPC handles one-shot HTTP RPC requests for simple operations.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "read body: "+err.Error()))
		return
	}

	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorFrame("", ErrCodeBadRequest, "invalid request body"))
		return
	}

	token := frame.Token
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "unauthorized"))
		return
	}

	reqScope := RequiredScope(frame.Method)
	if reqScope != "" && !identity.HasScope(reqScope) {
		s.writeJSON(w, http.StatusForbidden, NewErrorFrame(frame.ID, ErrCodeForbidden, "forbidden"))
		return
	}

	conn := NewConnection("rpc-"+GenerateFrameID(), identity, &JSONCodec{})

	resp := s.handler.Handle(r.Context(), &frame, conn)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if resp.Type == FrameErr && resp.Error != nil {
		status = resp.Error.Code
		if status < 100 || status > 599 {
			status = http.StatusInternalServerError
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write rpc response", slog.String("error", err.Error()))
	}
}
