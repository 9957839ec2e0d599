// Package client provides the FossaWork progress sync client: a FWP
// WebSocket client that keeps a local view of automation jobs in step
// with the server through lifecycle events.
//
// The client is a small connection state machine. Connect is idempotent
// and maintains at most one underlying connection. When the transport
// drops, the client reconnects with exponential backoff up to a
// configurable attempt budget; active subscriptions are replayed after a
// successful reconnect so tracked jobs keep updating. A heartbeat ping
// runs while connected, and a missing pong is treated the same as a
// transport error.
//
// Usage:
//
//	c := client.New("ws://portal.local:8330/fwp",
//	    client.WithToken("fk_..."),
//	)
//	if err := c.Connect(ctx); err != nil { ... }
//	defer c.Disconnect()
//
//	result, err := c.SubmitJob(ctx, "compliance.inspect", input)
//	ch, err := c.WatchJob(ctx, result.JobID)
//	for evt := range ch {
//	    entry, _ := c.Tracker().Get(result.JobID)
//	    fmt.Printf("%s %s %.0f%%\n", entry.State, entry.Phase, entry.Percent)
//	}
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fossawork/fossawork/backoff"
	"github.com/fossawork/fossawork/fwp"
	"github.com/fossawork/fossawork/stream"
)

// ConnState is the client connection state.
type ConnState int32

const (
	// StateDisconnected is the initial state, and the state after a
	// deliberate Disconnect.
	StateDisconnected ConnState = iota

	// StateConnecting means a connect or reconnect is in flight.
	StateConnecting

	// StateConnected means the WebSocket is up and authenticated.
	StateConnected

	// StateError means the transport dropped and the reconnect policy
	// is (or is about to be) running.
	StateError

	// StateUnavailable means the reconnect budget is exhausted. The
	// client stays here until Connect is called again.
	StateUnavailable
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// DialFunc establishes the raw WebSocket connection. The default uses
// ws.Dial; tests inject their own.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// EventHandler receives every well-formed event frame, in registration
// order, before the event is routed to subscription channels.
type EventHandler func(evt *stream.Event)

// Client is a FWP client that synchronizes job progress from a remote
// FossaWork server.
type Client struct {
	url    string
	token  string
	format string
	codec  fwp.Codec
	logger *slog.Logger
	dial   DialFunc

	// Reconnection policy.
	bo          backoff.Strategy
	maxAttempts int

	// Heartbeat.
	pingInterval time.Duration
	pongTimeout  time.Duration
	authTimeout  time.Duration

	// Connection state. mu guards conn and writes to it; the state
	// value itself is atomic so State() never blocks.
	mu        sync.Mutex
	conn      net.Conn
	state     atomic.Int32
	sessionID string

	// manualClose suppresses the reconnect policy between Disconnect
	// and the next Connect.
	manualClose  atomic.Bool
	reconnecting atomic.Bool

	// Request-response correlation.
	pending sync.Map // frame ID → chan *fwp.Frame

	// Subscriptions. Kept across reconnects so channels can be
	// replayed; closed only on Disconnect or Unsubscribe.
	subsMu sync.Mutex
	subs   map[string]chan *stream.Event

	// Event handlers, invoked in registration order.
	handlersMu sync.RWMutex
	handlers   []EventHandler

	tracker *Tracker
}

// New creates a progress sync client for the given FWP WebSocket URL.
// The client starts disconnected; call Connect to establish the
// connection.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		format:       fwp.CodecNameJSON,
		logger:       slog.Default(),
		bo:           backoff.DefaultReconnect(),
		maxAttempts:  5,
		pingInterval: 15 * time.Second,
		pongTimeout:  10 * time.Second,
		authTimeout:  10 * time.Second,
		subs:         make(map[string]chan *stream.Event),
		tracker:      NewTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = fwp.GetCodec(c.format)
	if c.dial == nil {
		c.dial = func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			return conn, err
		}
	}

	// The tracker reconciles every job lifecycle event, ahead of any
	// user handlers.
	c.handlers = append(c.handlers, c.tracker.Apply)
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// SessionID returns the session ID assigned by the server on the most
// recent successful auth.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Tracker returns the job state tracker fed by this client.
func (c *Client) Tracker() *Tracker { return c.tracker }

// OnEvent registers a handler invoked once per well-formed event frame,
// in registration order. Handlers run on the read loop goroutine and
// must not block.
func (c *Client) OnEvent(handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect establishes the WebSocket connection and authenticates. It is
// idempotent: a call while connecting or connected is a no-op, so there
// is never more than one underlying connection. Connect clears the
// unavailable state left by an exhausted reconnect budget.
func (c *Client) Connect(ctx context.Context) error {
	for {
		cur := c.state.Load()
		switch ConnState(cur) {
		case StateConnecting, StateConnected:
			return nil
		}
		if c.state.CompareAndSwap(cur, int32(StateConnecting)) {
			break
		}
	}
	c.manualClose.Store(false)

	if err := c.establish(ctx); err != nil {
		c.state.Store(int32(StateError))
		return fmt.Errorf("fossawork/client: connect: %w", err)
	}
	return nil
}

// Disconnect deliberately closes the connection. The state becomes
// disconnected and the reconnect policy is suppressed until the next
// Connect. Subscription channels are closed.
func (c *Client) Disconnect() error {
	c.manualClose.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))
	c.closeSubs()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// establish dials, authenticates, installs the connection, and starts
// the per-connection read and heartbeat loops.
func (c *Client) establish(ctx context.Context) error {
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	sessionID, authErr := c.authenticate(ctx, conn)
	if authErr != nil {
		_ = conn.Close()
		return authErr
	}

	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.sessionID = sessionID
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	c.state.Store(int32(StateConnected))

	c.logger.Info("fossawork client connected",
		slog.String("session_id", sessionID),
		slog.String("format", c.codec.Name()),
	)

	pongCh := make(chan struct{}, 1)
	go c.readLoop(conn, pongCh)
	go c.heartbeatLoop(conn, pongCh)
	go c.resubscribe(conn)
	return nil
}

// authenticate sends the auth frame and waits for the server's
// response. Auth frames are always JSON, before codec negotiation.
func (c *Client) authenticate(ctx context.Context, conn net.Conn) (string, error) {
	authReq, err := json.Marshal(fwp.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if err != nil {
		return "", fmt.Errorf("marshal auth request: %w", err)
	}
	authFrame := &fwp.Frame{
		ID:        fwp.GenerateFrameID(),
		Type:      fwp.FrameRequest,
		Method:    fwp.MethodAuth,
		Data:      authReq,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(authFrame)
	if err != nil {
		return "", fmt.Errorf("marshal auth frame: %w", err)
	}
	if writeErr := wsutil.WriteClientText(conn, data); writeErr != nil {
		return "", fmt.Errorf("write auth frame: %w", writeErr)
	}

	type readResult struct {
		frame *fwp.Frame
		err   error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		raw, readErr := wsutil.ReadServerText(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		var frame fwp.Frame
		if unmarshalErr := json.Unmarshal(raw, &frame); unmarshalErr != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal auth response: %w", unmarshalErr)}
			return
		}
		resultCh <- readResult{frame: &frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}
		frame := result.frame
		if frame.Type == fwp.FrameErr {
			msg := "unknown error"
			if frame.Error != nil {
				msg = frame.Error.Message
			}
			return "", fmt.Errorf("auth failed: %s", msg)
		}
		var authResp fwp.AuthResponse
		if len(frame.Data) > 0 {
			if unmarshalErr := json.Unmarshal(frame.Data, &authResp); unmarshalErr != nil {
				c.logger.Warn("fossawork client: bad auth response payload",
					slog.String("error", unmarshalErr.Error()))
			}
		}
		return authResp.SessionID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.authTimeout):
		return "", errors.New("auth timeout")
	}
}

// isCurrent reports whether conn is still the client's live connection.
// Per-connection goroutines use it to detect that they are stale.
func (c *Client) isCurrent(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

// readLoop reads frames from one connection and dispatches them until
// the connection dies or is replaced.
func (c *Client) readLoop(conn net.Conn, pongCh chan struct{}) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.connLost(conn, err)
			return
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			// Malformed frames are logged and dropped; they never
			// tear down the stream or touch job state.
			c.logger.Warn("fossawork client: dropping malformed frame",
				slog.String("error", decErr.Error()))
			continue
		}

		switch frame.Type {
		case fwp.FrameResponse, fwp.FrameErr:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *fwp.Frame) //nolint:errcheck // pending map always stores chan *fwp.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case fwp.FrameEvent:
			c.dispatchEvent(frame)
		case fwp.FramePing:
			if writeErr := c.writeFrameTo(conn, fwp.NewPongFrame(frame.ID)); writeErr != nil {
				c.connLost(conn, writeErr)
				return
			}
		case fwp.FramePong:
			select {
			case pongCh <- struct{}{}:
			default:
			}
		default:
			c.logger.Warn("fossawork client: dropping frame of unknown type",
				slog.String("type", string(frame.Type)))
		}
	}
}

// dispatchEvent decodes the event payload, feeds it to the tracker and
// registered handlers, and routes it to the matching subscription
// channel.
func (c *Client) dispatchEvent(frame *fwp.Frame) {
	var evt stream.Event
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		c.logger.Warn("fossawork client: dropping malformed event",
			slog.String("channel", frame.Channel),
			slog.String("error", err.Error()))
		return
	}

	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(&evt)
	}

	c.subsMu.Lock()
	ch, ok := c.subs[frame.Channel]
	c.subsMu.Unlock()
	if ok {
		select {
		case ch <- &evt:
		default:
			// Drop if the subscriber is slow.
		}
	}
}

// heartbeatLoop sends a ping every pingInterval and expects a pong
// within pongTimeout. A missing pong means the connection is dead even
// if the socket has not errored yet.
func (c *Client) heartbeatLoop(conn net.Conn, pongCh chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !c.isCurrent(conn) {
			return
		}
		if err := c.writeFrameTo(conn, fwp.NewPingFrame()); err != nil {
			c.connLost(conn, err)
			return
		}
		select {
		case <-pongCh:
		case <-time.After(c.pongTimeout):
			c.logger.Warn("fossawork client: heartbeat pong timeout")
			c.connLost(conn, errors.New("pong timeout"))
			return
		}
	}
}

// connLost handles the death of a connection. Stale connections (already
// replaced by a reconnect) are ignored so only one goroutine runs the
// recovery path.
func (c *Client) connLost(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	if c.manualClose.Load() {
		c.state.Store(int32(StateDisconnected))
		return
	}

	c.logger.Warn("fossawork client: connection lost", slog.String("error", err.Error()))
	c.state.Store(int32(StateError))

	if c.reconnecting.CompareAndSwap(false, true) {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the connection with backoff until it succeeds
// or the attempt budget is exhausted, at which point the client becomes
// unavailable until the next manual Connect.
func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		delay := c.bo.Delay(attempt)
		c.logger.Info("fossawork client reconnecting",
			slog.Int("attempt", attempt),
			slog.Int("budget", c.maxAttempts),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		if c.manualClose.Load() {
			c.state.Store(int32(StateDisconnected))
			return
		}

		// Claim the error→connecting transition. Losing the race means
		// a manual Connect is already establishing (or has connected),
		// and there must never be a second concurrent dial.
		if !c.state.CompareAndSwap(int32(StateError), int32(StateConnecting)) {
			return
		}

		if err := c.establish(context.Background()); err != nil {
			c.logger.Warn("fossawork client: reconnect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			c.state.CompareAndSwap(int32(StateConnecting), int32(StateError))
			continue
		}

		c.logger.Info("fossawork client reconnected", slog.Int("attempt", attempt))
		return
	}

	// Only an exhausted budget in the error state turns the client
	// unavailable; a manual Connect that slipped in keeps its state.
	if c.state.CompareAndSwap(int32(StateError), int32(StateUnavailable)) {
		c.logger.Error("fossawork client: reconnect budget exhausted, giving up",
			slog.Int("budget", c.maxAttempts))
	}
}

// resubscribe replays active subscriptions on a fresh connection so
// tracked jobs keep receiving events after a reconnect.
func (c *Client) resubscribe(conn net.Conn) {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	c.subsMu.Unlock()

	for _, channel := range channels {
		if !c.isCurrent(conn) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.request(ctx, fwp.MethodSubscribe, fwp.SubscribeRequest{Channel: channel})
		cancel()
		if err != nil {
			c.logger.Warn("fossawork client: resubscribe failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()))
			continue
		}
		c.logger.Debug("fossawork client resubscribed", slog.String("channel", channel))
	}
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*fwp.Frame, error) {
	frame := &fwp.Frame{
		ID:        fwp.GenerateFrameID(),
		Type:      fwp.FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		frame.Data = raw
	}

	respCh := make(chan *fwp.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == fwp.FrameErr {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("fwp error: %s", msg)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame encodes and sends a frame over the current connection.
func (c *Client) writeFrame(frame *fwp.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("fossawork/client: not connected (state %s)", c.State())
	}
	return c.writeFrameTo(conn, frame)
}

func (c *Client) writeFrameTo(conn net.Conn, frame *fwp.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(conn, op, data)
}

// closeSubs closes and removes all subscription channels.
func (c *Client) closeSubs() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for channel, ch := range c.subs {
		close(ch)
		delete(c.subs, channel)
	}
}
