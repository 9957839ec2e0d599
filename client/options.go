package client

import (
	"log/slog"
	"time"

	"github.com/fossawork/fossawork/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the authentication token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat sets the wire format for frame encoding.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialFunc overrides how the WebSocket connection is established.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithBackoff sets the reconnect delay strategy. The default is
// backoff.DefaultReconnect.
func WithBackoff(bo backoff.Strategy) Option {
	return func(c *Client) { c.bo = bo }
}

// WithReconnectBudget sets how many consecutive reconnect attempts are
// made before the client becomes unavailable.
func WithReconnectBudget(attempts int) Option {
	return func(c *Client) { c.maxAttempts = attempts }
}

// WithHeartbeat sets the ping interval and the pong timeout. A pong not
// received within the timeout marks the connection dead.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = interval
		c.pongTimeout = timeout
	}
}

// WithAuthTimeout bounds how long Connect waits for the server's auth
// response.
func WithAuthTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.authTimeout = timeout }
}

// WithTracker replaces the default job state tracker, typically to set
// retention or cancel-pending bounds.
func WithTracker(t *Tracker) Option {
	return func(c *Client) { c.tracker = t }
}
