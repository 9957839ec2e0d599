package client

import (
	"context"
	"fmt"

	"github.com/fossawork/fossawork/fwp"
	"github.com/fossawork/fossawork/stream"
)

// Subscribe subscribes to a stream topic and returns a channel of
// events. The channel survives reconnects (the subscription is replayed
// on the new connection) and is closed by Unsubscribe or Disconnect.
//
// Topics follow the stream convention:
//   - "job:<jobID>"   — Events for a specific job
//   - "queue:<name>"  — All events for a queue
//   - "jobs"          — All job lifecycle events
//   - "firehose"      — Everything
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *stream.Event, error) {
	_, err := c.request(ctx, fwp.MethodSubscribe, fwp.SubscribeRequest{
		Channel: channel,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if ch, ok := c.subs[channel]; ok {
		return ch, nil
	}
	ch := make(chan *stream.Event, 64)
	c.subs[channel] = ch
	return ch, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	_, err := c.request(ctx, fwp.MethodUnsubscribe, fwp.UnsubscribeRequest{
		Channel: channel,
	})

	// Close and remove the local channel regardless.
	c.subsMu.Lock()
	if ch, ok := c.subs[channel]; ok {
		close(ch)
		delete(c.subs, channel)
	}
	c.subsMu.Unlock()

	return err
}

// WatchJob subscribes to events for one job. This is a convenience
// method that subscribes to "job:<jobID>".
func (c *Client) WatchJob(ctx context.Context, jobID string) (<-chan *stream.Event, error) {
	return c.Subscribe(ctx, "job:"+jobID)
}
