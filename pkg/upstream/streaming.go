package upstream

import (
	"context"
	"time"

	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"
)

const (
	streamReconnectMin    = 5 * time.Second
	streamReconnectMax    = 30 * time.Second
	streamReconnectFactor = 2
)

// StreamEvent is one server-sent event from upstream's streaming endpoint.
type StreamEvent struct {
	Name string
	ID   string
	Data []byte
}

// Stream subscribes to upstream's SSE endpoint with the given token and
// invokes handle for every event until ctx is cancelled. Reconnection uses
// exponential delay between 5s and 30s.
func (c *Client) Stream(ctx context.Context, token string, handle func(StreamEvent)) error {
	client := sse.NewClient(c.baseURL + streamingPath)
	client.Connection = c.streamHTTP
	client.Headers[c.tokenHeader] = token
	client.Headers["User-Agent"] = c.userAgent
	client.Headers["Accept"] = "text/event-stream"

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = streamReconnectMin
	retry.MaxInterval = streamReconnectMax
	retry.Multiplier = streamReconnectFactor
	retry.MaxElapsedTime = 0 // reconnect forever
	client.ReconnectStrategy = retry
	client.ReconnectNotify = func(err error, next time.Duration) {
		c.log.Warnf("streaming connection lost, reconnecting in %s: %s", next, err)
	}

	return client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Event) == 0 && len(msg.Data) == 0 {
			return
		}
		handle(StreamEvent{
			Name: string(msg.Event),
			ID:   string(msg.ID),
			Data: append([]byte(nil), msg.Data...),
		})
	})
}
