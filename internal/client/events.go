package client

import "time"

// Event kinds emitted by the client for any UI that wants to display
// request state. The UI consumes the event channel; nothing on the request
// path ever blocks on it.
const (
	EventConnectionStateChanged = "connection_state_changed"
	EventRequestStarted         = "request_started"
	EventRequestCompleted       = "request_completed"
	EventRequestTimed           = "request_timed"
	EventStreamProgress         = "stream_progress"
)

// Connection classes, for display only. The response mode is decided by
// content, not by this classification.
const (
	ClassHTTP = "http"
	ClassSSE  = "sse"
	ClassWS   = "ws"
)

// Event is one opaque notification from the client core.
type Event struct {
	Kind string

	// connection_state_changed
	State     string
	Subdomain string

	// request_*
	RequestID string
	Method    string
	Path      string
	Class     string
	Status    int
	Duration  time.Duration

	// stream_progress
	BytesSent int64
}

// emit delivers an event without blocking; a slow or absent consumer loses
// events, never throughput.
func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

// Events returns the event stream for UI consumption.
func (c *Client) Events() <-chan Event {
	return c.events
}
