// Package forward fans Gateway push events out to the browsers subscribed
// on the persistent SSE channel, translating raw protocol frames into the
// stable PushEvent schema.
package forward

import "encoding/json"

// Push event types delivered to browsers.
const (
	PushChunk        = "chunk"
	PushAgentStart   = "agent-start"
	PushAgentEnd     = "agent-end"
	PushMessageFinal = "message-final"
	PushKeepalive    = "keepalive"
)

// PushEvent is the stable schema written to persistent SSE subscribers.
type PushEvent struct {
	Type       string          `json:"type"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Text       string          `json:"text,omitempty"`
	RunID      string          `json:"runId,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	TS         int64           `json:"ts,omitempty"`
}

// Writer delivers push events to one subscriber. Write must not block;
// buffering and SSE flushing are the writer's concern. A write error drops
// the subscriber.
type Writer interface {
	Write(event PushEvent) error
}
