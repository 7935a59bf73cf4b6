package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openclaw/webchat-bridge/gateway"
)

// StreamEventType discriminates the events a streaming send produces.
type StreamEventType string

const (
	// StreamChunk carries one assistant text delta.
	StreamChunk StreamEventType = "chunk"
	// StreamDone terminates the stream with the final payload.
	StreamDone StreamEventType = "done"
	// StreamError terminates the stream with the RPC error.
	StreamError StreamEventType = "error"
)

// StreamEvent is one element of a streaming send. The channel closes after
// the first Done or Error.
type StreamEvent struct {
	Type StreamEventType
	Text string
	Done json.RawMessage
	Err  error
}

// streamBuffer bounds the per-stream event queue. A consumer that stops
// draining terminates the stream instead of blocking the WS read loop.
const streamBuffer = 256

// SendStream fires chat.send and concurrently taps the connection's push
// events, synthesizing a finite chunk stream for the session. Chunks arrive
// in upstream order; completion is emitted exactly once, from whichever of
// the chat-final event or the RPC result happens first. The event
// subscription is released on every exit path, including consumer
// abandonment via ctx.
func (m *Manager) SendStream(ctx context.Context, token, key, text string, images []Image) (<-chan StreamEvent, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	m.touch(token, key)

	s := &stream{
		sessionKey: key,
		ch:         make(chan StreamEvent, streamBuffer),
		quit:       make(chan struct{}),
	}
	unsubscribe := client.SubscribeEvent("*", s.handleFrame)

	// Cleanup watcher: runs the unsubscribe whether the stream finishes,
	// fails, or the consumer walks away mid-stream.
	go func() {
		select {
		case <-ctx.Done():
			s.terminate()
		case <-s.quit:
		}
		unsubscribe()
	}()

	go func() {
		result, err := client.Request(ctx, "chat.send", sendParams(key, text, images))
		if err != nil {
			s.fail(err)
			return
		}
		// Only synthesize completion if no chat-final event beat us to it.
		s.finish(result)
	}()

	return s.ch, nil
}

type stream struct {
	sessionKey string

	mu   sync.Mutex
	ch   chan StreamEvent
	done bool
	quit chan struct{}
}

// handleFrame runs on the gateway read loop. It filters events down to this
// stream's session and translates the two frame shapes that matter.
func (s *stream) handleFrame(frame *gateway.Frame) {
	name := frame.EventName()
	if name != "agent" && name != "chat" {
		return
	}
	var payload struct {
		SessionKey string          `json:"sessionKey"`
		Stream     string          `json:"stream"`
		State      string          `json:"state"`
		Message    json.RawMessage `json:"message"`
		Data       struct {
			Delta json.RawMessage `json:"delta"`
		} `json:"data"`
	}
	body := frame.EventPayload()
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	// Do not assume single-session WS usage.
	if payload.SessionKey != "" && payload.SessionKey != s.sessionKey {
		return
	}

	switch {
	case name == "agent" && payload.Stream == "assistant" && rawPresent(payload.Data.Delta):
		s.emit(StreamEvent{Type: StreamChunk, Text: rawText(payload.Data.Delta)})
	case name == "chat" && payload.State == "final":
		done := payload.Message
		if !rawPresent(done) {
			done = body
		}
		s.finish(done)
	}
	// Other agent lifecycle frames (phase start/end) are informational.
}

// emit queues a chunk. A full buffer means the consumer is gone or stuck;
// the stream terminates rather than stall the read loop.
func (s *stream) emit(event StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.closeLocked()
	}
}

// finish emits Done once; later completions are dropped.
func (s *stream) finish(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- StreamEvent{Type: StreamDone, Done: payload}:
	default:
	}
	s.closeLocked()
}

// fail terminates the stream with the RPC error.
func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- StreamEvent{Type: StreamError, Err: err}:
	default:
	}
	s.closeLocked()
}

// terminate closes the stream without a terminal event (consumer left).
func (s *stream) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.closeLocked()
}

func (s *stream) closeLocked() {
	s.done = true
	close(s.ch)
	close(s.quit)
}

// rawPresent reports whether a raw JSON value exists and is not null.
func rawPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// rawText renders a raw JSON value as text: strings unquote, anything else
// keeps its JSON rendering.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
