package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	bridge "github.com/openclaw/webchat-bridge"
	"github.com/openclaw/webchat-bridge/forward"
	"github.com/openclaw/webchat-bridge/session"
)

const sseClientBuffer = 64

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// writeSSE emits one data-only SSE frame and flushes it so the browser sees
// each chunk as it arrives.
func writeSSE(c *gin.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// handleSendStream sends a message and relays the assistant reply as an SSE
// stream: status, then zero or more chunks, then exactly one done or error.
func (s *Server) handleSendStream(c *gin.Context) {
	if !s.streamingEnabled {
		respondCode(c, bridge.StreamingDisabled, "streaming is disabled on this deployment")
		return
	}
	text, images, err := parseMessageBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	key := c.Param("key")
	events, err := s.manager.SendStream(c.Request.Context(), requestToken(c), key, text, images)
	if err != nil {
		respondError(c, err)
		return
	}

	sseHeaders(c)
	_ = writeSSE(c, gin.H{"type": "status", "status": "sending"})
	for event := range events {
		switch event.Type {
		case session.StreamChunk:
			if writeSSE(c, gin.H{"type": "chunk", "text": event.Text}) != nil {
				return
			}
		case session.StreamDone:
			_ = writeSSE(c, gin.H{"type": "done", "accepted": true})
			return
		case session.StreamError:
			typed := bridge.AsError(event.Err)
			_ = writeSSE(c, gin.H{"type": "error", "code": typed.Code, "message": typed.Message})
			return
		}
	}
}

// sseSubscriber adapts a browser SSE connection to the forwarder's Writer.
// Writes never block the forwarder: a full buffer drops the event.
type sseSubscriber struct {
	ch     chan forward.PushEvent
	closed chan struct{}
}

var errSubscriberGone = errors.New("subscriber disconnected")

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		ch:     make(chan forward.PushEvent, sseClientBuffer),
		closed: make(chan struct{}),
	}
}

func (s *sseSubscriber) Write(event forward.PushEvent) error {
	select {
	case <-s.closed:
		return errSubscriberGone
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
	return nil
}

// handleEvents is the long-lived per-token push channel. The forwarder owns
// the upstream subscription; this handler just drains its buffer.
func (s *Server) handleEvents(c *gin.Context) {
	token := requestToken(c)
	sub := newSSESubscriber()
	s.forwarder.Subscribe(token, sub)
	defer func() {
		close(sub.closed)
		s.forwarder.Unsubscribe(token, sub)
	}()

	sseHeaders(c)
	// Immediate keepalive so the browser sees the channel is live before the
	// first upstream event or the forwarder's own keepalive tick.
	_ = writeSSE(c, forward.PushEvent{Type: forward.PushKeepalive, TS: time.Now().UnixMilli()})
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.ch:
			if writeSSE(c, event) != nil {
				return
			}
		}
	}
}
