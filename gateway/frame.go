package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame type discriminators used by the Gateway wire protocol.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// FrameError is the error body carried inside a response frame. Code may be
// a string or a number on the wire.
type FrameError struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// CodeString renders the error code uniformly regardless of wire type.
// Numeric codes arrive as float64 after unmarshaling.
func (e *FrameError) CodeString() string {
	if e == nil || e.Code == nil {
		return ""
	}
	switch code := e.Code.(type) {
	case string:
		return code
	case float64:
		return fmt.Sprintf("%.0f", code)
	default:
		return fmt.Sprint(code)
	}
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("code: %s, message: %s", e.CodeString(), e.Message)
}

// Frame is the single wire format for Gateway WebSocket messages. Requests,
// responses and push events share it; the populated fields depend on Type.
// Name and Data are legacy aliases for Event and Payload and must be
// accepted on inbound frames.
type Frame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// EventName resolves the push event name, honouring the legacy alias.
func (f *Frame) EventName() string {
	if f.Event != "" {
		return f.Event
	}
	return f.Name
}

// EventPayload resolves the push event body, honouring the legacy alias.
func (f *Frame) EventPayload() json.RawMessage {
	if len(f.Payload) > 0 {
		return f.Payload
	}
	return f.Data
}

// ResultBody returns the response body: result when present, payload otherwise.
func (f *Frame) ResultBody() json.RawMessage {
	if len(f.Result) > 0 && strings.TrimSpace(string(f.Result)) != "null" {
		return f.Result
	}
	return f.Payload
}

// Failed reports whether a response frame carries a failure. Success is
// defined as no error body AND ok not explicitly false.
func (f *Frame) Failed() bool {
	if f.Error != nil {
		return true
	}
	return f.OK != nil && !*f.OK
}
