package forward

import (
	"encoding/json"

	"github.com/openclaw/webchat-bridge/gateway"
)

// The Gateway push schema below was inferred from observed traffic and may
// drift; every translation rule lives in this file so a schema change stays
// a one-file fix.

type eventPayload struct {
	SessionKey string          `json:"sessionKey"`
	Stream     string          `json:"stream"`
	State      string          `json:"state"`
	RunID      string          `json:"runId"`
	Message    json.RawMessage `json:"message"`
	Data       struct {
		Delta json.RawMessage `json:"delta"`
		Phase string          `json:"phase"`
		RunID string          `json:"runId"`
	} `json:"data"`
}

// Translate maps a raw Gateway frame onto the PushEvent schema. The second
// return is false for every frame outside the four supported rules; those
// produce no subscriber writes.
func Translate(frame *gateway.Frame) (PushEvent, bool) {
	name := frame.EventName()
	if name != "agent" && name != "chat" {
		return PushEvent{}, false
	}
	var payload eventPayload
	body := frame.EventPayload()
	if err := json.Unmarshal(body, &payload); err != nil {
		return PushEvent{}, false
	}
	runID := payload.RunID
	if runID == "" {
		runID = payload.Data.RunID
	}

	switch {
	case name == "agent" && payload.Stream == "assistant" && rawPresent(payload.Data.Delta):
		return PushEvent{
			Type:       PushChunk,
			SessionKey: payload.SessionKey,
			Text:       rawText(payload.Data.Delta),
		}, true
	case name == "agent" && payload.Stream == "lifecycle" && payload.Data.Phase == "start":
		return PushEvent{Type: PushAgentStart, SessionKey: payload.SessionKey, RunID: runID}, true
	case name == "agent" && payload.Stream == "lifecycle" && payload.Data.Phase == "end":
		return PushEvent{Type: PushAgentEnd, SessionKey: payload.SessionKey, RunID: runID}, true
	case name == "chat" && payload.State == "final":
		message := payload.Message
		if !rawPresent(message) {
			message = body
		}
		return PushEvent{Type: PushMessageFinal, SessionKey: payload.SessionKey, Message: message}, true
	}
	return PushEvent{}, false
}

func rawPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
