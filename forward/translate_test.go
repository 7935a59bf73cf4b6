package forward

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/webchat-bridge/gateway"
)

func eventFrame(name string, payload string) *gateway.Frame {
	return &gateway.Frame{Type: gateway.TypeEvent, Event: name, Payload: json.RawMessage(payload)}
}

func TestTranslateChunk(t *testing.T) {
	frame := eventFrame("agent", `{"sessionKey":"s1","stream":"assistant","data":{"delta":"Hel"}}`)
	got, ok := Translate(frame)
	require.True(t, ok)
	assert.Equal(t, PushEvent{Type: PushChunk, SessionKey: "s1", Text: "Hel"}, got)
}

func TestTranslateNonStringDelta(t *testing.T) {
	frame := eventFrame("agent", `{"stream":"assistant","data":{"delta":{"text":"x"}}}`)
	got, ok := Translate(frame)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"x"}`, got.Text)
}

func TestTranslateLifecycle(t *testing.T) {
	start := eventFrame("agent", `{"sessionKey":"s1","stream":"lifecycle","runId":"r1","data":{"phase":"start"}}`)
	got, ok := Translate(start)
	require.True(t, ok)
	assert.Equal(t, PushEvent{Type: PushAgentStart, SessionKey: "s1", RunID: "r1"}, got)

	end := eventFrame("agent", `{"sessionKey":"s1","stream":"lifecycle","data":{"phase":"end","runId":"r1"}}`)
	got, ok = Translate(end)
	require.True(t, ok)
	assert.Equal(t, PushEvent{Type: PushAgentEnd, SessionKey: "s1", RunID: "r1"}, got)
}

func TestTranslateFinal(t *testing.T) {
	frame := eventFrame("chat", `{"sessionKey":"s1","state":"final","message":{"text":"done"}}`)
	got, ok := Translate(frame)
	require.True(t, ok)
	assert.Equal(t, PushMessageFinal, got.Type)
	assert.JSONEq(t, `{"text":"done"}`, string(got.Message))
}

func TestTranslateFinalWithoutMessage(t *testing.T) {
	// No message body: the whole payload stands in for it.
	frame := eventFrame("chat", `{"sessionKey":"s1","state":"final"}`)
	got, ok := Translate(frame)
	require.True(t, ok)
	assert.JSONEq(t, `{"sessionKey":"s1","state":"final"}`, string(got.Message))
}

func TestTranslateLegacyAliases(t *testing.T) {
	frame := &gateway.Frame{
		Type: gateway.TypeEvent,
		Name: "agent",
		Data: json.RawMessage(`{"sessionKey":"s1","stream":"assistant","data":{"delta":"x"}}`),
	}
	got, ok := Translate(frame)
	require.True(t, ok)
	assert.Equal(t, PushChunk, got.Type)
}

func TestTranslateDrops(t *testing.T) {
	cases := []struct {
		name  string
		frame *gateway.Frame
	}{
		{"unrelated event", eventFrame("presence", `{"sessionKey":"s1"}`)},
		{"agent without delta", eventFrame("agent", `{"stream":"assistant","data":{}}`)},
		{"agent null delta", eventFrame("agent", `{"stream":"assistant","data":{"delta":null}}`)},
		{"tool stream", eventFrame("agent", `{"stream":"tool","data":{"delta":"x"}}`)},
		{"lifecycle unknown phase", eventFrame("agent", `{"stream":"lifecycle","data":{"phase":"tick"}}`)},
		{"chat not final", eventFrame("chat", `{"state":"delta"}`)},
		{"malformed payload", eventFrame("chat", `"not an object"`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := Translate(tc.frame)
			assert.False(t, ok)
		})
	}
}
