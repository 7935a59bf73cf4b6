package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var normalizeNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeSessions(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		expect []Session
	}{
		{
			name: "bare array with canonical fields",
			raw:  `[{"sessionKey":"s1","title":"First","createdAt":"2025-01-01T00:00:00Z","updatedAt":"2025-01-02T00:00:00Z"}]`,
			expect: []Session{
				{Key: "s1", Title: "First", CreatedAt: "2025-01-01T00:00:00Z", UpdatedAt: "2025-01-02T00:00:00Z"},
			},
		},
		{
			name: "wrapped object with alias fields",
			raw:  `{"sessions":[{"key":"s2","label":"Second"}]}`,
			expect: []Session{
				{Key: "s2", Title: "Second", CreatedAt: "2025-06-01T12:00:00Z", UpdatedAt: "2025-06-01T12:00:00Z"},
			},
		},
		{
			name: "canonical fields win over aliases",
			raw:  `[{"sessionKey":"canon","key":"alias","title":"Canon","label":"Alias"}]`,
			expect: []Session{
				{Key: "canon", Title: "Canon", CreatedAt: "2025-06-01T12:00:00Z", UpdatedAt: "2025-06-01T12:00:00Z"},
			},
		},
		{
			name: "entries without any key are dropped",
			raw:  `[{"title":"orphan"},{"key":"kept"}]`,
			expect: []Session{
				{Key: "kept", CreatedAt: "2025-06-01T12:00:00Z", UpdatedAt: "2025-06-01T12:00:00Z"},
			},
		},
		{
			name:   "unrecognized shape yields nil",
			raw:    `"nope"`,
			expect: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeSessions(json.RawMessage(tc.raw), normalizeNow)
			if tc.expect == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.expect, got)
		})
	}
}

func TestNormalizeMessages(t *testing.T) {
	raw := `{"messages":[
		{"id":"m1","role":"user","text":"hi","createdAt":"2025-01-01T00:00:00Z"},
		{"role":"assistant","content":[{"type":"text","text":"hello"},{"type":"image","text":"skip"},{"type":"text","text":"there"}],"timestamp":1748700000000},
		{"role":"tool","text":"weird role"}
	]}`
	got := normalizeMessages(json.RawMessage(raw), "s1", normalizeNow)
	require.Len(t, got, 3)

	assert.Equal(t, Message{ID: "m1", SessionKey: "s1", Role: "user", Text: "hi", CreatedAt: "2025-01-01T00:00:00Z"}, got[0])

	assert.Equal(t, "hello\nthere", got[1].Text)
	assert.Equal(t, "assistant", got[1].Role)
	assert.Equal(t, "s1-1-1748700000000", got[1].ID)
	assert.Equal(t, time.UnixMilli(1748700000000).UTC().Format(time.RFC3339), got[1].CreatedAt)

	// Unknown roles collapse to assistant; missing ids are synthesized.
	assert.Equal(t, "assistant", got[2].Role)
	assert.NotEmpty(t, got[2].ID)
	assert.Equal(t, normalizeNow.Format(time.RFC3339), got[2].CreatedAt)
}

func TestNormalizeMessagesBareArray(t *testing.T) {
	got := normalizeMessages(json.RawMessage(`[{"role":"user","text":"a"}]`), "s1", normalizeNow)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, "s1", got[0].SessionKey)
}

func TestNormalizeMessagesBadShape(t *testing.T) {
	assert.Empty(t, normalizeMessages(json.RawMessage(`42`), "s1", normalizeNow))
}
