package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Session is the browser-facing session shape. Key is unique per token;
// Archived is process-local state overlaid by the manager.
type Session struct {
	Key       string `json:"key"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Archived  bool   `json:"archived"`
}

// Message is the browser-facing message shape, normalized from upstream
// payloads.
type Message struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	Role       string `json:"role"`
	Text       string `json:"text,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// Image is an attachment uploaded with a message.
type Image struct {
	Name     string
	MimeType string
	Bytes    []byte
}

type rawSession struct {
	SessionKey string `json:"sessionKey"`
	Key        string `json:"key"`
	Title      string `json:"title"`
	Label      string `json:"label"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type rawContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rawMessage struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	Text      string       `json:"text"`
	Content   []rawContent `json:"content"`
	CreatedAt string       `json:"createdAt"`
	Timestamp int64        `json:"timestamp"`
}

// normalizeSessions absorbs upstream schema drift: the list arrives either
// bare or wrapped in {sessions: [...]}, keys and titles under either of two
// names, timestamps possibly missing.
func normalizeSessions(raw json.RawMessage, now time.Time) []Session {
	var items []rawSession
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapped struct {
			Sessions []rawSession `json:"sessions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil
		}
		items = wrapped.Sessions
	}

	nowISO := now.UTC().Format(time.RFC3339)
	ret := make([]Session, 0, len(items))
	for _, item := range items {
		key := item.SessionKey
		if key == "" {
			key = item.Key
		}
		if key == "" {
			continue
		}
		title := item.Title
		if title == "" {
			title = item.Label
		}
		createdAt := item.CreatedAt
		if createdAt == "" {
			createdAt = nowISO
		}
		updatedAt := item.UpdatedAt
		if updatedAt == "" {
			updatedAt = nowISO
		}
		ret = append(ret, Session{
			Key:       key,
			Title:     title,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		})
	}
	return ret
}

// normalizeMessages absorbs upstream message drift: bare arrays or
// {messages: [...]}, text either inline or assembled from content blocks,
// roles defaulting to assistant, ids synthesized when absent.
func normalizeMessages(raw json.RawMessage, sessionKey string, now time.Time) []Message {
	var items []rawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapped struct {
			Messages []rawMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil
		}
		items = wrapped.Messages
	}

	ret := make([]Message, 0, len(items))
	for i, item := range items {
		role := item.Role
		switch role {
		case "user", "assistant", "system":
		default:
			role = "assistant"
		}
		text := item.Text
		if text == "" && len(item.Content) > 0 {
			parts := make([]string, 0, len(item.Content))
			for _, block := range item.Content {
				if block.Type == "text" {
					parts = append(parts, block.Text)
				}
			}
			text = strings.Join(parts, "\n")
		}
		id := item.ID
		if id == "" {
			stamp := item.Timestamp
			if stamp == 0 {
				stamp = now.UnixMilli()
			}
			id = fmt.Sprintf("%s-%d-%d", sessionKey, i, stamp)
		}
		createdAt := item.CreatedAt
		if createdAt == "" {
			if item.Timestamp != 0 {
				createdAt = time.UnixMilli(item.Timestamp).UTC().Format(time.RFC3339)
			} else {
				createdAt = now.UTC().Format(time.RFC3339)
			}
		}
		ret = append(ret, Message{
			ID:         id,
			SessionKey: sessionKey,
			Role:       role,
			Text:       text,
			CreatedAt:  createdAt,
		})
	}
	return ret
}
