// Package session is the business layer over the connection pool: session
// listing and lifecycle, message history, blocking and streaming sends, and
// the per-token in-memory caches including the ephemeral archive set.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclaw/webchat-bridge/gateway"
)

const historyLimit = 200

// Manager expresses the bridge's business operations as Gateway RPC calls.
// All remote state lives upstream; the archive set and the session cache are
// in-memory, per token, and reset on restart.
type Manager struct {
	pool   *gateway.Pool
	logger zerolog.Logger

	mu     sync.Mutex
	tokens map[string]*tokenState
}

// tokenState is the per-token cache. Its own mutex keeps cross-token
// operations from serializing against each other.
type tokenState struct {
	mu       sync.Mutex
	sessions map[string]*cacheEntry
	archived map[string]struct{}
}

type cacheEntry struct {
	key          string
	title        string
	createdAt    string
	lastActiveAt time.Time
}

// NewManager creates a session manager over the pool.
func NewManager(pool *gateway.Pool, logger zerolog.Logger) *Manager {
	return &Manager{
		pool:   pool,
		logger: logger,
		tokens: make(map[string]*tokenState),
	}
}

func (m *Manager) state(token string) *tokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.tokens[token]
	if st == nil {
		st = &tokenState{
			sessions: make(map[string]*cacheEntry),
			archived: make(map[string]struct{}),
		}
		m.tokens[token] = st
	}
	return st
}

// List fetches the upstream session list and overlays the in-memory
// archived flags.
func (m *Manager) List(ctx context.Context, token string) ([]Session, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	raw, err := client.Request(ctx, "sessions.list", map[string]any{})
	if err != nil {
		return nil, err
	}
	sessions := normalizeSessions(raw, time.Now())

	st := m.state(token)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range sessions {
		if _, ok := st.archived[sessions[i].Key]; ok {
			sessions[i].Archived = true
		}
	}
	return sessions, nil
}

// Create resets a fresh session key upstream and caches it locally.
func (m *Manager) Create(ctx context.Context, token, title string) (*Session, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("webchat-%d", time.Now().UnixMilli())
	if _, err := client.Request(ctx, "sessions.reset", map[string]any{"key": key}); err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC().Format(time.RFC3339)
	st := m.state(token)
	st.mu.Lock()
	st.sessions[key] = &cacheEntry{key: key, title: title, createdAt: createdAt, lastActiveAt: time.Now()}
	st.mu.Unlock()

	return &Session{Key: key, Title: title, CreatedAt: createdAt, UpdatedAt: createdAt}, nil
}

// History fetches and normalizes the message history for one session.
func (m *Manager) History(ctx context.Context, token, key string) ([]Message, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	raw, err := client.Request(ctx, "chat.history", map[string]any{
		"sessionKey": key,
		"limit":      historyLimit,
	})
	if err != nil {
		return nil, err
	}
	m.touch(token, key)
	return normalizeMessages(raw, key, time.Now()), nil
}

// Send delivers a message and blocks until the Gateway accepts it.
func (m *Manager) Send(ctx context.Context, token, key, text string, images []Image) (json.RawMessage, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	raw, err := client.Request(ctx, "chat.send", sendParams(key, text, images))
	if err != nil {
		return nil, err
	}
	m.touch(token, key)
	return raw, nil
}

// Rename persists a new title upstream and mirrors it into the local cache.
func (m *Manager) Rename(ctx context.Context, token, key, title string) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	if _, err := client.Request(ctx, "sessions.patch", map[string]any{"key": key, "label": title}); err != nil {
		return err
	}
	st := m.state(token)
	st.mu.Lock()
	if entry, ok := st.sessions[key]; ok {
		entry.title = title
	}
	st.mu.Unlock()
	return nil
}

// Archive flags a session as archived. Process-local only; no RPC.
func (m *Manager) Archive(token, key string) {
	st := m.state(token)
	st.mu.Lock()
	st.archived[key] = struct{}{}
	st.mu.Unlock()
}

// Unarchive clears the archived flag. Process-local only; no RPC.
func (m *Manager) Unarchive(token, key string) {
	st := m.state(token)
	st.mu.Lock()
	delete(st.archived, key)
	st.mu.Unlock()
}

// IsArchived reports the in-memory archived flag for a session.
func (m *Manager) IsArchived(token, key string) bool {
	st := m.state(token)
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.archived[key]
	return ok
}

// Close deletes a session upstream and clears its local cache entries.
func (m *Manager) Close(ctx context.Context, token, key string) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	if _, err := client.Request(ctx, "sessions.delete", map[string]any{"key": key}); err != nil {
		return err
	}
	st := m.state(token)
	st.mu.Lock()
	delete(st.sessions, key)
	delete(st.archived, key)
	st.mu.Unlock()
	return nil
}

// DeleteMany deletes a batch of sessions upstream and clears local caches.
func (m *Manager) DeleteMany(ctx context.Context, token string, keys []string) error {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return err
	}
	if _, err := client.Request(ctx, "sessions.deleteMany", map[string]any{"keys": keys}); err != nil {
		return err
	}
	st := m.state(token)
	st.mu.Lock()
	for _, key := range keys {
		delete(st.sessions, key)
		delete(st.archived, key)
	}
	st.mu.Unlock()
	return nil
}

// GCIdle evicts cached sessions that have not been touched for olderThan.
// Archive flags are left alone; they are cheap and semantically sticky.
func (m *Manager) GCIdle(olderThan time.Duration) int {
	m.mu.Lock()
	states := make([]*tokenState, 0, len(m.tokens))
	for _, st := range m.tokens {
		states = append(states, st)
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	evicted := 0
	for _, st := range states {
		st.mu.Lock()
		for key, entry := range st.sessions {
			if entry.lastActiveAt.Before(cutoff) {
				delete(st.sessions, key)
				evicted++
			}
		}
		st.mu.Unlock()
	}
	return evicted
}

// touch refreshes the cache activity timestamp for a session.
func (m *Manager) touch(token, key string) {
	st := m.state(token)
	st.mu.Lock()
	entry, ok := st.sessions[key]
	if !ok {
		entry = &cacheEntry{key: key}
		st.sessions[key] = entry
	}
	entry.lastActiveAt = time.Now()
	st.mu.Unlock()
}

// sendParams builds the chat.send request body. Every send carries a fresh
// idempotency key; deliver instructs the Gateway to wait for the reply.
func sendParams(key, text string, images []Image) map[string]any {
	params := map[string]any{
		"sessionKey":     key,
		"message":        text,
		"deliver":        true,
		"idempotencyKey": uuid.NewString(),
	}
	if len(images) > 0 {
		attachments := make([]map[string]any, 0, len(images))
		for _, img := range images {
			attachments = append(attachments, map[string]any{
				"name":     img.Name,
				"mimeType": img.MimeType,
				"data":     base64.StdEncoding.EncodeToString(img.Bytes),
			})
		}
		params["attachments"] = attachments
	}
	return params
}
