package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	bridge "github.com/openclaw/webchat-bridge"
)

// DefaultEntryTTL is how long a pooled connection is trusted before a caller
// forces a fresh handshake.
const DefaultEntryTTL = 5 * time.Minute

// poolEntry pairs a client with its creation time and the handshake future
// all concurrent acquirers wait on. The entry is stored before the handshake
// is awaited, so simultaneous getters coordinate through ready rather than
// racing to create clients.
type poolEntry struct {
	client    *Client
	createdAt time.Time
	ready     chan struct{}
	err       error
}

// Pool maintains one Gateway connection per bearer token with TTL-based
// invalidation. Pooled clients run with reconnection disabled; a dead entry
// is dropped and lazily re-created on next use.
type Pool struct {
	url           string
	ttl           time.Duration
	clientOptions []Option
	logger        zerolog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithTTL overrides the pooled connection TTL.
func WithTTL(ttl time.Duration) PoolOption {
	return func(p *Pool) {
		p.ttl = ttl
	}
}

// WithClientOptions sets the options applied to every client the pool
// builds. The pool appends its own reconnect-disable on top.
func WithClientOptions(options ...Option) PoolOption {
	return func(p *Pool) {
		p.clientOptions = options
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a connection pool for the given Gateway endpoint.
func NewPool(wsURL string, options ...PoolOption) *Pool {
	ret := &Pool{
		url:     wsURL,
		ttl:     DefaultEntryTTL,
		logger:  zerolog.Nop(),
		entries: make(map[string]*poolEntry),
	}
	for _, opt := range options {
		opt(ret)
	}
	return ret
}

// GetConnection returns a ready client for the token, creating and
// handshaking one if needed. For N concurrent callers with no existing entry
// exactly one client is created and one connect request sent; every caller
// resolves from that single handshake.
func (p *Pool) GetConnection(ctx context.Context, token string) (*Client, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, bridge.Errorf(bridge.GatewayConnectFailed, "connection pool is closed")
		}
		entry := p.entries[token]
		if entry != nil && time.Since(entry.createdAt) >= p.ttl {
			delete(p.entries, token)
			p.mu.Unlock()
			entry.client.Close()
			continue
		}
		if entry != nil {
			p.mu.Unlock()
			client, err := p.await(ctx, entry)
			if err != nil {
				return nil, err
			}
			if client.IsConnected() {
				return client, nil
			}
			// Handshake succeeded once but the connection has since died.
			p.invalidate(token, entry)
			continue
		}

		entry = &poolEntry{
			client:    p.newClient(token),
			createdAt: time.Now(),
			ready:     make(chan struct{}),
		}
		p.entries[token] = entry
		p.mu.Unlock()

		err := entry.client.Connect(ctx)
		p.mu.Lock()
		entry.err = err
		if err != nil && p.entries[token] == entry {
			delete(p.entries, token)
		}
		p.mu.Unlock()
		close(entry.ready)
		if err != nil {
			entry.client.Close()
			return nil, err
		}
		return entry.client, nil
	}
}

// await blocks on an entry's handshake future.
func (p *Pool) await(ctx context.Context, entry *poolEntry) (*Client, error) {
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, bridge.Errorf(bridge.GatewayConnectFailed, "waiting for pooled handshake: %v", ctx.Err())
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.client, nil
}

// invalidate drops the entry if it is still the current one for the token.
func (p *Pool) invalidate(token string, entry *poolEntry) {
	p.mu.Lock()
	if p.entries[token] == entry {
		delete(p.entries, token)
	}
	p.mu.Unlock()
	entry.client.Close()
}

// newClient builds a pool-flavoured client: reconnection disabled (the pool
// re-creates on demand), heartbeat kept, and an OnClose hook that drops the
// entry as soon as the underlying WS dies.
func (p *Pool) newClient(token string) *Client {
	options := make([]Option, 0, len(p.clientOptions)+2)
	options = append(options, p.clientOptions...)
	options = append(options, WithReconnect(0, 0))
	client := New(p.url, token, options...)
	client.onClose = func(err error) {
		p.mu.Lock()
		entry := p.entries[token]
		if entry != nil && entry.client == client {
			delete(p.entries, token)
		}
		p.mu.Unlock()
	}
	return client
}

// VerifyToken performs a one-shot handshake with a throwaway client. It
// reports false only for the UNAUTHORIZED classification; any other failure
// is returned as an error.
func (p *Pool) VerifyToken(ctx context.Context, token string) (bool, error) {
	options := make([]Option, 0, len(p.clientOptions)+2)
	options = append(options, p.clientOptions...)
	options = append(options, WithReconnect(0, 0), WithHeartbeatInterval(0))
	client := New(p.url, token, options...)
	defer client.Close()

	err := client.Connect(ctx)
	if err == nil {
		return true, nil
	}
	if bridge.CodeOf(err) == bridge.Unauthorized {
		return false, nil
	}
	return false, err
}

// CloseToken closes and drops the entry for one token, if any.
func (p *Pool) CloseToken(token string) {
	p.mu.Lock()
	entry := p.entries[token]
	delete(p.entries, token)
	p.mu.Unlock()
	if entry != nil {
		entry.client.Close()
	}
}

// CloseAll closes every pooled connection and drops all entries.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, entry := range entries {
		entry.client.Close()
	}
}

// ConnectedCount reports how many pooled connections are currently ready.
func (p *Pool) ConnectedCount() int {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.mu.Unlock()
	count := 0
	for _, entry := range entries {
		if entry.client.IsConnected() {
			count++
		}
	}
	return count
}
