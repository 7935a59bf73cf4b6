package forward

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/webchat-bridge/gateway"
)

const (
	// DefaultHealthInterval is the cadence of the WS re-attachment check.
	DefaultHealthInterval = 5 * time.Second
	// DefaultKeepaliveInterval is the cadence of keepalive frames to
	// subscribers, independent of upstream activity.
	DefaultKeepaliveInterval = 30 * time.Second

	attachTimeout = 15 * time.Second
)

// Forwarder multiplexes Gateway push events to the SSE subscribers of each
// token. It holds the pool's client weakly: every (re)attachment asks the
// pool again, so a Gateway drop is healed by the health check without the
// browsers reconnecting.
type Forwarder struct {
	pool              *gateway.Pool
	healthInterval    time.Duration
	keepaliveInterval time.Duration
	logger            zerolog.Logger

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

type tokenEntry struct {
	subscribers map[Writer]struct{}
	client      *gateway.Client
	unsubscribe func()
	stop        chan struct{}
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithIntervals overrides the health-check and keepalive cadences.
func WithIntervals(health, keepalive time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.healthInterval = health
		f.keepaliveInterval = keepalive
	}
}

// WithForwarderLogger sets the forwarder logger.
func WithForwarderLogger(logger zerolog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// NewForwarder creates an event forwarder over the pool.
func NewForwarder(pool *gateway.Pool, options ...ForwarderOption) *Forwarder {
	ret := &Forwarder{
		pool:              pool,
		healthInterval:    DefaultHealthInterval,
		keepaliveInterval: DefaultKeepaliveInterval,
		logger:            zerolog.Nop(),
		tokens:            make(map[string]*tokenEntry),
	}
	for _, opt := range options {
		opt(ret)
	}
	return ret
}

// Subscribe registers a writer for a token's push events. The first
// subscriber starts the upstream listener and the health/keepalive loop;
// later ones just join the set. Subscribe succeeds even when the Gateway is
// currently unreachable: the subscriber receives keepalives while the
// health check keeps retrying the attachment.
func (f *Forwarder) Subscribe(token string, writer Writer) {
	f.mu.Lock()
	entry := f.tokens[token]
	if entry != nil {
		entry.subscribers[writer] = struct{}{}
		f.mu.Unlock()
		return
	}
	entry = &tokenEntry{
		subscribers: map[Writer]struct{}{writer: {}},
		stop:        make(chan struct{}),
	}
	f.tokens[token] = entry
	f.mu.Unlock()

	go f.run(token, entry)
}

// Unsubscribe removes a writer. The last subscriber leaving releases the
// upstream event subscription and stops the token's loop.
func (f *Forwarder) Unsubscribe(token string, writer Writer) {
	f.mu.Lock()
	entry := f.tokens[token]
	if entry == nil {
		f.mu.Unlock()
		return
	}
	delete(entry.subscribers, writer)
	var unsubscribe func()
	if len(entry.subscribers) == 0 {
		delete(f.tokens, token)
		unsubscribe = entry.unsubscribe
		entry.unsubscribe = nil
		entry.client = nil
		close(entry.stop)
	}
	f.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// SubscriberCount reports the subscriber set size for a token.
func (f *Forwarder) SubscriberCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.tokens[token]
	if entry == nil {
		return 0
	}
	return len(entry.subscribers)
}

// HasToken reports whether the forwarder holds state for a token.
func (f *Forwarder) HasToken(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[token]
	return ok
}

// run is the per-token loop: one initial attachment attempt, then health
// checks and keepalives until the last subscriber leaves.
func (f *Forwarder) run(token string, entry *tokenEntry) {
	f.ensureListener(token, entry)

	health := time.NewTicker(f.healthInterval)
	defer health.Stop()
	keepalive := time.NewTicker(f.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-entry.stop:
			return
		case <-health.C:
			f.checkHealth(token, entry)
		case <-keepalive.C:
			f.broadcast(token, PushEvent{Type: PushKeepalive, TS: time.Now().UnixMilli()})
		}
	}
}

// checkHealth re-attaches the upstream listener when the connection it was
// registered on has died. Failures leave the retry to the next tick.
func (f *Forwarder) checkHealth(token string, entry *tokenEntry) {
	f.mu.Lock()
	healthy := entry.client != nil && entry.client.IsConnected()
	if !healthy {
		entry.client = nil
		entry.unsubscribe = nil
	}
	f.mu.Unlock()
	if healthy {
		return
	}
	f.ensureListener(token, entry)
}

// ensureListener obtains the token's pooled connection and registers the
// wildcard event listener on it.
func (f *Forwarder) ensureListener(token string, entry *tokenEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	client, err := f.pool.GetConnection(ctx, token)
	if err != nil {
		f.logger.Debug().Err(err).Msg("forward: gateway attachment failed, will retry")
		return
	}

	f.mu.Lock()
	if f.tokens[token] != entry || entry.client != nil {
		// All subscribers left meanwhile, or another attachment won.
		f.mu.Unlock()
		return
	}
	entry.client = client
	entry.unsubscribe = client.SubscribeEvent("*", func(frame *gateway.Frame) {
		if event, ok := Translate(frame); ok {
			f.broadcast(token, event)
		}
	})
	f.mu.Unlock()
}

// broadcast writes an event to every subscriber of a token. A failing
// writer is dropped; the others are unaffected.
func (f *Forwarder) broadcast(token string, event PushEvent) {
	f.mu.Lock()
	entry := f.tokens[token]
	if entry == nil {
		f.mu.Unlock()
		return
	}
	writers := make([]Writer, 0, len(entry.subscribers))
	for w := range entry.subscribers {
		writers = append(writers, w)
	}
	f.mu.Unlock()

	var failed []Writer
	for _, w := range writers {
		if err := w.Write(event); err != nil {
			failed = append(failed, w)
		}
	}
	for _, w := range failed {
		f.Unsubscribe(token, w)
	}
}
