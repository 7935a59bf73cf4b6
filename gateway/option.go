package gateway

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"

	bridge "github.com/openclaw/webchat-bridge"
)

// Option is a function that configures the Client.
type Option func(*Client)

// WithConnectTimeout bounds the WS upgrade plus the connect handshake.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

// WithRequestTimeout bounds each RPC round trip.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithHeartbeatInterval sets the WS ping cadence. Zero disables heartbeats.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.heartbeatInterval = interval
	}
}

// WithReconnect configures linear-backoff reconnection after an unexpected
// drop: attempt N fires after N x delay. Zero maxRetries disables
// reconnection entirely (the pooled mode).
func WithReconnect(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.reconnectMaxRetries = maxRetries
		c.reconnectDelay = delay
	}
}

// WithOrigin sets the Origin header sent during the WS upgrade. The Gateway
// may enforce an origin whitelist; empty leaves the library default.
func WithOrigin(origin string) Option {
	return func(c *Client) {
		c.origin = origin
	}
}

// WithTLSConfig sets the TLS configuration for wss:// endpoints.
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = config
	}
}

// WithClientIdentity sets the client descriptor carried by the connect
// handshake. Empty fields keep their defaults.
func WithClientIdentity(id, version, instanceID string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
		if version != "" {
			c.clientVersion = version
		}
		if instanceID != "" {
			c.instanceID = instanceID
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithOnClose registers a hook invoked once when the client transitions to
// Closed for any reason other than an explicit Close call.
func WithOnClose(hook func(err error)) Option {
	return func(c *Client) {
		c.onClose = hook
	}
}

// New creates an idle Client for one Gateway WebSocket connection.
func New(wsURL, token string, options ...Option) *Client {
	ret := &Client{
		url:                 wsURL,
		token:               token,
		connectTimeout:      10 * time.Second,
		requestTimeout:      30 * time.Second,
		heartbeatInterval:   30 * time.Second,
		reconnectMaxRetries: 3,
		reconnectDelay:      time.Second,
		clientID:            bridge.DefaultClientID,
		clientVersion:       "dev",
		instanceID:          "webchat-bridge",
		logger:              zerolog.Nop(),
		state:               StateIdle,
		pending:             make(map[string]chan pendingResult),
		listeners:           make(map[string][]listenerEntry),
	}
	for _, opt := range options {
		opt(ret)
	}
	return ret
}
