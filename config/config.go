// Package config loads the bridge configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration. All knobs come from the environment;
// nothing is read from disk.
type Config struct {
	// GatewayWSURL is the upstream Gateway WebSocket endpoint (ws:// or wss://).
	GatewayWSURL string
	// GatewayOrigin is the Origin header for the WS upgrade; empty keeps the
	// library default.
	GatewayOrigin string

	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	HeartbeatInterval   time.Duration
	ReconnectMaxRetries int
	ReconnectDelay      time.Duration

	// TLSVerify=false disables certificate verification for the entire
	// outbound stack. Development only.
	TLSVerify bool
	// StreamingEnabled gates the per-request SSE endpoint.
	StreamingEnabled bool

	CORSOrigins []string
	APIPort     int

	ClientID         string
	ClientVersion    string
	ClientInstanceID string
}

// FromEnv builds the configuration from the recognized environment
// variables, falling back to defaults.
func FromEnv() *Config {
	return &Config{
		GatewayWSURL:        envString("GATEWAY_WS_URL", "ws://127.0.0.1:18789"),
		GatewayOrigin:       envString("GATEWAY_WS_ORIGIN", ""),
		ConnectTimeout:      envMillis("GATEWAY_CONNECT_TIMEOUT_MS", 10*time.Second),
		RequestTimeout:      envMillis("GATEWAY_REQUEST_TIMEOUT_MS", 30*time.Second),
		HeartbeatInterval:   envMillis("GATEWAY_HEARTBEAT_INTERVAL_MS", 30*time.Second),
		ReconnectMaxRetries: envInt("GATEWAY_RECONNECT_MAX_RETRIES", 3),
		ReconnectDelay:      envMillis("GATEWAY_RECONNECT_DELAY_MS", time.Second),
		TLSVerify:           envBool("TLS_VERIFY", true),
		StreamingEnabled:    envBool("STREAMING_ENABLED", true),
		CORSOrigins:         envList("CORS_ORIGINS"),
		APIPort:             envInt("API_PORT", 8080),
		ClientID:            envString("GATEWAY_CLIENT_ID", ""),
		ClientVersion:       envString("GATEWAY_CLIENT_VERSION", ""),
		ClientInstanceID:    envString("GATEWAY_CLIENT_INSTANCE_ID", ""),
	}
}

func envString(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envMillis(name string, fallback time.Duration) time.Duration {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	millis, err := strconv.Atoi(value)
	if err != nil || millis < 0 {
		return fallback
	}
	return time.Duration(millis) * time.Millisecond
}

func envInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	ret, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return ret
}

func envBool(name string, fallback bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	ret, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return ret
}

func envList(name string) []string {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	ret := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ret = append(ret, trimmed)
		}
	}
	return ret
}
