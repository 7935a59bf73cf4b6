// Package server exposes the bridge's public HTTP and SSE surface.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/viant/afs/url"

	"github.com/openclaw/webchat-bridge/forward"
	"github.com/openclaw/webchat-bridge/gateway"
	"github.com/openclaw/webchat-bridge/session"
)

// Server wires the HTTP routes to the session manager, the event forwarder
// and the connection pool.
type Server struct {
	pool      *gateway.Pool
	manager   *session.Manager
	forwarder *forward.Forwarder
	logger    zerolog.Logger

	streamingEnabled bool
	gatewayHost      string
	engine           *gin.Engine
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStreamingEnabled gates the per-request SSE endpoint. Disabled, the
// endpoint answers 503 STREAMING_DISABLED.
func WithStreamingEnabled(enabled bool) ServerOption {
	return func(s *Server) {
		s.streamingEnabled = enabled
	}
}

// WithCORS installs the CORS allowlist middleware.
func WithCORS(origins []string) ServerOption {
	return func(s *Server) {
		s.engine.Use(corsMiddleware(origins))
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates the HTTP surface. gatewayWSURL only feeds the health report.
func New(pool *gateway.Pool, manager *session.Manager, forwarder *forward.Forwarder, gatewayWSURL string, options ...ServerOption) *Server {
	gin.SetMode(gin.ReleaseMode)
	ret := &Server{
		pool:             pool,
		manager:          manager,
		forwarder:        forwarder,
		logger:           zerolog.Nop(),
		streamingEnabled: true,
		gatewayHost:      url.Host(gatewayWSURL),
		engine:           gin.New(),
	}
	ret.engine.Use(gin.Recovery())
	for _, opt := range options {
		opt(ret)
	}
	ret.routes()
	return ret
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.POST("/auth/verify", s.handleVerify)

	authed := api.Group("", s.requireAuth)
	authed.GET("/sessions", s.handleList)
	authed.POST("/sessions", s.handleCreate)
	authed.DELETE("/sessions", s.handleDeleteMany)
	authed.GET("/sessions/:key/messages", s.handleHistory)
	authed.POST("/sessions/:key/messages", s.handleSend)
	authed.POST("/sessions/:key/messages/stream", s.handleSendStream)
	authed.PATCH("/sessions/:key", s.handlePatch)
	authed.DELETE("/sessions/:key", s.handleDelete)
	authed.GET("/events", s.handleEvents)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "webchat-bridge",
		"gateway":     s.gatewayHost,
		"connections": s.pool.ConnectedCount(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
