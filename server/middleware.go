package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	bridge "github.com/openclaw/webchat-bridge"
)

const tokenContextKey = "bearer-token"

// requireAuth extracts the bearer token into the request context. Every
// /api route except auth/verify runs behind it.
func (s *Server) requireAuth(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		respondCode(c, bridge.Unauthorized, "missing bearer token")
		c.Abort()
		return
	}
	c.Set(tokenContextKey, token)
	c.Next()
}

func requestToken(c *gin.Context) string {
	return c.GetString(tokenContextKey)
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// corsMiddleware allows the configured origins. An empty allowlist permits
// any origin, which suits the single-tenant development deployment.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || len(allowed) == 0 {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
