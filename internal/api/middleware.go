package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// authMiddleware enforces the gateway bearer token. Health checks and the
// model listing stay public so clients can discover the gateway without
// credentials. An empty configured key disables authentication entirely.
func authMiddleware(gatewayAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || strings.HasSuffix(path, "/models") {
			c.Next()
			return
		}
		if gatewayAPIKey == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.WithField("request_id", requestID(c)).
				Warnf("authentication failed: missing bearer token for %s", path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Missing or invalid Authorization header (Bearer token expected)",
			})
			return
		}
		if strings.TrimPrefix(authHeader, "Bearer ") != gatewayAPIKey {
			log.WithField("request_id", requestID(c)).
				Warnf("authentication failed: invalid API key for %s", path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Invalid API Key"})
			return
		}
		c.Next()
	}
}

// corsMiddleware implements the allow-list CORS policy. "*" allows any
// origin; otherwise the request origin must match an entry exactly.
func corsMiddleware(allowOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, origin := range allowOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
