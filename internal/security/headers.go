// Package security provides security middleware and webhook URL vetting
// for the Callshield API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Response headers applied to every request. The surface is API-only, so
// the CSP forbids everything except the WebSocket endpoints.
var standardHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Content-Security-Policy": "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
}

// HeadersMiddleware adds the standard security headers to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for k, v := range standardHeaders {
			c.Header(k, v)
		}
		c.Next()
	}
}

const (
	corsMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, X-API-Key, X-Admin-Key"
)

// CORSMiddleware handles cross-origin requests from companion apps and the
// ops dashboard. An empty origin list or "*" admits any origin; credentials
// are only allowed with an explicit list.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(o)] = true
	}
	allowAny := len(allowedOrigins) == 0 || allowed["*"]

	return func(c *gin.Context) {
		// Responses differ per Origin; caches must not mix them up.
		c.Header("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if origin != "" && (allowAny || allowed[strings.ToLower(origin)]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			if !allowed["*"] && len(allowedOrigins) > 0 {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
