package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Scope identifies which key class authenticated a request.
type Scope string

const (
	ScopeDevice Scope = "device"
	ScopeAdmin  Scope = "admin"
)

// ContextKeyScope is the key for storing the authenticated scope in gin context.
const ContextKeyScope = "authScope"

// RequireDevice guards client-facing endpoints with the device key set.
// In open mode (no device keys configured) every request passes.
func RequireDevice(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if k.DeviceOpen() {
			c.Next()
			return
		}

		key := c.GetHeader("Authorization")
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		if key == "" {
			key = c.Query("apiKey")
		}

		if err := k.VerifyDevice(key); err != nil {
			msg := "Invalid API key."
			if err == ErrNoAPIKey {
				msg = "API key required. Include 'Authorization: Bearer <key>' header."
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		c.Set(ContextKeyScope, ScopeDevice)
		c.Next()
	}
}

// RequireAdmin guards the operator surface. With no admin key configured the
// guarded routes respond 404, as if they were never mounted.
//
// The key is read from the X-Admin-Key header, or from the "key" query
// parameter for WebSocket clients that cannot set headers.
func RequireAdmin(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.AdminConfigured() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = c.Query("key")
		}

		if err := k.VerifyAdmin(key); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin key required.",
			})
			return
		}

		c.Set(ContextKeyScope, ScopeAdmin)
		c.Next()
	}
}

// GetScope returns the authenticated scope from context.
func GetScope(c *gin.Context) (Scope, bool) {
	v, exists := c.Get(ContextKeyScope)
	if !exists {
		return "", false
	}
	return v.(Scope), true
}

// IsAuthenticated checks if the request carried a valid key.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyScope)
	return exists
}
