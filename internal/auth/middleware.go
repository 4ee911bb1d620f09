package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyTenantID is the key for the authenticated tenant
	ContextKeyTenantID = "authTenantID"
	// ContextKeyUserID is the key identity recorded as the acting user
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey, authTenantID, and authUserID in context when valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyTenantID, key.TenantID)
				c.Set(ContextKeyUserID, key.ID)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer mk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires auth with at least the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !key.Allows(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This endpoint requires the " + role + " role.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// TenantID returns the authenticated tenant id, or empty.
func TenantID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyTenantID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
