package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key management routes. Mount under an
// admin-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.CreateKey)
	r.GET("/keys", h.ListKeys)
	r.POST("/keys/:keyId/revoke", h.RevokeKey)
}

// WhoAmI returns info about the authenticated key
func (h *Handler) WhoAmI(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenantId":  key.TenantID,
		"role":      key.Role,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`
}

// CreateKey issues a new API key for a tenant
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tenantId is required",
		})
		return
	}

	switch req.Role {
	case "", RoleAPI, RoleOps, RoleAdmin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be one of: api, ops, admin",
		})
		return
	}
	if req.Name == "" {
		req.Name = "API key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.TenantID, req.Role, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":   rawKey,
		"keyId":    newKey.ID,
		"tenantId": newKey.TenantID,
		"role":     newKey.Role,
		"name":     newKey.Name,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for a tenant
func (h *Handler) ListKeys(c *gin.Context) {
	tenantID := c.Query("tenantId")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tenantId query parameter is required",
		})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"role":      k.Role,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// RevokeKeyRequest is the request body for revoking a key
type RevokeKeyRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	current, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req RevokeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tenantId is required",
		})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == current.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, req.TenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}
