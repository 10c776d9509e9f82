package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for staff key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterPublicRoutes mounts the unauthenticated auth routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
}

// RegisterStaffRoutes mounts key management on an already staff-guarded
// group. Key issue and revocation additionally require a manager key.
func (h *Handler) RegisterStaffRoutes(r *gin.RouterGroup) {
	r.GET("/whoami", h.Whoami)

	keys := r.Group("/keys", RequireManager())
	keys.GET("", h.ListKeys)
	keys.POST("", h.CreateKey)
	keys.DELETE("/:keyId", h.RevokeKey)
	keys.POST("/:keyId/rotate", h.RotateKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "X-Staff-Key: stk_...",
		"altHeader": "Authorization: Bearer stk_...",
		"note":      "Staff keys are issued by a manager. The raw key is shown once at issue time.",
		"publicEndpoints": []string{
			"POST /v1/purchase",
			"GET /v1/topups/:id",
			"GET /v1/members/:id/balance",
			"GET /v1/screenings",
			"POST /v1/reservations",
		},
		"staffEndpoints": []string{
			"POST /v1/members/:id/credits",
			"POST /v1/staff/screenings",
			"GET /v1/staff/keys",
			"GET /v1/admin/settlements/stuck",
		},
	})
}

// Whoami returns info about the authenticated staff key
func (h *Handler) Whoami(c *gin.Context) {
	key, ok := GetStaffKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keyId":     key.ID,
		"name":      key.Name,
		"role":      key.Role,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}

// ListKeys returns every issued staff key
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context())
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
			"name":      k.Name,
			"role":      k.Role,
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

// CreateKeyRequest is the request body for issuing a key
type CreateKeyRequest struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// CreateKey issues a new staff key
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Terminal key"
	}
	if req.Role == "" {
		req.Role = RoleStaff
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.Name, req.Role)
	if err == ErrInvalidRole {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "Role must be staff or manager",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to issue staff key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"staffKey": rawKey,
		"keyId":    newKey.ID,
		"name":     newKey.Name,
		"role":     newKey.Role,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes a staff key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetStaffKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID); err != nil {
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

// RotateKey revokes a key and issues its replacement
func (h *Handler) RotateKey(c *gin.Context) {
	keyID := c.Param("keyId")

	rawKey, newKey, err := h.manager.RotateKey(c.Request.Context(), keyID)
	if err == ErrKeyNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to rotate",
			"message": "Failed to rotate staff key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"staffKey": rawKey,
		"keyId":    newKey.ID,
		"oldKeyId": keyID,
		"name":     newKey.Name,
		"role":     newKey.Role,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}
