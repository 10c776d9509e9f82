package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyStaffKey is the gin context key holding the validated key
	ContextKeyStaffKey = "staffKey"
	// ContextKeyStaffName is the gin context key holding the key holder's name
	ContextKeyStaffName = "staffName"
)

// Middleware extracts and validates the staff key from the request.
// Sets staffKey and staffName in context if valid; never rejects on its
// own, pair it with RequireStaff or RequireManager.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Staff-Key")
		if raw == "" {
			raw = c.GetHeader("Authorization")
		}

		if raw != "" {
			key, err := m.ValidateKey(c.Request.Context(), raw)
			if err == nil {
				c.Set(ContextKeyStaffKey, key)
				c.Set(ContextKeyStaffName, key.Name)
			}
		}

		c.Next()
	}
}

// RequireStaff rejects requests that did not present a valid staff key.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyStaffKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Staff key required. Include 'X-Staff-Key: stk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireManager rejects requests whose key is not a manager key. The
// configured root key always counts as one.
func RequireManager() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, exists := c.Get(ContextKeyStaffKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Staff key required.",
			})
			return
		}

		staffKey, ok := key.(*StaffKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Invalid authentication state",
			})
			return
		}
		if staffKey.Role != RoleManager {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Manager key required.",
			})
			return
		}

		c.Next()
	}
}

// GetStaffKey returns the staff key from context (if authenticated)
func GetStaffKey(c *gin.Context) (*StaffKey, bool) {
	key, exists := c.Get(ContextKeyStaffKey)
	if !exists {
		return nil, false
	}
	return key.(*StaffKey), true
}

// StaffName returns the authenticated key holder's name
func StaffName(c *gin.Context) string {
	name, exists := c.Get(ContextKeyStaffName)
	if !exists {
		return ""
	}
	return name.(string)
}

// IsStaff checks if the request presented a valid staff key
func IsStaff(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyStaffKey)
	return exists
}
