package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyIdentity is the key for storing the caller identity in gin context.
const ContextKeyIdentity = "authIdentity"

// Middleware extracts and verifies the bearer token.
// Sets authIdentity in context if valid; never aborts.
// Browsers cannot set headers on WebSocket upgrades, so those may pass the
// token as ?access_token=.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			header = c.Query("access_token")
		}
		if header != "" {
			if id, err := v.Verify(header); err == nil {
				c.Set(ContextKeyIdentity, id)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Your role cannot perform this operation.",
		})
	}
}

// RequireAdmin accepts an admin token, or the X-Admin-Secret header when an
// admin secret is configured.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := GetIdentity(c); ok && id.IsAdmin() {
			c.Next()
			return
		}
		if adminSecret != "" {
			provided := c.GetHeader("X-Admin-Secret")
			if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) == 1 {
				c.Set(ContextKeyIdentity, &Identity{Subject: "admin:secret", Role: RoleAdmin})
				c.Next()
				return
			}
		}
		if _, ok := GetIdentity(c); !ok && adminSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin token required.",
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required.",
		})
	}
}

// GetIdentity returns the caller identity from context (if authenticated).
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetIdentity(c)
	return ok
}
