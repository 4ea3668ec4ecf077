package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/reuni/disputes/internal/httpx"
	"github.com/reuni/disputes/internal/logging"
	"github.com/reuni/disputes/internal/notify"
)

const (
	// ContextKeyUserID is the gin key holding the authenticated user id.
	ContextKeyUserID = "authUserID"
	// ContextKeyClaims holds the parsed *Claims.
	ContextKeyClaims = "authClaims"
	// HeaderInternalKey carries the shared key on internal routes.
	HeaderInternalKey = "X-Internal-Key"
)

// RequireAuth rejects requests without a valid bearer token and stores the
// caller id for handlers.
func RequireAuth(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, claims, err := v.Verify(bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Set(ContextKeyClaims, claims)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin(admins notify.AdminDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := admins.IsAdmin(c.Request.Context(), httpx.CallerID(c))
		if err != nil {
			logging.L(c.Request.Context()).Error("admin role lookup failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "role_lookup_failed",
				"message": "Could not verify admin role",
			})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// RequireInternalKey guards service-to-service routes. An empty key
// disables them entirely.
func RequireInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !KeyMatches(c.GetHeader(HeaderInternalKey), key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Internal key required.",
			})
			return
		}
		c.Set(ContextKeyUserID, "system")
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	if c.IsWebsocket() {
		return c.Query("access_token")
	}
	return ""
}
